package tracker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/SirClappington/shortsq/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const gb = int64(1) << 30

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *recordingAlerter) StorageFull(_ context.Context, provider string, _, _ int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, provider)
	return a.err
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newTracker(alerter Alerter) *Tracker {
	return New(storagetest.New(), []string{"gcs", "azure", "s3"},
		func(string) int64 { return 5 * gb }, alerter, zap.NewNop())
}

func TestAddRemoveIdempotent(t *testing.T) {
	tr := newTracker(&recordingAlerter{})
	ctx := context.Background()

	_, err := tr.AddUsage(ctx, "gcs", 1234, "seed")
	require.NoError(t, err)
	before, err := tr.Stats(ctx, "gcs")
	require.NoError(t, err)

	_, err = tr.AddUsage(ctx, "gcs", 777, "f")
	require.NoError(t, err)
	_, err = tr.RemoveUsage(ctx, "gcs", 777, "f")
	require.NoError(t, err)

	after, err := tr.Stats(ctx, "gcs")
	require.NoError(t, err)
	assert.Equal(t, before.UsedBytes, after.UsedBytes)
	assert.Equal(t, before.FileCount, after.FileCount)
}

func TestFullAlertRearm(t *testing.T) {
	al := &recordingAlerter{}
	tr := newTracker(al)
	ctx := context.Background()

	u, err := tr.AddUsage(ctx, "gcs", 5*gb, "big")
	require.NoError(t, err)
	assert.True(t, u.IsFull)
	tr.Wait()
	assert.Equal(t, 1, al.count())

	u, err = tr.RemoveUsage(ctx, "gcs", gb, "part")
	require.NoError(t, err)
	assert.False(t, u.IsFull)
	assert.False(t, u.AlertSent)

	u, err = tr.AddUsage(ctx, "gcs", gb, "again")
	require.NoError(t, err)
	assert.True(t, u.IsFull)
	tr.Wait()
	assert.Equal(t, 2, al.count())

	// still full: no further alert
	_, err = tr.AddUsage(ctx, "gcs", 10, "more")
	require.NoError(t, err)
	tr.Wait()
	assert.Equal(t, 2, al.count())
}

func TestCeilingProperty(t *testing.T) {
	al := &recordingAlerter{}
	tr := newTracker(al)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))

	var used int64
	crossings := 0
	wasFull := false
	for i := 0; i < 200; i++ {
		delta := rng.Int64N(gb)
		var err error
		if rng.IntN(3) == 0 && used > 0 {
			delta = min(delta, used)
			_, err = tr.RemoveUsage(ctx, "azure", delta, "x")
			used -= delta
		} else {
			_, err = tr.AddUsage(ctx, "azure", delta, "x")
			used += delta
		}
		require.NoError(t, err)

		s, err := tr.Stats(ctx, "azure")
		require.NoError(t, err)
		assert.Equal(t, used, s.UsedBytes)
		assert.Equal(t, used >= 5*gb, s.IsFull)
		if s.IsFull && !wasFull {
			crossings++
		}
		wasFull = s.IsFull
	}
	tr.Wait()
	assert.Equal(t, crossings, al.count())
}

func TestAlertFailureDoesNotFailAdd(t *testing.T) {
	tr := newTracker(&recordingAlerter{err: errors.New("smtp down")})
	u, err := tr.AddUsage(context.Background(), "s3", 6*gb, "f")
	require.NoError(t, err)
	assert.True(t, u.IsFull)
	tr.Wait()
}

func TestProvidersUnderLimit(t *testing.T) {
	tr := newTracker(&recordingAlerter{})
	ctx := context.Background()

	names, err := tr.ProvidersUnderLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gcs", "azure", "s3"}, names)

	_, err = tr.AddUsage(ctx, "azure", 5*gb, "f")
	require.NoError(t, err)
	tr.Wait()

	names, err = tr.ProvidersUnderLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gcs", "s3"}, names)

	sum, err := tr.AllStats(ctx)
	require.NoError(t, err)
	require.Len(t, sum.Providers, 3)
	assert.Equal(t, 5*gb, sum.TotalUsed)
	assert.Equal(t, 15*gb, sum.TotalCapacity)
	assert.InDelta(t, 33.33, sum.UsedPercent, 0.01)
}
