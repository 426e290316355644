package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"mime"
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/provider"
	"github.com/SirClappington/shortsq/internal/provider/providertest"
	"github.com/SirClappington/shortsq/internal/storage/storagetest"
	"github.com/SirClappington/shortsq/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopAlerter struct{}

func (nopAlerter) StorageFull(context.Context, string, int64, int64) error { return nil }

type fixture struct {
	c     *Coordinator
	store *storagetest.Memory
	tr    *tracker.Tracker
	gws   map[string]*providertest.Fake
}

func newFixture(t *testing.T, ceiling int64) *fixture {
	t.Helper()
	gws := map[string]*providertest.Fake{
		"gcs": providertest.New("gcs"), "azure": providertest.New("azure"), "s3": providertest.New("s3"),
	}
	reg := provider.NewRegistry(gws["gcs"], gws["azure"], gws["s3"])
	store := storagetest.New()
	tr := tracker.New(store, reg.Names(), func(string) int64 { return ceiling }, nopAlerter{}, zap.NewNop())
	return &fixture{c: New(reg, tr, zap.NewNop()), store: store, tr: tr, gws: gws}
}

func tempFile(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "My Video.mp4")
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o600))
	return p
}

func TestRemoteName(t *testing.T) {
	n := RemoteName("My Video.mp4")
	assert.Regexp(t, regexp.MustCompile(`^My_Video_[0-9a-f]{8}\.mp4$`), n)
	assert.NotEqual(t, n, RemoteName("My Video.mp4"))

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f-]{36}\.mp4$`), RemoteName(""))
	assert.Regexp(t, regexp.MustCompile(`^clip_[0-9a-f]{8}\.webm$`), RemoteName("../../clip.webm"))
	assert.Regexp(t, regexp.MustCompile(`^clip_[0-9a-f]{8}\.mp4$`), RemoteName("clip"))
}

func TestRemoteNameKeepsTitle(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^AC_DC_live_[0-9a-f]{8}\.mp4$`), RemoteName("AC/DC live.mp4"))
	assert.Regexp(t, regexp.MustCompile(`^Привет_мир_[0-9a-f]{8}\.mp4$`), RemoteName("Привет мир"))
	assert.Regexp(t, regexp.MustCompile(`^日本の猫_[0-9a-f]{8}\.mp4$`), RemoteName("日本の猫.mp4"))
	assert.Regexp(t, regexp.MustCompile(`^Mr._Smith_goes_[0-9a-f]{8}\.mp4$`), RemoteName("Mr. Smith goes"))

	long := RemoteName(strings.Repeat("猫", 200))
	assert.True(t, utf8.ValidString(long))
	assert.Equal(t, 80+len("_12345678.mp4"), utf8.RuneCountInString(long))

	_, params, err := mime.ParseMediaType(provider.Disposition(RemoteName("Привет мир")))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(params["filename"], "Привет_мир_"))
}

func TestSelectProviderNeverFull(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.tr.AddUsage(ctx, "gcs", 100, "x")
	require.NoError(t, err)
	_, err = f.tr.AddUsage(ctx, "s3", 150, "y")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		p, err := f.c.SelectProvider(ctx)
		require.NoError(t, err)
		assert.Equal(t, "azure", p)
	}

	_, err = f.tr.AddUsage(ctx, "azure", 100, "z")
	require.NoError(t, err)
	_, err = f.c.SelectProvider(ctx)
	assert.True(t, domain.HasCode(err, domain.CodeStorageFull))
}

func TestSelectProviderUniform(t *testing.T) {
	f := newFixture(t, 1<<30)
	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		p, err := f.c.SelectProvider(context.Background())
		require.NoError(t, err)
		seen[p]++
	}
	assert.Len(t, seen, 3)
}

func TestUploadRecordsUsage(t *testing.T) {
	f := newFixture(t, 1<<30)
	f.c.pick = func(int) int { return 0 }
	ctx := context.Background()

	up, err := f.c.Upload(ctx, tempFile(t, 2048), "My Video.mp4")
	require.NoError(t, err)
	assert.Equal(t, "gcs", up.Provider)
	assert.Equal(t, int64(2048), up.Size)
	assert.Contains(t, up.URL, up.RemoteName)
	assert.True(t, f.gws["gcs"].Has(up.RemoteName))

	s, err := f.tr.Stats(ctx, "gcs")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), s.UsedBytes)
	assert.Equal(t, int64(1), s.FileCount)
}

func TestUploadFailureRecordsNothing(t *testing.T) {
	f := newFixture(t, 1<<30)
	f.c.pick = func(int) int { return 1 }
	f.gws["azure"].UploadErr = errors.New("403 from backend")
	ctx := context.Background()

	_, err := f.c.Upload(ctx, tempFile(t, 10), "a.mp4")
	require.Error(t, err)
	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeUploadFailed, e.Code)
	assert.Equal(t, "azure", e.Details["provider"])

	s, err := f.tr.Stats(ctx, "azure")
	require.NoError(t, err)
	assert.Zero(t, s.UsedBytes)
}

func TestUploadAccountingFailureRemovesObject(t *testing.T) {
	f := newFixture(t, 1<<30)
	f.c.pick = func(int) int { return 2 }
	ctx := context.Background()
	// SelectProvider reads usage first, so arm the failure after it
	_, err := f.tr.ProvidersUnderLimit(ctx)
	require.NoError(t, err)
	f.store.FailNext = errors.New("db down")

	_, err = f.c.Upload(ctx, tempFile(t, 10), "a.mp4")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	l, err := f.gws["s3"].Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, l.Count)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, 1<<30)
	f.c.pick = func(int) int { return 0 }
	ctx := context.Background()

	up, err := f.c.Upload(ctx, tempFile(t, 500), "a.mp4")
	require.NoError(t, err)
	require.NoError(t, f.c.Delete(ctx, up.RemoteName, up.Provider))
	assert.False(t, f.gws["gcs"].Has(up.RemoteName))
	s, err := f.tr.Stats(ctx, "gcs")
	require.NoError(t, err)
	assert.Zero(t, s.UsedBytes)

	// already gone and backend errors are swallowed
	require.NoError(t, f.c.Delete(ctx, up.RemoteName, up.Provider))
	f.gws["gcs"].Put("b.mp4", 1)
	f.gws["gcs"].DeleteErr = errors.New("boom")
	require.NoError(t, f.c.Delete(ctx, "b.mp4", "gcs"))

	err = f.c.Delete(ctx, "a.mp4", "dropbox")
	assert.True(t, domain.HasCode(err, domain.CodeFileNotFound))
}

func TestRemoveOutcomes(t *testing.T) {
	f := newFixture(t, 1<<30)
	f.c.pick = func(int) int { return 0 }
	ctx := context.Background()
	gcs := f.gws["gcs"]

	up, err := f.c.Upload(ctx, tempFile(t, 500), "a.mp4")
	require.NoError(t, err)

	gcs.StatErr = errors.New("stat timeout")
	gcs.DeleteErr = errors.New("delete timeout")
	res, err := f.c.Remove(ctx, up.RemoteName, "gcs")
	require.NoError(t, err)
	assert.Equal(t, RemoveFailed, res)
	assert.True(t, gcs.Has(up.RemoteName))

	// the delete still goes ahead when only the stat fails
	gcs.DeleteErr = nil
	res, err = f.c.Remove(ctx, up.RemoteName, "gcs")
	require.NoError(t, err)
	assert.Equal(t, Removed, res)
	assert.False(t, gcs.Has(up.RemoteName))
	s, err := f.tr.Stats(ctx, "gcs")
	require.NoError(t, err)
	assert.Equal(t, int64(500), s.UsedBytes, "unsized delete leaves usage for reconciliation")

	gcs.StatErr = nil
	res, err = f.c.Remove(ctx, up.RemoteName, "gcs")
	require.NoError(t, err)
	assert.Equal(t, AlreadyGone, res)
}

func TestRegenerateURL(t *testing.T) {
	f := newFixture(t, 1<<30)
	f.gws["azure"].Put("a.mp4", 1)
	u1, err := f.c.RegenerateURL(context.Background(), "a.mp4", "azure")
	require.NoError(t, err)
	u2, err := f.c.RegenerateURL(context.Background(), "a.mp4", "azure")
	require.NoError(t, err)
	assert.NotEqual(t, u1, u2)

	_, err = f.c.RegenerateURL(context.Background(), "a.mp4", "nope")
	assert.True(t, domain.HasCode(err, domain.CodeFileNotFound))
}
