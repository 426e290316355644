// Package tracker accounts per-provider storage usage against byte ceilings.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"go.uber.org/zap"
)

type Store interface {
	InitProvider(ctx context.Context, name string) error
	AdjustUsage(ctx context.Context, name string, dBytes, dFiles, ceiling int64) (domain.ProviderUsage, error)
	ClaimAlert(ctx context.Context, name string) (bool, error)
	GetUsage(ctx context.Context, name string) (domain.ProviderUsage, bool, error)
}

// Alerter is told once per becomes-full transition.
type Alerter interface {
	StorageFull(ctx context.Context, provider string, used, ceiling int64) error
}

type Stats struct {
	Provider       string    `json:"provider"`
	UsedBytes      int64     `json:"usedBytes"`
	FileCount      int64     `json:"fileCount"`
	CeilingBytes   int64     `json:"limitBytes"`
	AvailableBytes int64     `json:"availableBytes"`
	UsedPercent    float64   `json:"usedPercentage"`
	IsFull         bool      `json:"isFull"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

type Summary struct {
	Providers      []Stats `json:"providers"`
	TotalUsed      int64   `json:"totalUsedBytes"`
	TotalCapacity  int64   `json:"totalCapacityBytes"`
	TotalAvailable int64   `json:"totalAvailableBytes"`
	UsedPercent    float64 `json:"usedPercentage"`
}

type Tracker struct {
	store     Store
	providers []string
	ceiling   func(string) int64
	alerter   Alerter
	log       *zap.Logger

	AlertTimeout time.Duration
	wg           sync.WaitGroup
}

// New tracks the given providers in order. ceiling returns the byte limit per provider.
func New(store Store, providers []string, ceiling func(string) int64, alerter Alerter, log *zap.Logger) *Tracker {
	return &Tracker{
		store:        store,
		providers:    providers,
		ceiling:      ceiling,
		alerter:      alerter,
		log:          log.Named("tracker"),
		AlertTimeout: 30 * time.Second,
	}
}

func (t *Tracker) Ceiling(provider string) int64 { return t.ceiling(provider) }

func (t *Tracker) InitProvider(ctx context.Context, name string) error {
	return t.store.InitProvider(ctx, name)
}

// AddUsage records a new object of size bytes.
func (t *Tracker) AddUsage(ctx context.Context, provider string, bytes int64, fileRef string) (domain.ProviderUsage, error) {
	u, err := t.store.AdjustUsage(ctx, provider, bytes, 1, t.ceiling(provider))
	if err != nil {
		return u, err
	}
	t.log.Debug("usage added", zap.String("provider", provider), zap.String("file", fileRef),
		zap.Int64("bytes", bytes), zap.Int64("total", u.TotalBytes))
	if u.IsFull && !u.AlertSent {
		t.maybeAlert(ctx, u)
	}
	return u, nil
}

// RemoveUsage records the removal of an object of size bytes.
func (t *Tracker) RemoveUsage(ctx context.Context, provider string, bytes int64, fileRef string) (domain.ProviderUsage, error) {
	u, err := t.store.AdjustUsage(ctx, provider, -bytes, -1, t.ceiling(provider))
	if err != nil {
		return u, err
	}
	t.log.Debug("usage removed", zap.String("provider", provider), zap.String("file", fileRef),
		zap.Int64("bytes", bytes), zap.Int64("total", u.TotalBytes))
	return u, nil
}

func (t *Tracker) maybeAlert(ctx context.Context, u domain.ProviderUsage) {
	won, err := t.store.ClaimAlert(ctx, u.Provider)
	if err != nil {
		t.log.Warn("claim alert", zap.String("provider", u.Provider), zap.Error(err))
		return
	}
	if !won {
		return
	}
	ceiling := t.ceiling(u.Provider)
	t.log.Warn("provider reached storage limit", zap.String("provider", u.Provider),
		zap.Int64("used", u.TotalBytes), zap.Int64("limit", ceiling))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.AlertTimeout)
		defer cancel()
		if err := t.alerter.StorageFull(actx, u.Provider, u.TotalBytes, ceiling); err != nil {
			t.log.Error("storage alert failed", zap.String("provider", u.Provider), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight alerts are done.
func (t *Tracker) Wait() { t.wg.Wait() }

func (t *Tracker) statsFor(u domain.ProviderUsage) Stats {
	ceiling := t.ceiling(u.Provider)
	s := Stats{
		Provider:       u.Provider,
		UsedBytes:      u.TotalBytes,
		FileCount:      u.FileCount,
		CeilingBytes:   ceiling,
		AvailableBytes: max(ceiling-u.TotalBytes, 0),
		IsFull:         u.IsFull,
		LastUpdated:    u.LastUpdated,
	}
	if ceiling > 0 {
		s.UsedPercent = float64(u.TotalBytes) / float64(ceiling) * 100
	}
	return s
}

func (t *Tracker) Stats(ctx context.Context, provider string) (Stats, error) {
	u, _, err := t.store.GetUsage(ctx, provider)
	if err != nil {
		return Stats{}, err
	}
	return t.statsFor(u), nil
}

func (t *Tracker) AllStats(ctx context.Context) (Summary, error) {
	var sum Summary
	for _, p := range t.providers {
		s, err := t.Stats(ctx, p)
		if err != nil {
			return Summary{}, err
		}
		sum.Providers = append(sum.Providers, s)
		sum.TotalUsed += s.UsedBytes
		sum.TotalCapacity += s.CeilingBytes
		sum.TotalAvailable += s.AvailableBytes
	}
	if sum.TotalCapacity > 0 {
		sum.UsedPercent = float64(sum.TotalUsed) / float64(sum.TotalCapacity) * 100
	}
	return sum, nil
}

// ProvidersUnderLimit returns the configured providers that can take another
// upload, in configuration order. Unseen providers get a zeroed row.
func (t *Tracker) ProvidersUnderLimit(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(t.providers))
	for _, p := range t.providers {
		u, ok, err := t.store.GetUsage(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := t.store.InitProvider(ctx, p); err != nil {
				return nil, err
			}
		}
		if !u.IsFull && u.TotalBytes < t.ceiling(p) {
			out = append(out, p)
		}
	}
	return out, nil
}
