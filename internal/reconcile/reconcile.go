// Package reconcile brings tracked provider usage back in line with what the
// backends actually hold.
package reconcile

import (
	"context"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/provider"
	"go.uber.org/zap"
)

type Store interface {
	GetUsage(ctx context.Context, name string) (domain.ProviderUsage, bool, error)
	OverwriteUsage(ctx context.Context, name string, bytes, files, ceiling int64) (domain.ProviderUsage, error)
}

type Report struct {
	Checked int `json:"checked"`
	Synced  int `json:"synced"`
	Errors  int `json:"errors"`
}

type Job struct {
	reg     *provider.Registry
	store   Store
	ceiling func(string) int64
	log     *zap.Logger
}

func New(reg *provider.Registry, store Store, ceiling func(string) int64, log *zap.Logger) *Job {
	return &Job{reg: reg, store: store, ceiling: ceiling, log: log.Named("reconcile")}
}

// Run only ever overwrites a row with the backend's listing, so running it
// twice in a row is a no-op the second time.
func (j *Job) Run(ctx context.Context) Report {
	var rep Report
	for _, name := range j.reg.Names() {
		gw, _ := j.reg.Get(name)
		log := j.log.With(zap.String("provider", name))
		rep.Checked++

		listing, err := gw.Usage(ctx)
		if err != nil {
			log.Error("list provider", zap.Error(err))
			rep.Errors++
			continue
		}
		tracked, _, err := j.store.GetUsage(ctx, name)
		if err != nil {
			log.Error("read tracked usage", zap.Error(err))
			rep.Errors++
			continue
		}
		if tracked.TotalBytes == listing.Bytes && tracked.FileCount == listing.Count {
			continue
		}
		if _, err := j.store.OverwriteUsage(ctx, name, listing.Bytes, listing.Count, j.ceiling(name)); err != nil {
			log.Error("overwrite usage", zap.Error(err))
			rep.Errors++
			continue
		}
		rep.Synced++
		log.Info("usage corrected",
			zap.Int64("tracked_bytes", tracked.TotalBytes), zap.Int64("actual_bytes", listing.Bytes),
			zap.Int64("tracked_files", tracked.FileCount), zap.Int64("actual_files", listing.Count))
	}
	j.log.Info("reconciliation finished", zap.Int("checked", rep.Checked), zap.Int("synced", rep.Synced), zap.Int("errors", rep.Errors))
	return rep
}
