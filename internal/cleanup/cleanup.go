// Package cleanup expires old download links and prunes finished job history.
package cleanup

import (
	"context"
	"time"

	"github.com/SirClappington/shortsq/internal/coordinator"
	"github.com/SirClappington/shortsq/internal/domain"
	"go.uber.org/zap"
)

type Store interface {
	ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	CountReferences(ctx context.Context, obj domain.StoredObject, excludeID string) (int, error)
	MarkExpired(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, olderThan time.Time, statuses []domain.Status) (int64, error)
}

type Remover interface {
	Remove(ctx context.Context, remoteName, provider string) (coordinator.Removal, error)
}

type Options struct {
	FileExpiry       time.Duration
	StaleJobAge      time.Duration
	HistoryRetention time.Duration
	Batch            int
}

type Report struct {
	FilesDeleted   int   `json:"filesDeleted"`
	FilesMissing   int   `json:"filesMissing"`
	FilesKept      int   `json:"filesKept"`
	RecordsExpired int   `json:"recordsExpired"`
	RecordsDeleted int64 `json:"recordsDeleted"`
	Errors         int   `json:"errors"`
}

type Task struct {
	store Store
	del   Remover
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, del Remover, opts Options, log *zap.Logger) *Task {
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	return &Task{store: store, del: del, opts: opts, log: log.Named("cleanup"), now: time.Now}
}

// Run does one pass. Object deletion is best effort; a failed delete still
// expires the record.
func (t *Task) Run(ctx context.Context) (Report, error) {
	var rep Report
	now := t.now()

	jobs, err := t.store.ListExpirable(ctx, now.Add(-t.opts.FileExpiry), t.opts.Batch)
	if err != nil {
		return rep, err
	}
	for _, j := range jobs {
		if obj, ok := j.Object(); ok {
			refs, err := t.store.CountReferences(ctx, obj, j.ID)
			if err != nil {
				t.log.Warn("count references", zap.String("job", j.ID), zap.Error(err))
				rep.Errors++
				continue
			}
			if refs > 0 {
				rep.FilesKept++
				t.log.Debug("object still referenced", zap.String("job", j.ID), zap.String("file", obj.RemoteName), zap.Int("refs", refs))
			} else {
				res, err := t.del.Remove(ctx, obj.RemoteName, obj.Provider)
				switch {
				case err != nil || res == coordinator.RemoveFailed:
					t.log.Warn("delete object", zap.String("job", j.ID), zap.String("file", obj.RemoteName), zap.Error(err))
					rep.Errors++
				case res == coordinator.AlreadyGone:
					rep.FilesMissing++
				default:
					rep.FilesDeleted++
				}
			}
		}
		if err := t.store.MarkExpired(ctx, j.ID); err != nil {
			t.log.Warn("mark expired", zap.String("job", j.ID), zap.Error(err))
			rep.Errors++
			continue
		}
		rep.RecordsExpired++
	}

	n, err := t.store.DeleteExpired(ctx, now.Add(-t.opts.StaleJobAge), []domain.Status{domain.Failed, domain.Queued})
	if err != nil {
		return rep, err
	}
	rep.RecordsDeleted += n
	if t.opts.HistoryRetention > 0 {
		n, err := t.store.DeleteExpired(ctx, now.Add(-t.opts.HistoryRetention), []domain.Status{domain.Completed})
		if err != nil {
			return rep, err
		}
		rep.RecordsDeleted += n
	}

	t.log.Info("cleanup finished", zap.Int("files_deleted", rep.FilesDeleted), zap.Int("files_kept", rep.FilesKept),
		zap.Int("expired", rep.RecordsExpired), zap.Int64("deleted", rep.RecordsDeleted), zap.Int("errors", rep.Errors))
	return rep, nil
}
