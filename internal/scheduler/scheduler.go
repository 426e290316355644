// Package scheduler is the leader-elected periodic loop: due retries, expired
// leases, lost messages and the housekeeping tasks.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/SirClappington/shortsq/internal/storage"
	"go.uber.org/zap"
)

type Store interface {
	ListStaleLeases(ctx context.Context, limit int) ([]domain.Job, error)
	ListUnqueued(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
	Touch(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.Status, f storage.Fields) error
}

type Queue interface {
	Enqueue(ctx context.Context, msg queue.Message, runAt time.Time) error
	MoveDue(ctx context.Context, now int64, batch int64) (int, error)
}

type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// Periodic is a task run by the leader at most once per Every.
type Periodic struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error

	last time.Time
}

type Options struct {
	Tick time.Duration
	// RedeliverAfter is how long a deliverable job may sit untouched before
	// it is pushed again. It must exceed the longest retry delay.
	RedeliverAfter time.Duration
	Batch          int
}

type Scheduler struct {
	store    Store
	queue    Queue
	elector  Elector
	tasks    []*Periodic
	opts     Options
	log      *zap.Logger
	now      func() time.Time
	isLeader bool
}

func New(store Store, q Queue, elector Elector, tasks []*Periodic, opts Options, log *zap.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 500
	}
	return &Scheduler{store: store, queue: q, elector: elector, tasks: tasks, opts: opts, log: log.Named("scheduler"), now: time.Now}
}

// Run ticks until ctx is cancelled, releasing leadership on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.opts.Tick)
	defer tick.Stop()
	defer s.elector.Release(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.Tick(ctx)
		}
	}
}

// Tick does one round if this process holds the leader lock.
func (s *Scheduler) Tick(ctx context.Context) {
	ok, err := s.elector.TryAcquire(ctx)
	if err != nil {
		s.log.Warn("leader lock", zap.Error(err))
		return
	}
	if ok != s.isLeader {
		s.isLeader = ok
		s.log.Info("leadership changed", zap.Bool("leader", ok))
	}
	if !ok {
		return
	}

	now := s.now()
	if n, err := s.queue.MoveDue(ctx, now.Unix(), int64(s.opts.Batch)); err != nil {
		s.log.Warn("move due", zap.Error(err))
	} else if n > 0 {
		s.log.Debug("moved due retries", zap.Int("count", n))
	}
	if err := s.requeueExpiredLeases(ctx, now); err != nil {
		s.log.Warn("requeue expired leases", zap.Error(err))
	}
	if err := s.reconcileQueued(ctx, now); err != nil {
		s.log.Warn("reconcile queued", zap.Error(err))
	}
	for _, t := range s.tasks {
		if !t.last.IsZero() && now.Sub(t.last) < t.Every {
			continue
		}
		t.last = now
		if err := t.Run(ctx); err != nil {
			s.log.Error("periodic task", zap.String("task", t.Name), zap.Error(err))
		}
	}
}

func message(j domain.Job) queue.Message {
	msg := queue.Message{JobID: j.ID, URL: j.URL, Attempt: j.Attempt + 1}
	if j.UserID != nil {
		msg.UserID = *j.UserID
	}
	return msg
}

// requeueExpiredLeases hands jobs whose worker vanished back to the queue,
// or fails them once they are out of attempts.
func (s *Scheduler) requeueExpiredLeases(ctx context.Context, now time.Time) error {
	jobs, err := s.store.ListStaleLeases(ctx, s.opts.Batch)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		log := s.log.With(zap.String("job", j.ID), zap.Int("attempt", j.Attempt))
		if j.Attempt >= j.MaxAttempts {
			msg := fmt.Sprintf("Worker lease expired after %d attempts", j.Attempt)
			code := string(domain.CodeDownloadTimeout)
			if err := s.store.UpdateStatus(ctx, j.ID, domain.Failed, storage.Fields{Error: &msg, ErrorCode: &code}); err != nil {
				log.Warn("fail expired job", zap.Error(err))
				continue
			}
			log.Warn("lease expired, attempts exhausted")
			continue
		}
		msg := "Worker lease expired"
		if err := s.store.UpdateStatus(ctx, j.ID, domain.Processing, storage.Fields{Error: &msg, ReleaseLease: true}); err != nil {
			log.Warn("release expired lease", zap.Error(err))
			continue
		}
		if err := s.queue.Enqueue(ctx, message(j), now); err != nil {
			// Released with no message: reconcileQueued picks it up later.
			log.Warn("requeue expired job", zap.Error(err))
			continue
		}
		log.Info("lease expired, requeued")
	}
	return nil
}

// reconcileQueued re-pushes deliverable jobs whose message was lost.
func (s *Scheduler) reconcileQueued(ctx context.Context, now time.Time) error {
	if s.opts.RedeliverAfter <= 0 {
		return nil
	}
	jobs, err := s.store.ListUnqueued(ctx, now.Add(-s.opts.RedeliverAfter), s.opts.Batch)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := s.store.Touch(ctx, j.ID); err != nil {
			s.log.Warn("touch job", zap.String("job", j.ID), zap.Error(err))
			continue
		}
		msg := message(j)
		if j.Status == domain.Queued {
			msg.Attempt = 1
		}
		if err := s.queue.Enqueue(ctx, msg, now); err != nil {
			s.log.Warn("re-push job", zap.String("job", j.ID), zap.Error(err))
			continue
		}
		s.log.Info("re-pushed undelivered job", zap.String("job", j.ID), zap.String("status", string(j.Status)))
	}
	return nil
}
