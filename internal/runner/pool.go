package runner

import (
	"context"
	"time"

	"github.com/SirClappington/shortsq/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Dequeuer interface {
	Dequeue(ctx context.Context, block time.Duration) (*queue.Message, error)
}

// Pool runs a fixed number of independent job slots against one queue.
type Pool struct {
	q     Dequeuer
	run   func(ctx context.Context, msg queue.Message) error
	slots int
	log   *zap.Logger

	Block time.Duration
	Pause time.Duration
}

func NewPool(q Dequeuer, r *Runner, slots int, log *zap.Logger) *Pool {
	return &Pool{q: q, run: r.Run, slots: max(slots, 1), log: log.Named("pool"), Block: 2 * time.Second, Pause: time.Second}
}

// Run blocks until ctx is cancelled. A slot finishes the job it holds before
// returning.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.slots; i++ {
		g.Go(func() error { return p.slot(gctx, i) })
	}
	return g.Wait()
}

func (p *Pool) slot(ctx context.Context, id int) error {
	log := p.log.With(zap.Int("slot", id))
	log.Info("slot started")
	for {
		if ctx.Err() != nil {
			log.Info("slot stopped")
			return nil
		}
		msg, err := p.q.Dequeue(ctx, p.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("dequeue", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(p.Pause):
			}
			continue
		}
		if msg == nil {
			continue
		}
		if err := p.run(context.WithoutCancel(ctx), *msg); err != nil {
			log.Error("job not handled", zap.String("job", msg.JobID), zap.Error(err))
		}
	}
}
