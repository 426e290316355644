// Package httpapi is the client-facing HTTP and WebSocket surface.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/events"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/SirClappington/shortsq/internal/storage"
	"github.com/SirClappington/shortsq/internal/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type JobStore interface {
	Create(ctx context.Context, j *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	ListPage(ctx context.Context, f storage.Filter, page, size int) ([]domain.Job, int, error)
	Delete(ctx context.Context, id string) error
	CountReferences(ctx context.Context, obj domain.StoredObject, excludeID string) (int, error)
}

type ObjectDeleter interface {
	Delete(ctx context.Context, remoteName, provider string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message, runAt time.Time) error
}

type StatsSource interface {
	AllStats(ctx context.Context) (tracker.Summary, error)
}

type Relayer interface {
	Relay(ctx context.Context, jobID string, l events.Listener, snapshot events.Snapshot) error
}

type Options struct {
	MaxAttempts int
	Development bool
	// Limiter guards job submission. Nil disables rate limiting.
	Limiter Limiter
	// Objects removes stored objects orphaned by a history delete.
	Objects ObjectDeleter
	// Admin mounts the maintenance endpoints under /v1/admin when set.
	Admin *Admin
}

type Server struct {
	jobs     JobStore
	queue    Enqueuer
	stats    StatsSource
	events   Relayer
	opts     Options
	log      *zap.Logger
	validate *validator.Validate
}

func New(jobs JobStore, q Enqueuer, stats StatsSource, ev Relayer, opts Options, log *zap.Logger) *Server {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Server{
		jobs:     jobs,
		queue:    q,
		stats:    stats,
		events:   ev,
		opts:     opts,
		log:      log.Named("http"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, s.requestLog, s.recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.With(s.rateLimit).Post("/downloads", s.submit)
		rtr.Get("/downloads/{id}", s.status)
		rtr.Get("/downloads/{id}/ws", s.stream)

		rtr.Get("/history", s.history)
		rtr.Delete("/history/{id}", s.deleteHistory)

		rtr.Get("/storage/stats", s.storageStats)

		if s.opts.Admin != nil {
			rtr.Route("/admin", s.adminRoutes)
		}
	})
	return rtr
}
