package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Reconciler interface {
	Run(ctx context.Context) reconcile.Report
}

type Refresher interface {
	Trigger(ctx context.Context, reason, triggeredBy string) (bool, error)
	InProgress(ctx context.Context) (bool, error)
}

type DepthReporter interface {
	Depth(ctx context.Context) (ready, delayed int64, err error)
}

// Admin wires the maintenance endpoints. An empty Token leaves them open.
type Admin struct {
	Token       string
	Reconciler  Reconciler
	Refresher   Refresher
	Queue       DepthReporter
	CookiesFile string
}

func (s *Server) adminRoutes(rtr chi.Router) {
	rtr.Use(s.adminAuth)
	rtr.Post("/sync-storage-stats", s.syncStorageStats)
	rtr.Get("/queue", s.queueStatus)
	rtr.Post("/auth/refresh", s.triggerRefresh)
	rtr.Get("/auth/status", s.authStatus)
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		want := s.opts.Admin.Token
		if want != "" {
			got, _ := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				s.writeError(w, req, domain.Unauthorized())
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

// syncStorageStats runs reconciliation in the request. It only overwrites
// snapshots, so it is safe next to the scheduled run.
func (s *Server) syncStorageStats(w http.ResponseWriter, req *http.Request) {
	rep := s.opts.Admin.Reconciler.Run(req.Context())
	s.log.Info("manual storage sync", zap.Int("checked", rep.Checked), zap.Int("synced", rep.Synced), zap.Int("errors", rep.Errors))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Storage stats synced",
		"report":  rep,
	})
}

func (s *Server) queueStatus(w http.ResponseWriter, req *http.Request) {
	ready, delayed, err := s.opts.Admin.Queue.Depth(req.Context())
	if err != nil {
		s.writeError(w, req, domain.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"ready": ready, "delayed": delayed})
}

type refreshRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=200"`
}

func (s *Server) triggerRefresh(w http.ResponseWriter, req *http.Request) {
	var body refreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, req, domain.ValidationError("Invalid request body", map[string]any{"reason": err.Error()}))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.writeError(w, req, domain.ValidationError("Invalid request body", validationDetails(err)))
		return
	}
	if body.Reason == "" {
		body.Reason = "manual_trigger"
	}
	queued, err := s.opts.Admin.Refresher.Trigger(req.Context(), body.Reason, "admin")
	if err != nil {
		s.writeError(w, req, domain.Internal(err))
		return
	}
	msg := "Credential refresh requested"
	if !queued {
		msg = "A credential refresh is already in progress"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"queued":  queued,
		"reason":  body.Reason,
		"message": msg,
	})
}

type cookiesStatus struct {
	Configured   bool       `json:"configured"`
	Exists       bool       `json:"exists"`
	Path         string     `json:"path,omitempty"`
	SizeBytes    int64      `json:"sizeBytes"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

type authStatus struct {
	RefreshInProgress bool          `json:"refreshInProgress"`
	Cookies           cookiesStatus `json:"cookies"`
}

func (s *Server) authStatus(w http.ResponseWriter, req *http.Request) {
	busy, err := s.opts.Admin.Refresher.InProgress(req.Context())
	if err != nil {
		s.writeError(w, req, domain.Internal(err))
		return
	}
	out := authStatus{RefreshInProgress: busy}
	if path := s.opts.Admin.CookiesFile; path != "" {
		out.Cookies = cookiesStatus{Configured: true, Path: path}
		if fi, err := os.Stat(path); err == nil {
			mod := fi.ModTime().UTC()
			out.Cookies.Exists, out.Cookies.SizeBytes, out.Cookies.LastModified = true, fi.Size(), &mod
		}
	}
	writeJSON(w, http.StatusOK, out)
}
