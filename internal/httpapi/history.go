package httpapi

import (
	"net/http"
	"strconv"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/storage"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type historyPage struct {
	Items       []jobView `json:"items"`
	Total       int       `json:"total"`
	Page        int       `json:"page"`
	Limit       int       `json:"limit"`
	TotalPages  int       `json:"totalPages"`
	HasNext     bool      `json:"hasNext"`
	HasPrevious bool      `json:"hasPrevious"`
}

func intParam(req *http.Request, name string, def, lo, hi int) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, domain.ValidationError("Invalid query parameter", map[string]any{
			"parameter": name, "value": raw, "min": lo, "max": hi,
		})
	}
	return n, nil
}

func (s *Server) history(w http.ResponseWriter, req *http.Request) {
	page, err := intParam(req, "page", 1, 1, 1<<20)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	limit, err := intParam(req, "limit", defaultPageSize, 1, maxPageSize)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	q := req.URL.Query()
	f := storage.Filter{Search: q.Get("search")}
	if raw := q.Get("status"); raw != "" {
		st := domain.Status(raw)
		if !st.Valid() {
			s.writeError(w, req, domain.ValidationError("Invalid status filter", map[string]any{"status": raw}))
			return
		}
		f.Status = &st
	}
	if uid := q.Get("userId"); uid != "" {
		f.UserID = &uid
	}

	jobs, total, err := s.jobs.ListPage(req.Context(), f, page, limit)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	out := historyPage{Items: make([]jobView, 0, len(jobs)), Total: total, Page: page, Limit: limit}
	for i := range jobs {
		out.Items = append(out.Items, view(&jobs[i]))
	}
	out.TotalPages = (total + limit - 1) / limit
	out.HasNext = page < out.TotalPages
	out.HasPrevious = page > 1
	writeJSON(w, http.StatusOK, out)
}

// deleteHistory removes the record, and the stored object too when this was
// the last live job referencing it.
func (s *Server) deleteHistory(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := chi.URLParam(req, "id")
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	if err := s.jobs.Delete(ctx, id); err != nil {
		s.writeError(w, req, err)
		return
	}
	log := s.log.With(zap.String("job", id))
	if obj, ok := job.Object(); ok && !job.Expired && job.Status == domain.Completed && s.opts.Objects != nil {
		refs, err := s.jobs.CountReferences(ctx, obj, id)
		switch {
		case err != nil:
			log.Warn("count references", zap.Error(err))
		case refs == 0:
			if err := s.opts.Objects.Delete(ctx, obj.RemoteName, obj.Provider); err != nil {
				log.Warn("delete object", zap.String("file", obj.RemoteName), zap.Error(err))
			}
		}
	}
	log.Info("history entry deleted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Download deleted successfully"})
}

func (s *Server) storageStats(w http.ResponseWriter, req *http.Request) {
	sum, err := s.stats.AllStats(req.Context())
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
