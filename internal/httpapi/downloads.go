package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/events"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type submitRequest struct {
	URL     string            `json:"url" validate:"required,url,max=2048"`
	Cookies map[string]string `json:"cookies" validate:"omitempty,max=200"`
	UserID  *string           `json:"userId" validate:"omitempty,min=1,max=128"`
}

type submitResponse struct {
	JobID  string        `json:"jobId"`
	Status domain.Status `json:"status"`
}

type jobView struct {
	JobID       string            `json:"jobId"`
	URL         string            `json:"url"`
	Status      domain.Status     `json:"status"`
	Progress    int               `json:"progress"`
	VideoInfo   *domain.VideoInfo `json:"videoInfo,omitempty"`
	DownloadURL *string           `json:"downloadUrl,omitempty"`
	Provider    *string           `json:"provider,omitempty"`
	Error       *string           `json:"error,omitempty"`
	ErrorCode   *string           `json:"errorCode,omitempty"`
	UserID      *string           `json:"userId,omitempty"`
	Expired     bool              `json:"expired"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func view(j *domain.Job) jobView {
	return jobView{
		JobID:       j.ID,
		URL:         j.URL,
		Status:      j.Status,
		Progress:    j.Progress,
		VideoInfo:   j.Video,
		DownloadURL: j.DownloadURL,
		Provider:    j.Provider,
		Error:       j.Error,
		ErrorCode:   j.ErrorCode,
		UserID:      j.UserID,
		Expired:     j.Expired,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// submit validates, persists, then enqueues. A job whose enqueue fails stays
// queued and is redelivered by the scheduler, so the client still gets 202.
func (s *Server) submit(w http.ResponseWriter, req *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		s.writeError(w, req, domain.ValidationError("Invalid request body", map[string]any{"reason": err.Error()}))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.writeError(w, req, domain.ValidationError("Validation failed", validationDetails(err)))
		return
	}
	contentID, err := domain.ParseSource(body.URL)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		URL:         body.URL,
		ContentID:   &contentID,
		Status:      domain.Queued,
		UserID:      body.UserID,
		MaxAttempts: s.opts.MaxAttempts,
	}
	if err := s.jobs.Create(req.Context(), job); err != nil {
		s.writeError(w, req, err)
		return
	}
	msg := queue.Message{JobID: job.ID, URL: job.URL, Cookies: body.Cookies, Attempt: 1}
	if body.UserID != nil {
		msg.UserID = *body.UserID
	}
	if err := s.queue.Enqueue(req.Context(), msg, time.Now()); err != nil {
		s.log.Warn("enqueue failed, leaving job for redelivery", zap.String("job", job.ID), zap.Error(err))
	}
	s.log.Info("job submitted", zap.String("job", job.ID), zap.String("content", contentID))
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) status(w http.ResponseWriter, req *http.Request) {
	job, err := s.jobs.Get(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, view(job))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// wsListener serializes writes; gorilla connections allow one writer at a time.
type wsListener struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *wsListener) Send(_ context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

// stream sends the current job state, then every update until the client
// goes away. A "ping" text frame is answered with a pong event.
func (s *Server) stream(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if _, err := s.jobs.Get(req.Context(), id); err != nil {
		s.writeError(w, req, err)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", zap.String("job", id), zap.Error(err))
		return
	}
	defer conn.Close()
	l := &wsListener{conn: conn}
	log := s.log.With(zap.String("job", id))
	log.Debug("websocket connected")

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	pong, _ := json.Marshal(events.Pong())
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if bytes.Equal(bytes.TrimSpace(data), []byte("ping")) {
				if err := l.Send(ctx, pong); err != nil {
					return
				}
			}
		}
	}()

	snapshot := func(ctx context.Context) (events.Event, error) {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return events.Event{}, err
		}
		return events.StatusEvent(job), nil
	}
	if err := s.events.Relay(ctx, id, l, snapshot); err != nil {
		log.Debug("websocket closed", zap.Error(err))
		return
	}
	l.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.mu.Unlock()
	log.Debug("websocket disconnected")
}
