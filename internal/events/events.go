// Package events carries job progress from whichever process produces it to
// whichever process holds the client connection.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/SirClappington/shortsq/internal/domain"
	"go.uber.org/zap"
)

const (
	TypeStatus = "status"
	TypePong   = "pong"
)

type Data struct {
	JobID       string            `json:"jobId"`
	Status      domain.Status     `json:"status"`
	Progress    int               `json:"progress"`
	VideoInfo   *domain.VideoInfo `json:"videoInfo,omitempty"`
	DownloadURL *string           `json:"downloadUrl,omitempty"`
	Error       *string           `json:"error,omitempty"`
	ErrorCode   *string           `json:"errorCode,omitempty"`
}

type Event struct {
	Type string `json:"type"`
	Data *Data  `json:"data,omitempty"`
}

func StatusEvent(j *domain.Job) Event {
	return Event{Type: TypeStatus, Data: &Data{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		VideoInfo:   j.Video,
		DownloadURL: j.DownloadURL,
		Error:       j.Error,
		ErrorCode:   j.ErrorCode,
	}}
}

func Pong() Event { return Event{Type: TypePong} }

func Channel(jobID string) string { return "events:" + jobID }

// Listener is one live client connection. Send may be called from several
// goroutines.
type Listener interface {
	Send(ctx context.Context, payload []byte) error
}

// Hub is the in-process listener registry.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]map[Listener]struct{}
}

func NewHub() *Hub { return &Hub{listeners: map[string]map[Listener]struct{}{}} }

func (h *Hub) Attach(jobID string, l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.listeners[jobID]
	if !ok {
		set = map[Listener]struct{}{}
		h.listeners[jobID] = set
	}
	set[l] = struct{}{}
}

func (h *Hub) Detach(jobID string, l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.listeners[jobID]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(h.listeners, jobID)
		}
	}
}

func (h *Hub) Count(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[jobID])
}

// Deliver fans payload out to local listeners, dropping any that fail.
// It returns how many received it.
func (h *Hub) Deliver(ctx context.Context, jobID string, payload []byte) int {
	h.mu.RLock()
	targets := make([]Listener, 0, len(h.listeners[jobID]))
	for l := range h.listeners[jobID] {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	n := 0
	for _, l := range targets {
		if err := l.Send(ctx, payload); err != nil {
			h.Detach(jobID, l)
			continue
		}
		n++
	}
	return n
}

// Bridge delivers locally when it can and relays through the broker otherwise.
type Bridge struct {
	hub    *Hub
	broker Broker
	log    *zap.Logger
}

func NewBridge(hub *Hub, broker Broker, log *zap.Logger) *Bridge {
	return &Bridge{hub: hub, broker: broker, log: log.Named("events")}
}

func (b *Bridge) Hub() *Hub { return b.hub }

func (b *Bridge) Publish(ctx context.Context, jobID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if b.hub.Count(jobID) > 0 && b.hub.Deliver(ctx, jobID, payload) > 0 {
		return nil
	}
	return b.broker.Publish(ctx, Channel(jobID), payload)
}

// Snapshot loads the persisted state of a job as an event.
type Snapshot func(ctx context.Context) (Event, error)

// Relay serves one listener for the life of ctx: the snapshot goes out first,
// then every event for the job from either tier. The snapshot is loaded only
// once both tiers are listening, so no update can fall between the two.
func (b *Bridge) Relay(ctx context.Context, jobID string, l Listener, snapshot Snapshot) error {
	b.hub.Attach(jobID, l)
	defer b.hub.Detach(jobID, l)

	sub, err := b.broker.Subscribe(ctx, Channel(jobID))
	if err != nil {
		return err
	}
	defer sub.Close()

	ev, err := snapshot(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := l.Send(ctx, payload); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := l.Send(ctx, msg); err != nil {
				b.log.Debug("listener gone", zap.String("job", jobID), zap.Error(err))
				return err
			}
		}
	}
}
