package events

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// RedisBroker is Redis PUBLISH/SUBSCRIBE.
type RedisBroker struct{ rdb *r.Client }

func NewRedisBroker(rdb *r.Client) *RedisBroker { return &RedisBroker{rdb} }

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return errors.Wrapf(b.rdb.Publish(ctx, channel, payload).Err(), "publish %s", channel)
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// wait for the confirmation so nothing published after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			select {
			case out <- []byte(m.Payload):
			default:
				// slow listener: drop, it re-reads state on reconnect
			}
		}
	}()
	return &redisSub{ps: ps, out: out}, nil
}

type redisSub struct {
	ps  *r.PubSub
	out chan []byte
}

func (s *redisSub) Messages() <-chan []byte { return s.out }
func (s *redisSub) Close() error            { return s.ps.Close() }

// MemoryBroker is an in-process broker for tests and single-process runs.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memSub]struct{}
	// Published counts payloads per channel.
	Published map[string]int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[*memSub]struct{}{}, Published: map[string]int{}}
}

type memSub struct {
	b       *MemoryBroker
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memSub) Messages() <-chan []byte { return s.out }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs[s.channel], s)
		s.b.mu.Unlock()
		close(s.out)
	})
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Published[channel]++
	for s := range b.subs[channel] {
		select {
		case s.out <- payload:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memSub{b: b, channel: channel, out: make(chan []byte, 16)}
	if b.subs[channel] == nil {
		b.subs[channel] = map[*memSub]struct{}{}
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

func (b *MemoryBroker) PublishedTo(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Published[channel]
}
