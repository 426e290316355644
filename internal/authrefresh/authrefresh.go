// Package authrefresh raises the out-of-band "credentials need refreshing" signal.
package authrefresh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	RequestList = "auth-refresh:requests"
	Topic       = "auth-refresh"
)

type Request struct {
	Reason      string    `json:"reason"`
	AccountID   string    `json:"account_id"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
}

type Refresher struct {
	rdb     *r.Client
	account string
	ttl     time.Duration
	log     *zap.Logger
}

func New(rdb *r.Client, account string, ttl time.Duration, log *zap.Logger) *Refresher {
	return &Refresher{rdb: rdb, account: account, ttl: ttl, log: log.Named("authrefresh")}
}

func (f *Refresher) flagKey() string { return "cookie:refresh:" + f.account + ":in_progress" }

// Trigger queues one refresh request per account while the in-progress flag
// is held. It reports whether this call queued it.
func (f *Refresher) Trigger(ctx context.Context, reason, triggeredBy string) (bool, error) {
	won, err := f.rdb.SetNX(ctx, f.flagKey(), "1", f.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "set refresh flag")
	}
	if !won {
		f.log.Debug("refresh already in progress", zap.String("account", f.account))
		return false, nil
	}
	b, err := json.Marshal(Request{Reason: reason, AccountID: f.account, TriggeredBy: triggeredBy, Timestamp: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	if err := f.rdb.LPush(ctx, RequestList, b).Err(); err != nil {
		f.rdb.Del(context.WithoutCancel(ctx), f.flagKey())
		return false, errors.Wrap(err, "push refresh request")
	}
	if err := f.rdb.Publish(ctx, Topic, b).Err(); err != nil {
		f.log.Warn("publish refresh request", zap.Error(err))
	}
	f.log.Warn("credential refresh requested", zap.String("account", f.account), zap.String("reason", reason))
	return true, nil
}

// InProgress reports whether a refresh request is outstanding.
func (f *Refresher) InProgress(ctx context.Context) (bool, error) {
	n, err := f.rdb.Exists(ctx, f.flagKey()).Result()
	return n == 1, err
}
