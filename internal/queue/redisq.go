package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Message is one delivery of a job to a worker slot.
type Message struct {
	JobID   string            `json:"jobId"`
	URL     string            `json:"url"`
	Cookies map[string]string `json:"cookies,omitempty"`
	UserID  string            `json:"userId,omitempty"`
	Attempt int               `json:"attempt"`
}

type RedisQ struct {
	rdb  *r.Client
	name string
}

func New(rdb *r.Client, name string) *RedisQ { return &RedisQ{rdb, name} }

func (q *RedisQ) readyKey() string { return "queue:" + q.name }
func (q *RedisQ) delayKey() string { return "delay:" + q.name }

// Enqueue pushes msg, parking it in the delay set when runAt is in the future.
func (q *RedisQ) Enqueue(ctx context.Context, msg Message, runAt time.Time) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if time.Until(runAt) > 0 {
		err = q.rdb.ZAdd(ctx, q.delayKey(), r.Z{Score: float64(runAt.Unix()), Member: b}).Err()
	} else {
		err = q.rdb.LPush(ctx, q.readyKey(), b).Err()
	}
	return errors.Wrapf(err, "enqueue %s", msg.JobID)
}

// Dequeue blocks up to block for the next message. A nil message with a nil
// error means the wait timed out.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (*Message, error) {
	res, err := q.rdb.BRPop(ctx, block, q.readyKey()).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, nil
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	return &msg, nil
}

// MoveDue moves up to batch delayed messages whose time has come into the ready list.
func (q *RedisQ) MoveDue(ctx context.Context, now int64, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayKey(), &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.readyKey(), id)
		pipe.ZRem(ctx, q.delayKey(), id)
	}
	_, err = pipe.Exec(ctx)
	return len(ids), err
}

// Depth reports the ready and delayed backlog.
func (q *RedisQ) Depth(ctx context.Context) (ready, delayed int64, err error) {
	if ready, err = q.rdb.LLen(ctx, q.readyKey()).Result(); err != nil {
		return 0, 0, err
	}
	delayed, err = q.rdb.ZCard(ctx, q.delayKey()).Result()
	return ready, delayed, err
}
