// Package queue is a small at-least-once job queue on redis lists. Producers
// LPUSH onto a wait list; each consumer moves messages into its own active
// list with BRPOPLPUSH so a crashed consumer's work can be recovered.
// Retries with backoff go through a delayed sorted set; exhausted messages
// land on a failed list.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/util"
)

type Dispatcher struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDispatcher(rdb *redis.Client, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{rdb: rdb, metrics: m, now: time.Now}
}

// Enqueue publishes payload on queue. A nil opts uses DefaultOptions(queue).
func (d *Dispatcher) Enqueue(ctx context.Context, queue string, payload any, opts *Options) (*Message, error) {
	const op = "queue.enqueue"

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, op, "encode payload failed")
	}

	o := DefaultOptions(queue)
	if opts != nil {
		o = *opts
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}

	msg := &Message{
		ID:         util.NewID("msg"),
		Queue:      queue,
		Payload:    body,
		Attempt:    1,
		Options:    o,
		EnqueuedAt: d.now().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, op, "encode message failed")
	}
	msg.raw = string(raw)

	if err := d.rdb.LPush(ctx, keyWait(queue), msg.raw).Err(); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "queue push failed")
	}
	d.metrics.ObserveEnqueue(queue)
	return msg, nil
}

type Stats struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Stats reports queue depths.
func (d *Dispatcher) Stats(ctx context.Context, queue string) (Stats, error) {
	var s Stats
	pipe := d.rdb.Pipeline()
	wait := pipe.LLen(ctx, keyWait(queue))
	delayed := pipe.ZCard(ctx, keyDelayed(queue))
	failed := pipe.LLen(ctx, keyFailed(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return s, err
	}
	s.Waiting = wait.Val()
	s.Delayed = delayed.Val()
	s.Failed = failed.Val()
	return s, nil
}
