package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
)

type ConsumerDeps struct {
	RDB      *redis.Client
	Queue    string
	Consumer string
	Log      *logger.Logger
	Metrics  *metrics.Metrics
}

// Consumer pulls messages from one queue on behalf of one worker slot.
type Consumer struct {
	rdb      *redis.Client
	queue    string
	consumer string
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewConsumer(d ConsumerDeps) *Consumer {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Consumer{
		rdb:      d.RDB,
		queue:    d.Queue,
		consumer: d.Consumer,
		log:      log.WithComponent("queue").WithQueue(d.Queue),
		metrics:  d.Metrics,
		now:      time.Now,
	}
}

// Recover moves messages left in this consumer's active list (a previous
// process died mid-job) back to the wait list. It returns how many moved.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := c.rdb.RPopLPush(ctx, keyActive(c.queue, c.consumer), keyWait(c.queue)).Err()
		if stderrors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		c.log.Warn("recovered in-flight messages", "consumer", c.consumer, "count", n)
	}
	return n, nil
}

// Next blocks up to timeout for a message. It returns nil, nil on timeout.
func (c *Consumer) Next(ctx context.Context, timeout time.Duration) (*Message, error) {
	if err := c.promoteDue(ctx); err != nil {
		return nil, err
	}

	raw, err := c.rdb.BRPopLPush(ctx, keyWait(c.queue), keyActive(c.queue, c.consumer), timeout).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Unreadable messages can never succeed; park them.
		c.log.Error("dropping malformed message", "error", err.Error())
		pipe := c.rdb.TxPipeline()
		pipe.LRem(ctx, keyActive(c.queue, c.consumer), 1, raw)
		pipe.LPush(ctx, keyFailed(c.queue), raw)
		_, _ = pipe.Exec(ctx)
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "queue.next", "malformed message")
	}
	msg.raw = raw
	return &msg, nil
}

// Ack removes a processed message from the active list.
func (c *Consumer) Ack(ctx context.Context, msg *Message) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, keyActive(c.queue, c.consumer), 1, msg.raw)
	if !msg.Options.RemoveOnComplete {
		pipe.LPush(ctx, keyCompleted(c.queue), msg.raw)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Fail schedules another attempt when the policy allows it, otherwise it moves
// the message to the failed list. It reports whether a retry was scheduled.
func (c *Consumer) Fail(ctx context.Context, msg *Message, cause error) (bool, error) {
	next := *msg
	if cause != nil {
		next.LastError = cause.Error()
	}

	retry := msg.Attempt < msg.Options.Attempts
	if retry {
		next.Attempt = msg.Attempt + 1
	}
	raw, err := json.Marshal(&next)
	if err != nil {
		return false, err
	}

	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, keyActive(c.queue, c.consumer), 1, msg.raw)
	switch {
	case !retry:
		pipe.LPush(ctx, keyFailed(c.queue), raw)
	case msg.Options.Backoff.After(msg.Attempt) > 0:
		due := c.now().Add(msg.Options.Backoff.After(msg.Attempt))
		pipe.ZAdd(ctx, keyDelayed(c.queue), redis.Z{Score: float64(due.UnixMilli()), Member: string(raw)})
	default:
		pipe.LPush(ctx, keyWait(c.queue), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	log := c.log.FromContext(ctx).WithJobID(msg.ID)
	if retry {
		c.metrics.ObserveRetry(c.queue)
		log.Warn("message scheduled for retry",
			"attempt", msg.Attempt,
			"max_attempts", msg.Options.Attempts,
			"delay_ms", msg.Options.Backoff.After(msg.Attempt).Milliseconds(),
		)
	} else {
		c.metrics.ObserveDeadLetter(c.queue)
		log.Error("message exhausted attempts", "attempts", msg.Attempt)
	}
	return retry, nil
}

// promoteDue moves delayed messages whose time has come onto the wait list.
// ZREM returning 1 decides which consumer wins a member.
func (c *Consumer) promoteDue(ctx context.Context) error {
	due, err := c.rdb.ZRangeByScore(ctx, keyDelayed(c.queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(c.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := c.rdb.ZRem(ctx, keyDelayed(c.queue), member).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := c.rdb.LPush(ctx, keyWait(c.queue), member).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}
