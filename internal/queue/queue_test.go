package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
)

type renderPayload struct {
	JobID string `json:"jobId"`
}

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb, metrics.New(prometheus.NewRegistry())
}

func newConsumer(rdb *redis.Client, queue string, m *metrics.Metrics) *Consumer {
	return NewConsumer(ConsumerDeps{RDB: rdb, Queue: queue, Consumer: "w1", Log: logger.NewNop(), Metrics: m})
}

func TestDefaultOptions(t *testing.T) {
	r := DefaultOptions(RenderQueue)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, BackoffExponential, r.Backoff.Type)
	assert.Equal(t, time.Second, r.Backoff.Delay)
	assert.True(t, r.RemoveOnComplete)

	tr := DefaultOptions(TranscriptionQueue)
	assert.Equal(t, 2, tr.Attempts)
	assert.Equal(t, BackoffNone, tr.Backoff.Type)
	assert.True(t, tr.RemoveOnComplete)
}

func TestBackoffAfter(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: time.Second}
	assert.Equal(t, time.Second, exp.After(1))
	assert.Equal(t, 2*time.Second, exp.After(2))
	assert.Equal(t, 4*time.Second, exp.After(3))

	fixed := Backoff{Type: BackoffFixed, Delay: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, fixed.After(3))

	assert.Zero(t, Backoff{}.After(2))
}

func TestBackoffJSONUsesMilliseconds(t *testing.T) {
	raw, err := json.Marshal(DefaultOptions(RenderQueue))
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempts":3,"backoff":{"type":"exponential","delay":1000},"removeOnComplete":true}`, string(raw))

	var o Options
	require.NoError(t, json.Unmarshal(raw, &o))
	assert.Equal(t, time.Second, o.Backoff.Delay)
}

func TestEnqueueNextAck(t *testing.T) {
	mr, rdb, m := setup(t)
	ctx := context.Background()

	d := NewDispatcher(rdb, m)
	sent, err := d.Enqueue(ctx, RenderQueue, renderPayload{JobID: "job_1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent.Attempt)

	c := newConsumer(rdb, RenderQueue, m)
	msg, err := c.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, sent.ID, msg.ID)

	var p renderPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "job_1", p.JobID)

	active, _ := mr.List(keyActive(RenderQueue, "w1"))
	assert.Len(t, active, 1)

	require.NoError(t, c.Ack(ctx, msg))
	assert.False(t, mr.Exists(keyActive(RenderQueue, "w1")))
	assert.False(t, mr.Exists(keyCompleted(RenderQueue)), "remove on complete")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueEnqueued.WithLabelValues(RenderQueue)))
}

func TestAckKeepsCompletedWhenConfigured(t *testing.T) {
	mr, rdb, m := setup(t)
	ctx := context.Background()

	opts := Options{Attempts: 1}
	_, err := NewDispatcher(rdb, m).Enqueue(ctx, "audit", renderPayload{JobID: "x"}, &opts)
	require.NoError(t, err)

	c := newConsumer(rdb, "audit", m)
	msg, err := c.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Ack(ctx, msg))

	completed, _ := mr.List(keyCompleted("audit"))
	assert.Len(t, completed, 1)
}

func TestRenderRetriesWithExponentialBackoffThenDeadLetters(t *testing.T) {
	mr, rdb, m := setup(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := NewDispatcher(rdb, m).Enqueue(ctx, RenderQueue, renderPayload{JobID: "job_1"}, nil)
	require.NoError(t, err)

	c := newConsumer(rdb, RenderQueue, m)
	c.now = func() time.Time { return clock }

	// attempt 1 fails: delayed by 1s
	msg, err := c.Next(ctx, time.Second)
	require.NoError(t, err)
	retry, err := c.Fail(ctx, msg, errors.New("bundle failed"))
	require.NoError(t, err)
	assert.True(t, retry)

	delayed, err := mr.SortedSet(keyDelayed(RenderQueue))
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	for _, score := range delayed {
		assert.Equal(t, float64(clock.Add(time.Second).UnixMilli()), score)
	}

	// not due yet
	assert.False(t, mr.Exists(keyWait(RenderQueue)))
	clock = clock.Add(time.Second)

	// attempt 2 fails: delayed by 2s
	msg, err = c.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.Attempt)
	assert.Equal(t, "bundle failed", msg.LastError)
	retry, err = c.Fail(ctx, msg, errors.New("render failed"))
	require.NoError(t, err)
	assert.True(t, retry)

	delayed, _ = mr.SortedSet(keyDelayed(RenderQueue))
	for _, score := range delayed {
		assert.Equal(t, float64(clock.Add(2*time.Second).UnixMilli()), score)
	}
	clock = clock.Add(2 * time.Second)

	// attempt 3 is the last
	msg, err = c.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 3, msg.Attempt)
	assert.True(t, msg.FinalAttempt())
	retry, err = c.Fail(ctx, msg, errors.New("render failed"))
	require.NoError(t, err)
	assert.False(t, retry)

	failed, _ := mr.List(keyFailed(RenderQueue))
	assert.Len(t, failed, 1)
	assert.False(t, mr.Exists(keyActive(RenderQueue, "w1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueRetries.WithLabelValues(RenderQueue)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDeadLetter.WithLabelValues(RenderQueue)))
}

func TestTranscriptionRetriesImmediately(t *testing.T) {
	mr, rdb, m := setup(t)
	ctx := context.Background()

	_, err := NewDispatcher(rdb, m).Enqueue(ctx, TranscriptionQueue, renderPayload{JobID: "tr_1"}, nil)
	require.NoError(t, err)

	c := newConsumer(rdb, TranscriptionQueue, m)
	msg, err := c.Next(ctx, time.Second)
	require.NoError(t, err)

	retry, err := c.Fail(ctx, msg, errors.New("download failed"))
	require.NoError(t, err)
	assert.True(t, retry)
	assert.False(t, mr.Exists(keyDelayed(TranscriptionQueue)))

	msg, err = c.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.Attempt)

	retry, err = c.Fail(ctx, msg, errors.New("download failed"))
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestRecoverRequeuesInFlight(t *testing.T) {
	mr, rdb, m := setup(t)
	ctx := context.Background()

	_, err := NewDispatcher(rdb, m).Enqueue(ctx, RenderQueue, renderPayload{JobID: "job_1"}, nil)
	require.NoError(t, err)

	crashed := newConsumer(rdb, RenderQueue, m)
	_, err = crashed.Next(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, mr.Exists(keyWait(RenderQueue)))

	restarted := newConsumer(rdb, RenderQueue, m)
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := restarted.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.Attempt)
}

func TestNextMalformedMessageIsParked(t *testing.T) {
	mr, rdb, m := setup(t)
	ctx := context.Background()

	_, err := mr.Lpush(keyWait(RenderQueue), "{not json")
	require.NoError(t, err)

	c := newConsumer(rdb, RenderQueue, m)
	msg, err := c.Next(ctx, time.Second)
	assert.Error(t, err)
	assert.Nil(t, msg)

	failed, _ := mr.List(keyFailed(RenderQueue))
	assert.Equal(t, []string{"{not json"}, failed)
}

func TestStats(t *testing.T) {
	_, rdb, m := setup(t)
	ctx := context.Background()
	d := NewDispatcher(rdb, m)

	for i := 0; i < 3; i++ {
		_, err := d.Enqueue(ctx, TranscriptionQueue, renderPayload{JobID: "tr"}, nil)
		require.NoError(t, err)
	}

	s, err := d.Stats(ctx, TranscriptionQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Waiting)
	assert.Zero(t, s.Failed)
}
