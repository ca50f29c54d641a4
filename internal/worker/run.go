package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/queue"
)

const popTimeout = 5 * time.Second

// Run starts a fixed pool of slots per queue and blocks until ctx is done
// and every in-flight job has returned.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	name := d.Name
	if name == "" {
		name = "worker"
	}

	var wg sync.WaitGroup
	start := func(q string, p Processor, n int) {
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			c := queue.NewConsumer(queue.ConsumerDeps{
				RDB:      d.RDB,
				Queue:    q,
				Consumer: fmt.Sprintf("%s-%d", name, i),
				Log:      log,
				Metrics:  d.Metrics,
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				slot(ctx, c, p, log.WithQueue(q))
			}()
		}
		log.Info("worker pool started", "queue", q, "concurrency", n)
	}

	if d.Render != nil {
		start(queue.RenderQueue, d.Render, d.RenderConcurrency)
	}
	if d.Transcribe != nil {
		start(queue.TranscriptionQueue, d.Transcribe, d.TranscribeConcurrency)
	}

	<-ctx.Done()
	log.Info("worker context canceled, waiting for in-flight jobs")
	wg.Wait()
	return ctx.Err()
}

// slot processes one message at a time until ctx is canceled.
func slot(ctx context.Context, c *queue.Consumer, p Processor, log *logger.Logger) {
	if _, err := c.Recover(ctx); err != nil {
		log.Warn("recover in-flight messages failed", "error", err.Error())
	}

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := c.Next(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			sleep(ctx, time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		handle(ctx, c, p, msg, log)
	}
}

func handle(ctx context.Context, c *queue.Consumer, p Processor, msg *queue.Message, log *logger.Logger) {
	jobLog := log.With("message_id", msg.ID, "attempt", msg.Attempt)
	startTime := time.Now()

	err := p.Process(ctx, msg)
	if err != nil && ctx.Err() != nil {
		// Left in the active list; the next start recovers it.
		jobLog.Info("stopping mid-job, message kept for recovery")
		return
	}

	// Acks and retries must land even when the job ran into a deadline.
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if err := c.Ack(bg, msg); err != nil {
			jobLog.Error("ack failed", "error", err.Error())
		}
		jobLog.Debug("message done", "duration_ms", time.Since(startTime).Milliseconds())
		return
	}

	jobLog.Error("job processing failed",
		"error", err.Error(),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	if _, ferr := c.Fail(bg, msg, err); ferr != nil {
		jobLog.Error("failed to reschedule message", "error", ferr.Error())
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
