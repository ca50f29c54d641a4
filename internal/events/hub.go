// Package events fans job progress out to the owning user's browser sessions
// through redis pub/sub, so API replicas need no shared memory with workers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/logger"
)

const (
	TypeProgress = "job.progress"
	TypeStatus   = "job.status"

	KindRender        = "render"
	KindTranscription = "transcription"

	subscriptionBuffer = 16
)

type Event struct {
	Type      string           `json:"type"`
	Kind      string           `json:"kind"`
	JobID     string           `json:"jobId"`
	UserID    string           `json:"-"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	OutputURL string           `json:"outputUrl,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Publisher is what the workers depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Hub struct {
	rdb *redis.Client
	log *logger.Logger
	now func() time.Time
}

func NewHub(rdb *redis.Client, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Hub{rdb: rdb, log: log.WithComponent("events"), now: time.Now}
}

func channel(userID string) string { return "tsx:events:" + userID }

// Publish sends e to every subscriber of e.UserID. Nobody listening is not an error.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = h.now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.rdb.Publish(ctx, channel(e.UserID), body).Err()
}

// Subscription delivers one user's events until Close. C is closed once
// delivery stops, even when nobody drains it.
type Subscription struct {
	C <-chan Event

	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

// Subscribe listens on userID's channel. The subscription is confirmed before
// it returns, so events published afterwards are not missed.
func (h *Hub) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	ps := h.rdb.Subscribe(ctx, channel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: out, ps: ps, done: make(chan struct{})}
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
				h.log.Warn("dropping malformed event", "error", err.Error())
				continue
			}
			e.UserID = userID
			select {
			case out <- e:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// Nop discards events. Used where no hub is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
