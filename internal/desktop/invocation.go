package desktop

import (
	"fmt"
	"sync"
)

type EventKind string

const (
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
)

// Event is pushed while an invocation runs. Percent is set for progress,
// Message for log lines.
type Event struct {
	Kind    EventKind `json:"kind"`
	Percent int       `json:"percent,omitempty"`
	Message string    `json:"message,omitempty"`
}

const eventBuffer = 64

// Invocation is one local run. Events delivers progress and log lines and is
// closed before the single terminal result becomes available from Wait.
// Events are dropped when nobody drains the channel; the result never is.
type Invocation[T any] struct {
	mu     sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}
	result T
}

func newInvocation[T any]() *Invocation[T] {
	return &Invocation[T]{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (inv *Invocation[T]) Events() <-chan Event { return inv.events }

// Done is closed once the result is set.
func (inv *Invocation[T]) Done() <-chan struct{} { return inv.done }

// Wait blocks until the run finished and returns its result.
func (inv *Invocation[T]) Wait() T {
	<-inv.done
	return inv.result
}

func (inv *Invocation[T]) emit(ev Event) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return
	}
	select {
	case inv.events <- ev:
	default:
	}
}

func (inv *Invocation[T]) progress(percent int) {
	inv.emit(Event{Kind: EventProgress, Percent: percent})
}

func (inv *Invocation[T]) logf(format string, args ...any) {
	inv.emit(Event{Kind: EventLog, Message: fmt.Sprintf(format, args...)})
}

// finish sets the result. Only the first call has an effect.
func (inv *Invocation[T]) finish(result T) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return
	}
	inv.closed = true
	inv.result = result
	close(inv.events)
	close(inv.done)
}
