package desktop

import (
	"context"
	"sync"
)

// Mailbox holds at most one value. Put replaces any unread value; Take
// returns it and empties the slot, so a value is consumed exactly once.
type Mailbox[T any] struct {
	mu     sync.Mutex
	value  T
	full   bool
	notify chan struct{}
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{})}
}

func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value, m.full = v, true
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if !m.full {
		return zero, false
	}
	v := m.value
	m.value, m.full = zero, false
	return v, true
}

// Wait takes the value, blocking until one is put or ctx ends.
func (m *Mailbox[T]) Wait(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		notify := m.notify
		m.mu.Unlock()

		if v, ok := m.Take(); ok {
			return v, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
