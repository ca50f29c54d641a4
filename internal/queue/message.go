package queue

import (
	"encoding/json"
	"time"
)

// Message is the envelope stored in redis. Attempt is 1-based and counts the
// delivery currently being processed.
type Message struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Options    Options         `json:"options"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`

	raw string
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// FinalAttempt reports whether a failure now would dead-letter the message.
func (m *Message) FinalAttempt() bool {
	return m.Attempt >= m.Options.Attempts
}

func keyWait(q string) string             { return "tsx:queue:" + q + ":wait" }
func keyActive(q, consumer string) string { return "tsx:queue:" + q + ":active:" + consumer }
func keyDelayed(q string) string          { return "tsx:queue:" + q + ":delayed" }
func keyFailed(q string) string           { return "tsx:queue:" + q + ":failed" }
func keyCompleted(q string) string        { return "tsx:queue:" + q + ":completed" }
