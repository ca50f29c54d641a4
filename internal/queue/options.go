package queue

import (
	"encoding/json"
	"time"
)

const (
	RenderQueue        = "render-jobs"
	TranscriptionQueue = "transcription-jobs"
)

type BackoffType string

const (
	BackoffNone        BackoffType = ""
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// After returns the wait before retrying once attempt (1-based) has failed.
func (b Backoff) After(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Type {
	case BackoffExponential:
		return b.Delay << (attempt - 1)
	case BackoffFixed:
		return b.Delay
	default:
		return 0
	}
}

// MarshalJSON writes the delay in milliseconds.
func (b Backoff) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  BackoffType `json:"type,omitempty"`
		Delay int64       `json:"delay,omitempty"`
	}{b.Type, b.Delay.Milliseconds()})
}

func (b *Backoff) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  BackoffType `json:"type"`
		Delay int64       `json:"delay"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Type = raw.Type
	b.Delay = time.Duration(raw.Delay) * time.Millisecond
	return nil
}

type Options struct {
	Attempts         int     `json:"attempts"`
	Backoff          Backoff `json:"backoff"`
	RemoveOnComplete bool    `json:"removeOnComplete"`
}

// DefaultOptions returns the retry policy of a named queue.
func DefaultOptions(queue string) Options {
	switch queue {
	case RenderQueue:
		return Options{
			Attempts:         3,
			Backoff:          Backoff{Type: BackoffExponential, Delay: time.Second},
			RemoveOnComplete: true,
		}
	case TranscriptionQueue:
		return Options{Attempts: 2, RemoveOnComplete: true}
	default:
		return Options{Attempts: 1, RemoveOnComplete: true}
	}
}
