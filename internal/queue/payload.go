package queue

import "tsxstudio/internal/models"

// RenderPayload is published on RenderQueue. The job row holds the
// authoritative config; Code travels with the message because versions are
// immutable and the worker then needs no project lookup.
type RenderPayload struct {
	JobID  string              `json:"jobId"`
	UserID string              `json:"userId"`
	Code   string              `json:"code"`
	Config models.RenderConfig `json:"config"`
}

// TranscriptionPayload is published on TranscriptionQueue.
type TranscriptionPayload struct {
	JobID  string `json:"jobId"`
	UserID string `json:"userId"`
}
