package models

import "time"

type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusLocalReady JobStatus = "LOCAL_READY"
	StatusRunning    JobStatus = "RUNNING"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// MaxRunningProgress is the highest progress a non-terminal job may show;
// only SUCCEEDED jobs reach 100.
const MaxRunningProgress = 99

// RunningProgress clamps p to [0, MaxRunningProgress].
func RunningProgress(p int) int {
	return min(max(p, 0), MaxRunningProgress)
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusLocalReady, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// RenderConfig describes the composition the engine renders.
type RenderConfig struct {
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	FPS              int    `json:"fps"`
	DurationInFrames int    `json:"durationInFrames"`
	Format           string `json:"format,omitempty"`
}

const (
	DefaultWidth            = 1080
	DefaultHeight           = 1920
	DefaultFPS              = 30
	DefaultDurationInFrames = 300
	DefaultFormat           = "mp4"
)

// WithDefaults fills zero or negative fields.
func (c RenderConfig) WithDefaults() RenderConfig {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.DurationInFrames <= 0 {
		c.DurationInFrames = DefaultDurationInFrames
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	return c
}

// Cost is 2 credits above 1920 on either axis, else 1.
func (c RenderConfig) Cost() int {
	if c.Width > 1920 || c.Height > 1920 {
		return 2
	}
	return 1
}

// DurationSeconds is frames/fps.
func (c RenderConfig) DurationSeconds() float64 {
	if c.FPS <= 0 {
		return 0
	}
	return float64(c.DurationInFrames) / float64(c.FPS)
}

type RenderJob struct {
	ID              string       `json:"id"`
	UserID          string       `json:"userId"`
	ProjectID       string       `json:"projectId"`
	VersionID       *string      `json:"versionId,omitempty"`
	Status          JobStatus    `json:"status"`
	Progress        int          `json:"progress"`
	Config          RenderConfig `json:"config"`
	Cost            int          `json:"cost"`
	OutputURL       *string      `json:"outputUrl,omitempty"`
	StorageKey      *string      `json:"storageKey,omitempty"`
	OutputSizeBytes *int64       `json:"-"`
	DurationSeconds *float64     `json:"durationSeconds,omitempty"`
	ErrorMessage    *string      `json:"errorMessage,omitempty"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	FinishedAt      *time.Time   `json:"finishedAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// RenderResult is what a successful render leaves on the job.
type RenderResult struct {
	OutputURL       string
	StorageKey      string
	OutputSizeBytes int64
	DurationSeconds float64
}

// TranscribeOptions are the engine knobs chosen at submission.
type TranscribeOptions struct {
	Model        string `json:"model"`
	LanguageMode string `json:"languageMode"`
	Prompt       string `json:"prompt,omitempty"`
}

type TranscriptionJob struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	FileName        string     `json:"fileName"`
	StorageKey      string     `json:"storageKey"`
	Model           string     `json:"model"`
	Language        string     `json:"language"`
	Prompt          *string    `json:"prompt,omitempty"`
	Cost            int        `json:"cost"`
	JSONOutput      []byte     `json:"-"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (j TranscriptionJob) Options() TranscribeOptions {
	o := TranscribeOptions{Model: j.Model, LanguageMode: j.Language}
	if j.Prompt != nil {
		o.Prompt = *j.Prompt
	}
	return o
}
