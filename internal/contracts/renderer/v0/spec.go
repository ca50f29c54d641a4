// Package v0 holds the wire types of the render sidecar HTTP API. The sidecar
// shares the worker's filesystem: entry points and output locations are
// local paths.
package v0

// BundleRequest asks the sidecar to bundle the entry module at EntryPoint.
type BundleRequest struct {
	EntryPoint string `json:"entryPoint"`
}

type BundleResponse struct {
	ServeURL string `json:"serveUrl"`
}

// CompositionRequest selects a registered composition from a bundle.
type CompositionRequest struct {
	ServeURL string `json:"serveUrl"`
	ID       string `json:"id"`
}

type Composition struct {
	ID               string `json:"id"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	FPS              int    `json:"fps"`
	DurationInFrames int    `json:"durationInFrames"`
}

// RenderRequest starts a render. The response body is newline-delimited
// ProgressEvent JSON, ending with a "done" or "error" event.
type RenderRequest struct {
	ServeURL       string      `json:"serveUrl"`
	Composition    Composition `json:"composition"`
	Codec          string      `json:"codec"`
	OutputLocation string      `json:"outputLocation"`
}

const (
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

type ProgressEvent struct {
	Type     string  `json:"type"`
	Progress float64 `json:"progress,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ErrorResponse is returned with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
