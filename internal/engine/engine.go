// Package engine abstracts the slow external engines: the video renderer and
// the speech recognizer. Workers and the desktop executor depend only on the
// interfaces here.
package engine

import (
	"context"

	v0 "tsxstudio/internal/contracts/renderer/v0"
)

type Composition = v0.Composition

type RenderRequest struct {
	ServeURL    string
	Composition Composition
	Codec       string
	OutputPath  string
}

// Renderer bundles an entry module and renders one of its compositions.
// Render reports progress as a fraction in [0,1].
type Renderer interface {
	Bundle(ctx context.Context, entryPoint string) (string, error)
	SelectComposition(ctx context.Context, serveURL, id string) (Composition, error)
	Render(ctx context.Context, req RenderRequest, onProgress func(fraction float64)) error
}

type RecognizeRequest struct {
	InputPath  string
	Model      string
	Language   string // empty lets the engine detect
	Prompt     string
	OutputPath string
}

// Recognizer writes the engine's raw transcript JSON to OutputPath and reports
// integer progress percentages.
type Recognizer interface {
	Recognize(ctx context.Context, req RecognizeRequest, onProgress func(percent int)) error
}
