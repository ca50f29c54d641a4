package transcript

import (
	"context"
	"os"

	"tsxstudio/internal/engine"
	"tsxstudio/internal/pkg/errors"
)

// Request is one recognition of a local media file. LanguageMode is resolved
// with ResolveLanguage.
type Request struct {
	InputPath    string
	OutputPath   string
	Model        string
	LanguageMode string
	Prompt       string
}

// Run invokes the recognizer, then parses and normalizes what it wrote to
// OutputPath. The queue worker and the desktop executor share it.
func Run(ctx context.Context, rec engine.Recognizer, req Request, dict Dictionary, onProgress func(percent int)) (Transcript, error) {
	language, prompt := ResolveLanguage(req.LanguageMode, req.Prompt)
	err := rec.Recognize(ctx, engine.RecognizeRequest{
		InputPath:  req.InputPath,
		Model:      req.Model,
		Language:   language,
		Prompt:     prompt,
		OutputPath: req.OutputPath,
	}, onProgress)
	if err != nil {
		return Transcript{}, err
	}

	data, err := os.ReadFile(req.OutputPath)
	if err != nil {
		return Transcript{}, errors.Engine("transcribe.output", "transcriber produced no output file", err)
	}
	raw, err := Parse(data)
	if err != nil {
		return Transcript{}, err
	}
	return Normalize(raw, dict)
}
