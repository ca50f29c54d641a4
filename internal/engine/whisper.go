package engine

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"tsxstudio/internal/pkg/errors"
)

const maxErrorRunes = 1000

var progressRe = regexp.MustCompile(`PROGRESS:(\d+)`)

// WhisperProcess runs the faster-whisper script as a subprocess:
//
//	<python> <script> <input> <model> <output.json> [--language X] [--prompt P]
//
// The script prints PROGRESS:<n> lines on stderr.
type WhisperProcess struct {
	python  string
	script  string
	timeout time.Duration

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewWhisperProcess(python, script string, timeout time.Duration) *WhisperProcess {
	if python == "" {
		python = "python3"
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &WhisperProcess{
		python:  python,
		script:  script,
		timeout: timeout,
		command: exec.CommandContext,
	}
}

// Args builds the script arguments for req.
func (w *WhisperProcess) Args(req RecognizeRequest) []string {
	model := req.Model
	if model == "" {
		model = "base"
	}
	args := []string{w.script, req.InputPath, model, req.OutputPath}
	if req.Language != "" && req.Language != "auto" {
		args = append(args, "--language", req.Language)
	}
	if req.Prompt != "" {
		args = append(args, "--prompt", req.Prompt)
	}
	return args
}

func (w *WhisperProcess) Recognize(ctx context.Context, req RecognizeRequest, onProgress func(int)) error {
	const op = "engine.recognize"

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := w.command(runCtx, w.python, w.Args(req)...)
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUTF8=1")
	cmd.WaitDelay = 5 * time.Second

	var stdout bytes.Buffer
	stderr := &progressWriter{onProgress: onProgress}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if stderrors.Is(err, exec.ErrNotFound) {
			return errors.Engine(op, "Python not found. Please ensure Python is installed and added to PATH.", err)
		}
		return errors.Engine(op, "failed to start transcriber", err)
	}

	waitErr := cmd.Wait()
	stderr.flush()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return errors.Newf(errors.CodeTimeout, "Transcription timed out after %s", w.timeout).
			WithField("timeout", w.timeout.String())
	}
	if waitErr != nil {
		return errors.Engine(op, failureMessage(stderr.String(), stdout.String()), waitErr)
	}
	return nil
}

// failureMessage prefers stderr, then stdout, then a fixed fallback.
func failureMessage(stderr, stdout string) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = strings.TrimSpace(stdout)
	}
	if msg == "" {
		msg = "Unknown error"
	}
	return truncateRunes(msg, maxErrorRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// progressWriter keeps the full stderr text and reports PROGRESS:<n> lines
// as they complete.
type progressWriter struct {
	mu         sync.Mutex
	all        strings.Builder
	line       []byte
	onProgress func(int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.all.Write(b)
	p.line = append(p.line, b...)
	for {
		i := bytes.IndexByte(p.line, '\n')
		if i < 0 {
			break
		}
		p.scan(p.line[:i])
		p.line = p.line[i+1:]
	}
	return len(b), nil
}

func (p *progressWriter) scan(line []byte) {
	if p.onProgress == nil {
		return
	}
	m := progressRe.FindSubmatch(line)
	if m == nil {
		return
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return
	}
	if n > 100 {
		n = 100
	}
	p.onProgress(n)
}

// flush parses a trailing line that had no newline.
func (p *progressWriter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.line) > 0 {
		p.scan(p.line)
		p.line = nil
	}
}

func (p *progressWriter) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.all.String()
}

func (w *WhisperProcess) String() string {
	return fmt.Sprintf("whisper(%s %s, timeout=%s)", w.python, w.script, w.timeout)
}
