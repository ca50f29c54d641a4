package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsxstudio/internal/pkg/errors"
)

// TestHelperProcess stands in for the python transcriber. It is not a real
// test; it only runs when re-executed by helperCommand.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	// args: -- python script input model output [flags...]
	args = args[2:]

	switch os.Getenv("HELPER_MODE") {
	case "ok":
		fmt.Fprintln(os.Stderr, "Loading model: base")
		fmt.Fprintln(os.Stderr, "PROGRESS:40")
		fmt.Fprint(os.Stderr, "PROGRESS:100")
		out := args[3]
		_ = os.WriteFile(out, []byte(`{"language":"en","duration":3.0,"segments":[{"id":0,"start":0,"end":3,"text":" hi "}]}`), 0o644)
		fmt.Fprintln(os.Stdout, strings.Join(args[4:], " "))
		os.Exit(0)
	case "stderr":
		fmt.Fprint(os.Stderr, strings.Repeat("x", 1500))
		os.Exit(1)
	case "stdout":
		fmt.Fprintln(os.Stdout, `{"error": "File not found"}`)
		os.Exit(1)
	case "silent":
		os.Exit(3)
	case "hang":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperProcess(t *testing.T, mode string) *WhisperProcess {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("HELPER_MODE", mode)

	w := NewWhisperProcess("python3", "transcriber/transcribe.py", 5*time.Second)
	w.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		return exec.CommandContext(ctx, os.Args[0], cs...)
	}
	return w
}

func TestWhisperArgs(t *testing.T) {
	w := NewWhisperProcess("", "transcriber/transcribe.py", 0)

	assert.Equal(t,
		[]string{"transcriber/transcribe.py", "/tmp/in", "base", "/tmp/out.json"},
		w.Args(RecognizeRequest{InputPath: "/tmp/in", OutputPath: "/tmp/out.json", Language: "auto"}))

	assert.Equal(t,
		[]string{"transcriber/transcribe.py", "/tmp/in", "small", "/tmp/out.json", "--language", "hi", "--prompt", "Namaste"},
		w.Args(RecognizeRequest{InputPath: "/tmp/in", OutputPath: "/tmp/out.json", Model: "small", Language: "hi", Prompt: "Namaste"}))
}

func TestWhisperSuccessReportsProgress(t *testing.T) {
	w := helperProcess(t, "ok")
	out := filepath.Join(t.TempDir(), "out.json")

	var (
		mu       sync.Mutex
		progress []int
	)
	err := w.Recognize(context.Background(), RecognizeRequest{InputPath: "in", OutputPath: out, Model: "base"}, func(p int) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, []int{40, 100}, progress)
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"segments"`)
}

func TestWhisperFailureMessages(t *testing.T) {
	t.Run("stderr is truncated to 1000 characters", func(t *testing.T) {
		err := helperProcess(t, "stderr").Recognize(context.Background(), RecognizeRequest{OutputPath: "x"}, nil)
		require.Error(t, err)
		assert.True(t, errors.IsEngine(err))
		assert.Len(t, errors.Message(err), 1000)
	})

	t.Run("falls back to stdout", func(t *testing.T) {
		err := helperProcess(t, "stdout").Recognize(context.Background(), RecognizeRequest{OutputPath: "x"}, nil)
		require.Error(t, err)
		assert.Equal(t, `{"error": "File not found"}`, errors.Message(err))
	})

	t.Run("unknown error when silent", func(t *testing.T) {
		err := helperProcess(t, "silent").Recognize(context.Background(), RecognizeRequest{OutputPath: "x"}, nil)
		require.Error(t, err)
		assert.Equal(t, "Unknown error", errors.Message(err))
	})
}

func TestWhisperTimeout(t *testing.T) {
	w := helperProcess(t, "hang")
	w.timeout = 200 * time.Millisecond

	start := time.Now()
	err := w.Recognize(context.Background(), RecognizeRequest{OutputPath: "x"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestWhisperMissingPython(t *testing.T) {
	w := NewWhisperProcess("definitely-not-a-python-binary", "x.py", time.Second)
	err := w.Recognize(context.Background(), RecognizeRequest{}, nil)
	require.Error(t, err)
	assert.Contains(t, errors.Message(err), "Python not found")
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "err", failureMessage("  err \n", "out"))
	assert.Equal(t, "out", failureMessage("   ", "out"))
	assert.Equal(t, "Unknown error", failureMessage("", ""))
	assert.Equal(t, 1000, len([]rune(failureMessage(strings.Repeat("é", 1200), ""))))
}
