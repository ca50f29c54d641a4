package render

import (
	"os"
	"path/filepath"

	"tsxstudio/internal/models"
)

const (
	componentFile  = "UserComposition.tsx"
	stylesheetFile = "styles.css"
	entryFile      = "index.tsx"
	outputFile     = "output.mp4"
)

// Workspace is a per-job scratch directory. Close removes it.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a fresh tsx-render-* directory under base (os.TempDir when empty).
func NewWorkspace(base string) (*Workspace, error) {
	dir, err := os.MkdirTemp(base, "tsx-render-")
	if err != nil {
		return nil, err
	}
	return &Workspace{Dir: dir}, nil
}

func (w *Workspace) Path(name string) string { return filepath.Join(w.Dir, name) }

func (w *Workspace) EntryPath() string  { return w.Path(entryFile) }
func (w *Workspace) OutputPath() string { return w.Path(outputFile) }

// Prepare writes the component, the generated stylesheet and the entry module.
func (w *Workspace) Prepare(code string, cfg models.RenderConfig) error {
	files := []struct {
		name, content string
	}{
		{componentFile, code},
		{stylesheetFile, Stylesheet(code)},
		{entryFile, EntryModule(cfg)},
	}
	for _, f := range files {
		if err := os.WriteFile(w.Path(f.name), []byte(f.content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) Close() error {
	return os.RemoveAll(w.Dir)
}
