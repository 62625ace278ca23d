package job

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coderunr/runbox/internal/types"
)

// Workspace is a job's private directory on the host
type Workspace struct {
	types.Workspace
	once sync.Once
	err  error
}

// ProvisionWorkspace creates a uniquely named directory under root and
// writes the job's source file into it. Nothing is left behind on failure.
func ProvisionWorkspace(root string, job types.Job) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}

	dir, err := os.MkdirTemp(root, fmt.Sprintf("run-%s-*", job.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{
		Workspace: types.Workspace{
			Path:           dir,
			SourceFilePath: filepath.Join(dir, job.Profile.SourceFile),
		},
	}

	// The sandbox user is not the owner, it only needs to read
	if err := os.Chmod(dir, 0755); err != nil {
		_ = ws.Release()
		return nil, fmt.Errorf("failed to set workspace permissions: %w", err)
	}

	if err := os.WriteFile(ws.SourceFilePath, []byte(job.SourceCode), 0644); err != nil {
		_ = ws.Release()
		return nil, fmt.Errorf("failed to write source file: %w", err)
	}

	return ws, nil
}

// Release deletes the workspace recursively. It runs once; later calls
// return the first result.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.Path); err != nil {
			w.err = fmt.Errorf("failed to remove workspace %s: %w", w.Path, err)
		}
	})
	return w.err
}
