// Package workspace locates the repository root and the .kd/ state tree
// from the current working directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kingdom-dev/kingdom/internal/kderr"
)

// KDDir is the name of the state directory at the repository root.
const KDDir = ".kd"

// Workspace is a resolved repository root with Kingdom state.
type Workspace struct {
	// Root is the repository root (the directory containing .kd/).
	Root string
}

// KD returns the .kd/ directory path.
func (w *Workspace) KD() string { return filepath.Join(w.Root, KDDir) }

// BranchesDir returns .kd/branches.
func (w *Workspace) BranchesDir() string { return filepath.Join(w.KD(), "branches") }

// BranchDir returns the directory for a normalized branch name.
func (w *Workspace) BranchDir(normalized string) string {
	return filepath.Join(w.BranchesDir(), normalized)
}

// BacklogTicketsDir returns .kd/backlog/tickets.
func (w *Workspace) BacklogTicketsDir() string {
	return filepath.Join(w.KD(), "backlog", "tickets")
}

// PeasantsDir returns the directory holding peasant session records.
func (w *Workspace) PeasantsDir() string { return filepath.Join(w.KD(), "peasants") }

// ConfigPath returns .kd/config.json.
func (w *Workspace) ConfigPath() string { return filepath.Join(w.KD(), "config.json") }

// CurrentBranchPath returns the file holding the active branch pointer.
func (w *Workspace) CurrentBranchPath() string { return filepath.Join(w.KD(), "current") }

// Find walks upward from dir looking for a .kd directory, stopping at the
// filesystem root. Each command resolves the workspace fresh from its own
// cwd; there is no process-wide cached root.
func Find(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		if info, err := os.Stat(filepath.Join(abs, KDDir)); err == nil && info.IsDir() {
			return &Workspace{Root: abs}, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("no %s directory found (run 'kd init' at the repo root): %w", KDDir, kderr.ErrNotFound)
		}
		abs = parent
	}
}

// FindFromCwd resolves the workspace from the process working directory.
func FindFromCwd() (*Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting cwd: %w", err)
	}
	return Find(cwd)
}
