// Package branch manages the .kd/ skeleton and per-branch lifecycle:
// init, start, status, done, and the current-branch pointer.
package branch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/git"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// Status values for a branch.
const (
	StatusActive = "active"
	StatusDone   = "done"
)

// State is the state.json record of one branch.
type State struct {
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	DesignApproved bool       `json:"design_approved"`
	Session        string     `json:"session,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DoneAt         *time.Time `json:"done_at,omitempty"`
}

// Branch pairs a normalized directory name with its loaded state.
type Branch struct {
	Normalized string
	State      *State
	Dir        string
}

// Manager performs branch lifecycle operations on a workspace.
type Manager struct {
	ws  *workspace.Workspace
	git *git.Git
}

// NewManager creates a Manager for the workspace.
func NewManager(ws *workspace.Workspace) *Manager {
	return &Manager{ws: ws, git: git.New(ws.Root)}
}

// Init creates the .kd/ skeleton at root. Calling it again on an
// initialized tree changes nothing.
func Init(root string) (*workspace.Workspace, error) {
	ws := &workspace.Workspace{Root: root}
	for _, dir := range []string{
		ws.KD(),
		ws.BranchesDir(),
		ws.BacklogTicketsDir(),
		ws.PeasantsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return ws, nil
}

// statePath returns the state.json path for a normalized branch name.
func (m *Manager) statePath(normalized string) string {
	return filepath.Join(m.ws.BranchDir(normalized), "state.json")
}

// Load reads one branch by normalized name.
func (m *Manager) Load(normalized string) (*Branch, error) {
	var st State
	if err := fstore.ReadJSON(m.statePath(normalized), &st); err != nil {
		return nil, fmt.Errorf("branch %s: %w", normalized, err)
	}
	return &Branch{Normalized: normalized, State: &st, Dir: m.ws.BranchDir(normalized)}, nil
}

// save rewrites a branch's state.json atomically.
func (m *Manager) save(b *Branch) error {
	return fstore.WriteJSON(m.statePath(b.Normalized), b.State)
}

// Start creates the branch directory tree and a matching git branch,
// then points .kd/current at it. Re-running start on an existing branch
// only moves the pointer.
func (m *Manager) Start(name string) (*Branch, error) {
	normalized, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if fstore.Exists(m.statePath(normalized)) {
		b, err := m.Load(normalized)
		if err != nil {
			return nil, err
		}
		if b.State.Status == StatusDone {
			return nil, fmt.Errorf("branch %s is done: %w", normalized, kderr.ErrConflict)
		}
		if err := m.SetCurrent(normalized); err != nil {
			return nil, err
		}
		return b, nil
	}

	dir := m.ws.BranchDir(normalized)
	for _, sub := range []string{"tickets", "threads", "worktrees", "sessions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating branch dir: %w", err)
		}
	}
	b := &Branch{
		Normalized: normalized,
		Dir:        dir,
		State: &State{
			Name:      name,
			Status:    StatusActive,
			CreatedAt: time.Now().UTC(),
		},
	}
	if err := m.save(b); err != nil {
		return nil, err
	}

	if git.Available() && m.git.IsRepo() && !m.git.BranchExists(normalized) {
		if err := m.git.CreateBranch(normalized); err != nil {
			return nil, err
		}
	}
	if err := m.SetCurrent(normalized); err != nil {
		return nil, err
	}
	return b, nil
}

// Current returns the branch pointed at by .kd/current.
func (m *Manager) Current() (*Branch, error) {
	text, err := fstore.ReadText(m.ws.CurrentBranchPath())
	if err != nil {
		return nil, fmt.Errorf("no current branch (run 'kd start <name>'): %w", kderr.ErrNotFound)
	}
	return m.Load(strings.TrimSpace(text))
}

// SetCurrent writes the .kd/current pointer.
func (m *Manager) SetCurrent(normalized string) error {
	return fstore.WriteText(m.ws.CurrentBranchPath(), normalized+"\n")
}

// List returns branches sorted by normalized name. Done branches are
// excluded unless includeDone is set.
func (m *Manager) List(includeDone bool) ([]*Branch, error) {
	entries, err := os.ReadDir(m.ws.BranchesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Branch
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		b, err := m.Load(entry.Name())
		if err != nil {
			continue // skip directories without readable state
		}
		if !includeDone && b.State.Status == StatusDone {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Normalized < out[j].Normalized })
	return out, nil
}

// TicketCounts is the per-status ticket tally of one branch.
type TicketCounts struct {
	Open       int
	InProgress int
	Closed     int
}

// Counts tallies the branch's tickets by status.
func (m *Manager) Counts(b *Branch, store *ticket.Store) (TicketCounts, error) {
	var counts TicketCounts
	tickets, err := store.BranchTickets(b.Normalized)
	if err != nil {
		return counts, err
	}
	for _, t := range tickets {
		switch t.Status {
		case ticket.StatusOpen:
			counts.Open++
		case ticket.StatusInProgress:
			counts.InProgress++
		case ticket.StatusClosed:
			counts.Closed++
		}
	}
	return counts, nil
}

// Done marks the branch done: status, done_at, session pointer cleared,
// worktrees removed. It never moves ticket files and never commits.
// Tickets still open or in progress refuse the transition unless force.
// A branch already done refuses a second transition so scripted flows
// notice the double call.
func (m *Manager) Done(b *Branch, store *ticket.Store, force bool) error {
	if b.State.Status == StatusDone {
		return fmt.Errorf("branch %s is already done: %w", b.Normalized, kderr.ErrConflict)
	}
	counts, err := m.Counts(b, store)
	if err != nil {
		return err
	}
	if !force && counts.Open+counts.InProgress > 0 {
		return fmt.Errorf("%d ticket(s) still open on %s (use --force): %w",
			counts.Open+counts.InProgress, b.Normalized, kderr.ErrConflict)
	}

	m.removeWorktrees(b)

	now := time.Now().UTC()
	b.State.Status = StatusDone
	b.State.DoneAt = &now
	b.State.Session = ""
	if err := m.save(b); err != nil {
		return err
	}

	// Drop the pointer if it named this branch.
	if text, err := fstore.ReadText(m.ws.CurrentBranchPath()); err == nil &&
		strings.TrimSpace(text) == b.Normalized {
		_ = os.Remove(m.ws.CurrentBranchPath())
	}
	return nil
}

// removeWorktrees detaches every git worktree under the branch and
// removes the directories. Failures are tolerated; done must not get
// stuck on a half-removed worktree.
func (m *Manager) removeWorktrees(b *Branch) {
	dir := filepath.Join(b.Dir, "worktrees")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	useGit := git.Available() && m.git.IsRepo()
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if useGit {
			_ = m.git.WorktreeRemove(path, true)
		}
		_ = os.RemoveAll(path)
	}
	if useGit {
		_ = m.git.WorktreePrune()
	}
}

// DesignPath returns the branch's design document path.
func DesignPath(b *Branch) string {
	return filepath.Join(b.Dir, "design.md")
}

// ApproveDesign flips the design_approved flag.
func (m *Manager) ApproveDesign(b *Branch) error {
	if !fstore.Exists(DesignPath(b)) {
		return fmt.Errorf("no design.md on %s: %w", b.Normalized, kderr.ErrNotFound)
	}
	b.State.DesignApproved = true
	return m.save(b)
}

// SetSession records or clears the branch's session pointer.
func (m *Manager) SetSession(b *Branch, session string) error {
	b.State.Session = session
	return m.save(b)
}
