package peasant

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/kingdom-dev/kingdom/internal/agent"
	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/git"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/thread"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// Mode selects where a worker runs.
const (
	ModeWorktree = "worktree"
	ModeHand     = "hand"
)

// Manager runs peasant lifecycle operations for one branch.
type Manager struct {
	ws      *workspace.Workspace
	branch  *branch.Branch
	tickets *ticket.Store
	threads *thread.Store
	git     *git.Git
}

// NewManager creates a Manager bound to the current branch.
func NewManager(ws *workspace.Workspace, b *branch.Branch) *Manager {
	return &Manager{
		ws:      ws,
		branch:  b,
		tickets: ticket.NewStore(ws),
		threads: thread.NewStore(b.Dir),
		git:     git.New(ws.Root),
	}
}

// StartOptions configures a worker spawn.
type StartOptions struct {
	Mode string
	// Agent is the backend to run the loop with; empty uses "claude".
	Agent string
	// MaxIter caps the worker's loop iterations; zero uses the loop default.
	MaxIter int
	// AllowPull permits moving a backlog ticket into the branch. Only the
	// start and work entry points set it; read-only subcommands never do.
	AllowPull bool
}

// ResolveForWork finds the ticket and pulls it from backlog when allowed.
// Both `kd peasant start` and `kd work` route through here so the two
// entry points agree on closed, backlog, and wrong-branch tickets.
func (m *Manager) ResolveForWork(ticketID string, allowPull bool) (*ticket.Ticket, error) {
	t, err := m.tickets.Find(ticketID, false)
	if err != nil {
		return nil, err
	}
	if t.Status == ticket.StatusClosed {
		return nil, fmt.Errorf("ticket %s is closed: %w", t.ID, kderr.ErrConflict)
	}
	if t.Branch == "" {
		if !allowPull {
			return nil, fmt.Errorf("ticket %s is in backlog (run 'kd tk pull %s' first): %w",
				t.ID, t.ID, kderr.ErrConflict)
		}
		if err := m.tickets.Move(t, m.branch.Normalized); err != nil {
			return nil, err
		}
	} else if t.Branch != m.branch.Normalized {
		return nil, fmt.Errorf("ticket %s belongs to branch %s: %w", t.ID, t.Branch, kderr.ErrConflict)
	}
	return t, nil
}

// worktreePath returns the per-ticket worktree location.
func (m *Manager) worktreePath(ticketID string) string {
	return filepath.Join(m.branch.Dir, "worktrees", ticketID)
}

// ticketBranch derives the git branch a worktree checks out.
func (m *Manager) ticketBranch(ticketID string) string {
	return m.branch.Normalized + "-" + ticketID
}

// Start resolves the ticket, prepares the working directory, seeds the
// work thread, and spawns a detached worker process running the agent
// loop. Hand mode refuses to start while another hand session is alive.
func (m *Manager) Start(ticketID string, opts StartOptions) (*Session, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeWorktree
	}
	if mode != ModeWorktree && mode != ModeHand {
		return nil, fmt.Errorf("invalid mode %q: %w", mode, kderr.ErrInvalidConfig)
	}

	t, err := m.ResolveForWork(ticketID, opts.AllowPull)
	if err != nil {
		return nil, err
	}

	name := "peasant-" + t.ID
	workDir := m.worktreePath(t.ID)
	if mode == ModeHand {
		name = "hand-" + t.ID
		workDir = m.ws.Root
		if other, err := m.liveHand(); err != nil {
			return nil, err
		} else if other != nil && other.Name != name {
			return nil, fmt.Errorf("hand session %s is still running (pid %d): %w",
				other.Name, other.PID, kderr.ErrConflict)
		}
	}

	if existing, err := loadSession(m.ws, name); err == nil && existing.Alive() {
		return nil, fmt.Errorf("session %s already running (pid %d): %w",
			name, existing.PID, kderr.ErrConflict)
	}

	if mode == ModeWorktree {
		if err := m.ensureWorktree(t.ID, workDir); err != nil {
			return nil, err
		}
	}

	threadID, err := m.seedWorkThread(t)
	if err != nil {
		return nil, err
	}

	backend := opts.Agent
	if backend == "" {
		backend = "claude"
	}

	pid, pidStart, err := m.spawnWorker(t.ID, workDir, backend, opts.MaxIter)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		Name:         name,
		TicketID:     t.ID,
		Agent:        backend,
		WorktreePath: workDir,
		ThreadID:     threadID,
		PID:          pid,
		PIDStart:     pidStart,
		StartedAt:    time.Now().UTC(),
	}
	if err := saveSession(m.ws, sess); err != nil {
		return nil, err
	}
	if t.Status == ticket.StatusOpen {
		if err := m.tickets.SetStatus(t, ticket.StatusInProgress); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// liveHand returns the live hand session in this base, if any.
func (m *Manager) liveHand() (*Session, error) {
	sessions, err := listSessions(m.ws)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.IsHand() && s.Alive() {
			return s, nil
		}
	}
	return nil, nil
}

// ensureWorktree creates the per-ticket git worktree if missing.
func (m *Manager) ensureWorktree(ticketID, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if !git.Available() || !m.git.IsRepo() {
		return fmt.Errorf("worktree mode needs a git repository: %w", kderr.ErrInvalidConfig)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tb := m.ticketBranch(ticketID)
	if m.git.BranchExists(tb) {
		return m.git.WorktreeAddExisting(path, tb)
	}
	return m.git.WorktreeAdd(path, tb)
}

// seedWorkThread creates the ticket's work thread and seeds it with the
// ticket body when empty.
func (m *Manager) seedWorkThread(t *ticket.Ticket) (string, error) {
	threadID := thread.WorkThreadID(t.ID)
	if !m.threads.Exists(threadID) {
		if err := m.threads.Create(threadID, nil, "work"); err != nil {
			return "", err
		}
	}
	seq, err := m.threads.NextSequence(threadID)
	if err != nil {
		return "", err
	}
	if seq == 1 {
		if _, err := m.threads.Append(threadID, thread.Message{
			From: thread.King,
			To:   "assistant",
			Body: t.Body,
		}); err != nil {
			return "", err
		}
	}
	return threadID, nil
}

// workerArgv builds the argument list for a detached worker. The agent
// and iteration budget chosen at start time must survive into the child,
// which is a fresh `kd` process that cannot see this one's options.
func workerArgv(ticketID, workDir, backend string, maxIter int) []string {
	argv := []string{"work", ticketID, "--dir", workDir}
	if backend != "" {
		argv = append(argv, "--agent", backend)
	}
	if maxIter > 0 {
		argv = append(argv, "--max-iterations", strconv.Itoa(maxIter))
	}
	return argv
}

// spawnWorker launches `kd work <id>` detached in its own session with a
// sanitized environment, logging to peasants/<ticket>.log.
func (m *Manager) spawnWorker(ticketID, workDir, backend string, maxIter int) (int, string, error) {
	self, err := os.Executable()
	if err != nil {
		self = "kd"
	}
	logPath := filepath.Join(m.ws.PeasantsDir(), ticketID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, "", err
	}
	defer logFile.Close()

	cmd := exec.Command(self, workerArgv(ticketID, workDir, backend, maxIter)...)
	cmd.Dir = workDir
	cmd.Env = agent.SanitizedEnv(nil)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("spawning worker: %w", err)
	}
	pid := cmd.Process.Pid
	start := pidStartTime(pid)
	_ = cmd.Process.Release()
	return pid, start, nil
}

// StatusRow is one session's liveness report.
type StatusRow struct {
	Session *Session
	Alive   bool
}

// Status probes every recorded session.
func (m *Manager) Status() ([]StatusRow, error) {
	sessions, err := listSessions(m.ws)
	if err != nil {
		return nil, err
	}
	out := make([]StatusRow, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, StatusRow{Session: s, Alive: s.Alive()})
	}
	return out, nil
}

// find resolves a session by ticket id or full session name.
func (m *Manager) find(id string) (*Session, error) {
	sessions, err := listSessions(m.ws)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Name == id || s.TicketID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no peasant session for %q: %w", id, kderr.ErrNotFound)
}

// Stop terminates a live worker process. The session record stays for
// clean to collect.
func (m *Manager) Stop(id string) error {
	s, err := m.find(id)
	if err != nil {
		return err
	}
	if !s.Alive() {
		return nil
	}
	if err := syscall.Kill(-s.PID, syscall.SIGTERM); err != nil {
		// Fall back to the single process if the group is gone.
		if err := syscall.Kill(s.PID, syscall.SIGTERM); err != nil {
			return fmt.Errorf("stopping %s (pid %d): %w", s.Name, s.PID, err)
		}
	}
	return nil
}

// Clean removes a stopped session's worktree and record. A live session
// refuses cleanup.
func (m *Manager) Clean(id string) error {
	s, err := m.find(id)
	if err != nil {
		return err
	}
	if s.Alive() {
		return fmt.Errorf("session %s is still running (stop it first): %w", s.Name, kderr.ErrConflict)
	}
	if !s.IsHand() && s.WorktreePath != m.ws.Root {
		if git.Available() && m.git.IsRepo() {
			_ = m.git.WorktreeRemove(s.WorktreePath, true)
			_ = m.git.WorktreePrune()
		}
		_ = os.RemoveAll(s.WorktreePath)
	}
	return removeSession(m.ws, s.Name)
}

// Sync merges the base branch into a session's worktree so the worker
// picks up changes that landed since it started.
func (m *Manager) Sync(id string) error {
	s, err := m.find(id)
	if err != nil {
		return err
	}
	if s.IsHand() {
		return nil
	}
	if _, err := os.Stat(s.WorktreePath); err != nil {
		return fmt.Errorf("worktree %s is gone: %w", s.WorktreePath, kderr.ErrNotFound)
	}
	wt := git.New(s.WorktreePath)
	return wt.Merge(m.branch.Normalized)
}

// Review merges a finished worker's branch back into the base branch.
// With reject, it instead relaunches the loop in the stored worktree;
// a missing worktree path is an error, never a silent fallback to the
// base directory.
func (m *Manager) Review(id string, reject bool) error {
	s, err := m.find(id)
	if err != nil {
		return err
	}
	if reject {
		if _, err := os.Stat(s.WorktreePath); err != nil {
			return fmt.Errorf("worktree %s is gone; cannot relaunch: %w",
				s.WorktreePath, kderr.ErrNotFound)
		}
		if s.Alive() {
			return fmt.Errorf("session %s is still running: %w", s.Name, kderr.ErrConflict)
		}
		pid, pidStart, err := m.spawnWorker(s.TicketID, s.WorktreePath, s.Agent, 0)
		if err != nil {
			return err
		}
		s.PID = pid
		s.PIDStart = pidStart
		s.StartedAt = time.Now().UTC()
		return saveSession(m.ws, s)
	}

	if s.IsHand() {
		return nil
	}
	if !git.Available() || !m.git.IsRepo() {
		return fmt.Errorf("review merge needs a git repository: %w", kderr.ErrInvalidConfig)
	}
	if err := m.git.Checkout(m.branch.Normalized); err != nil {
		return err
	}
	return m.git.Merge(m.ticketBranch(s.TicketID))
}

// Msg appends an operator message to a session's work thread. The
// worker reads new king messages at the top of its next iteration.
func (m *Manager) Msg(id, body string) error {
	s, err := m.find(id)
	if err != nil {
		return err
	}
	_, err = m.threads.Append(s.ThreadID, thread.Message{
		From: thread.King,
		To:   "assistant",
		Body: body,
	})
	return err
}

// Logs returns the session's work thread messages in order.
func (m *Manager) Logs(id string) ([]*thread.Message, error) {
	s, err := m.find(id)
	if err != nil {
		return nil, err
	}
	return m.threads.List(s.ThreadID)
}

// Read returns the latest assistant message of the session's thread.
func (m *Manager) Read(id string) (*thread.Message, error) {
	s, err := m.find(id)
	if err != nil {
		return nil, err
	}
	msgs, err := m.threads.List(s.ThreadID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].From != thread.King {
			return msgs[i], nil
		}
	}
	return nil, fmt.Errorf("no assistant messages yet on %s: %w", s.ThreadID, kderr.ErrNotFound)
}
