package ticket

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/git"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/lock"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// Store provides ticket CRUD and graph queries over a workspace.
type Store struct {
	ws  *workspace.Workspace
	git *git.Git
}

// NewStore creates a Store for the workspace.
func NewStore(ws *workspace.Workspace) *Store {
	return &Store{ws: ws, git: git.New(ws.Root)}
}

// branchState is the slice of state.json this package needs.
type branchState struct {
	Status string `json:"status"`
}

// doneBranches returns the set of normalized branch names marked done.
func (s *Store) doneBranches() map[string]bool {
	done := make(map[string]bool)
	entries, err := os.ReadDir(s.ws.BranchesDir())
	if err != nil {
		return done
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var st branchState
		path := filepath.Join(s.ws.BranchDir(entry.Name()), "state.json")
		if err := fstore.ReadJSON(path, &st); err == nil && st.Status == "done" {
			done[entry.Name()] = true
		}
	}
	return done
}

// ticketDir is one directory that can hold ticket files.
type ticketDir struct {
	path   string
	branch string // "" for backlog
}

// dirs lists every ticket directory, optionally including done branches.
func (s *Store) dirs(includeDone bool) []ticketDir {
	out := []ticketDir{{path: s.ws.BacklogTicketsDir()}}
	done := s.doneBranches()
	entries, err := os.ReadDir(s.ws.BranchesDir())
	if err != nil {
		return out
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if !includeDone && done[name] {
			continue
		}
		out = append(out, ticketDir{
			path:   filepath.Join(s.ws.BranchDir(name), "tickets"),
			branch: name,
		})
	}
	return out
}

// load reads one ticket file.
func (s *Store) load(dir ticketDir, filename string) (*Ticket, error) {
	path := filepath.Join(dir.path, filename)
	text, err := fstore.ReadText(path)
	if err != nil {
		return nil, err
	}
	t, err := parse(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Path = path
	t.Branch = dir.branch
	return t, nil
}

// All returns every ticket, sorted by id. Done-branch tickets are
// excluded unless includeDone is set.
func (s *Store) All(includeDone bool) ([]*Ticket, error) {
	var out []*Ticket
	for _, dir := range s.dirs(includeDone) {
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			t, err := s.load(dir, entry.Name())
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Branch returns the tickets of one branch ("" for backlog).
func (s *Store) BranchTickets(branch string) ([]*Ticket, error) {
	all, err := s.All(true)
	if err != nil {
		return nil, err
	}
	var out []*Ticket
	for _, t := range all {
		if t.Branch == branch {
			out = append(out, t)
		}
	}
	return out, nil
}

// Find resolves a short-id prefix. Exactly one match in backlog plus
// non-done branches wins; multiple matches are Ambiguous, zero NotFound.
func (s *Store) Find(prefix string, includeDone bool) (*Ticket, error) {
	all, err := s.All(includeDone)
	if err != nil {
		return nil, err
	}
	var matches []*Ticket
	for _, t := range all {
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("ticket %q: %w", prefix, kderr.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, t := range matches {
			ids[i] = t.ID
		}
		return nil, &kderr.AmbiguousError{Prefix: prefix, Candidates: ids}
	}
}

// idLockPath serializes id allocation across processes.
func (s *Store) idLockPath() string {
	return filepath.Join(s.ws.KD(), ".ticket-id.lock")
}

// generateID mints a 4-hex id from crypto/rand, rejecting collisions
// against every existing ticket including done branches. Caller must hold
// the id lock.
func (s *Store) generateID() (string, error) {
	existing := make(map[string]bool)
	all, err := s.All(true)
	if err != nil {
		return "", err
	}
	for _, t := range all {
		existing[t.ID] = true
	}
	for range 64 {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("minting ticket id: %w", err)
		}
		id := hex.EncodeToString(b[:])
		if !existing[id] {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not mint a unique ticket id after 64 attempts")
}

// CreateOptions are the operator-settable fields of a new ticket.
type CreateOptions struct {
	Title       string
	Description string
	Type        string
	Priority    int
	Deps        []string
	Assignee    string
	// Branch is the normalized target branch; "" files into backlog.
	Branch string
}

// Create mints an id and writes the ticket file atomically. An
// interrupted create leaves no orphan: the id lock covers the collision
// scan and the write is tmp+rename.
func (s *Store) Create(opts CreateOptions) (*Ticket, error) {
	if opts.Title == "" {
		return nil, fmt.Errorf("ticket title required: %w", kderr.ErrInvalidConfig)
	}
	typ := opts.Type
	if typ == "" {
		typ = "task"
	}
	valid := false
	for _, v := range Types {
		if v == typ {
			valid = true
		}
	}
	if !valid {
		return nil, fmt.Errorf("invalid ticket type %q (valid: %s): %w",
			typ, strings.Join(Types, ", "), kderr.ErrInvalidConfig)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 2
	}
	if priority < 1 || priority > 3 {
		return nil, fmt.Errorf("priority must be 1..3: %w", kderr.ErrInvalidConfig)
	}
	deps := make([]string, 0, len(opts.Deps))
	for _, dep := range opts.Deps {
		target, err := s.Find(dep, false)
		if err != nil {
			return nil, fmt.Errorf("dep %s: %w", dep, err)
		}
		deps = append(deps, target.ID)
	}

	release, err := lock.Acquire(s.idLockPath())
	if err != nil {
		return nil, err
	}
	defer release()

	id, err := s.generateID()
	if err != nil {
		return nil, err
	}
	t := &Ticket{
		ID:       id,
		Status:   StatusOpen,
		Type:     typ,
		Priority: priority,
		Deps:     deps,
		Assignee: opts.Assignee,
		Created:  time.Now().UTC(),
		Body:     NewBody(opts.Title, opts.Description),
		Branch:   opts.Branch,
	}
	dir := s.ws.BacklogTicketsDir()
	if opts.Branch != "" {
		dir = filepath.Join(s.ws.BranchDir(opts.Branch), "tickets")
	}
	t.Path = filepath.Join(dir, id+".md")
	if err := fstore.WriteText(t.Path, t.render()); err != nil {
		return nil, err
	}
	return t, nil
}

// Save rewrites an existing ticket file atomically.
func (s *Store) Save(t *Ticket) error {
	if t.Path == "" {
		return fmt.Errorf("ticket %s has no path", t.ID)
	}
	return fstore.WriteText(t.Path, t.render())
}

// SetStatus transitions a ticket's status.
func (s *Store) SetStatus(t *Ticket, status string) error {
	switch status {
	case StatusOpen, StatusInProgress, StatusClosed:
	default:
		return fmt.Errorf("invalid status %q: %w", status, kderr.ErrInvalidConfig)
	}
	t.Status = status
	return s.Save(t)
}

// AddDep appends dep to the ticket's deps. Appending preserves every
// prior entry; duplicates are rejected.
func (s *Store) AddDep(t *Ticket, dep string) error {
	target, err := s.Find(dep, false)
	if err != nil {
		return err
	}
	if target.ID == t.ID {
		return fmt.Errorf("ticket cannot depend on itself: %w", kderr.ErrConflict)
	}
	if t.HasDep(target.ID) {
		return fmt.Errorf("dep %s already present on %s: %w", target.ID, t.ID, kderr.ErrConflict)
	}
	t.Deps = append(t.Deps, target.ID)
	if t.Status != StatusClosed {
		if err := s.checkNoCycleWith(t); err != nil {
			t.Deps = t.Deps[:len(t.Deps)-1]
			return err
		}
	}
	return s.Save(t)
}

// RemoveDep deletes dep from the ticket's deps.
func (s *Store) RemoveDep(t *Ticket, dep string) error {
	for i, d := range t.Deps {
		if d == dep || strings.HasPrefix(d, dep) {
			t.Deps = append(t.Deps[:i], t.Deps[i+1:]...)
			return s.Save(t)
		}
	}
	return fmt.Errorf("dep %s not present on %s: %w", dep, t.ID, kderr.ErrNotFound)
}

// Move relocates a ticket file into the target branch's tickets dir
// ("" for backlog), preserving the id. Uses git mv when inside a work
// tree so history follows the file.
func (s *Store) Move(t *Ticket, targetBranch string) error {
	dir := s.ws.BacklogTicketsDir()
	if targetBranch != "" {
		dir = filepath.Join(s.ws.BranchDir(targetBranch), "tickets")
	}
	dst := filepath.Join(dir, filepath.Base(t.Path))
	if dst == t.Path {
		return nil
	}
	if fstore.Exists(dst) {
		return fmt.Errorf("ticket %s already exists in target: %w", t.ID, kderr.ErrConflict)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if git.Available() && s.git.IsRepo() {
		if err := s.git.Mv(t.Path, dst); err == nil {
			t.Path, t.Branch = dst, targetBranch
			return nil
		}
		// git mv fails for untracked files; fall through to rename.
	}
	if err := os.Rename(t.Path, dst); err != nil {
		return fmt.Errorf("moving ticket %s: %w", t.ID, err)
	}
	t.Path, t.Branch = dst, targetBranch
	return nil
}

// resolveAll indexes every ticket by id, including done branches so dep
// resolution never dangles just because a branch finished.
func (s *Store) resolveAll() (map[string]*Ticket, error) {
	all, err := s.All(true)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*Ticket, len(all))
	for _, t := range all {
		index[t.ID] = t
	}
	return index, nil
}

// Blocked reports whether the ticket has an unresolvable or non-closed
// dependency.
func (s *Store) Blocked(t *Ticket) (bool, error) {
	index, err := s.resolveAll()
	if err != nil {
		return false, err
	}
	return blockedIn(t, index), nil
}

func blockedIn(t *Ticket, index map[string]*Ticket) bool {
	for _, dep := range t.Deps {
		target, ok := index[dep]
		if !ok || target.Status != StatusClosed {
			return true
		}
	}
	return false
}

// Ready returns the branch's open tickets whose every dep resolves to a
// closed ticket, ordered by priority then id.
func (s *Store) Ready(branch string) ([]*Ticket, error) {
	index, err := s.resolveAll()
	if err != nil {
		return nil, err
	}
	tickets, err := s.BranchTickets(branch)
	if err != nil {
		return nil, err
	}
	var out []*Ticket
	for _, t := range tickets {
		if t.Status == StatusOpen && !blockedIn(t, index) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CycleCheck scans the dependency subgraph of the branch's open tickets
// and returns an error describing the first cycle found. Cycles through
// closed tickets are permitted.
func (s *Store) CycleCheck(branch string) error {
	tickets, err := s.BranchTickets(branch)
	if err != nil {
		return err
	}
	open := make(map[string]*Ticket)
	for _, t := range tickets {
		if t.Status != StatusClosed {
			open[t.ID] = t
		}
	}
	return findCycle(open)
}

// checkNoCycleWith verifies the graph stays acyclic with t's in-memory
// dep list (used before persisting a new dep).
func (s *Store) checkNoCycleWith(t *Ticket) error {
	all, err := s.All(true)
	if err != nil {
		return err
	}
	open := make(map[string]*Ticket)
	for _, other := range all {
		if other.Status != StatusClosed {
			if other.ID == t.ID {
				open[t.ID] = t
			} else {
				open[other.ID] = other
			}
		}
	}
	return findCycle(open)
}

// findCycle runs a colored DFS over the open-ticket subgraph.
func findCycle(open map[string]*Ticket) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(open))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range open[id].Deps {
			if _, ok := open[dep]; !ok {
				continue // closed or missing; not part of the live graph
			}
			switch color[dep] {
			case gray:
				// Trim the stack to the cycle entry point.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				return &kderr.CycleError{Path: append(append([]string{}, stack[start:]...), dep)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendWorklog adds a timestamped entry under the ticket's worklog
// section, creating the section on first use.
func (s *Store) AppendWorklog(t *Ticket, entry string) error {
	if !strings.Contains(t.Body, "## Worklog") {
		if !strings.HasSuffix(t.Body, "\n") {
			t.Body += "\n"
		}
		t.Body += "\n## Worklog\n"
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	t.Body += fmt.Sprintf("\n- %s %s\n", stamp, entry)
	return s.Save(t)
}
