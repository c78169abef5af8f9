// Package peasant launches and supervises worker processes, one per
// ticket, each running the agent loop in its own worktree or in the
// base checkout ("hand" mode).
package peasant

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// Session is the persisted record of one spawned worker.
type Session struct {
	Name         string    `json:"name"`
	TicketID     string    `json:"ticket_id"`
	Agent        string    `json:"agent"`
	WorktreePath string    `json:"worktree_path"`
	ThreadID     string    `json:"thread_id"`
	PID          int       `json:"pid"`
	// PIDStart is the process start time as reported by ps at spawn,
	// used to detect pid reuse when probing liveness later.
	PIDStart  string    `json:"pid_start,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// IsHand reports whether the session runs in the base checkout.
func (s *Session) IsHand() bool {
	return strings.HasPrefix(s.Name, "hand-")
}

// sessionPath returns the record file for a session name.
func sessionPath(ws *workspace.Workspace, name string) string {
	return filepath.Join(ws.PeasantsDir(), name+".json")
}

// loadSession reads one session record by name.
func loadSession(ws *workspace.Workspace, name string) (*Session, error) {
	var s Session
	if err := fstore.ReadJSON(sessionPath(ws, name), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// saveSession writes a session record atomically.
func saveSession(ws *workspace.Workspace, s *Session) error {
	return fstore.WriteJSON(sessionPath(ws, s.Name), s)
}

// removeSession deletes a session record.
func removeSession(ws *workspace.Workspace, name string) error {
	err := os.Remove(sessionPath(ws, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// listSessions returns every recorded session, sorted by name.
func listSessions(ws *workspace.Workspace) ([]*Session, error) {
	entries, err := os.ReadDir(ws.PeasantsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := loadSession(ws, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// pidStartTime asks ps for the process start time, "" when the process
// is gone or ps is unavailable.
func pidStartTime(pid int) string {
	out, err := exec.Command("ps", "-o", "lstart=", "-p", fmt.Sprint(pid)).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Alive probes the session's process. Signal 0 checks existence; the
// recorded start time guards against the pid having been recycled by an
// unrelated process.
func (s *Session) Alive() bool {
	if s.PID <= 0 {
		return false
	}
	if err := syscall.Kill(s.PID, 0); err != nil {
		return false
	}
	if s.PIDStart == "" {
		return true
	}
	current := pidStartTime(s.PID)
	return current == "" || current == s.PIDStart
}
