package peasant

import (
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

func testManager(t *testing.T) (*workspace.Workspace, *branch.Branch, *Manager) {
	t.Helper()
	ws, err := branch.Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := branch.NewManager(ws).Start("feature-x")
	if err != nil {
		t.Fatal(err)
	}
	return ws, b, NewManager(ws, b)
}

func TestSessionRoundTrip(t *testing.T) {
	ws, _, _ := testManager(t)
	s := &Session{
		Name:      "a1b2",
		TicketID:  "a1b2",
		Agent:     "claude",
		PID:       4242,
		PIDStart:  "Mon Aug 24 10:00:00 2026",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := saveSession(ws, s); err != nil {
		t.Fatalf("saveSession: %v", err)
	}
	got, err := loadSession(ws, "a1b2")
	if err != nil {
		t.Fatalf("loadSession: %v", err)
	}
	if got.PID != 4242 || got.PIDStart != s.PIDStart || !got.StartedAt.Equal(s.StartedAt) {
		t.Errorf("got %+v", got)
	}

	if err := removeSession(ws, "a1b2"); err != nil {
		t.Fatalf("removeSession: %v", err)
	}
	if err := removeSession(ws, "a1b2"); err != nil {
		t.Errorf("removing an absent session must be a no-op, got %v", err)
	}
}

func TestListSessionsSortedAndFiltered(t *testing.T) {
	ws, _, _ := testManager(t)
	for _, name := range []string{"zz99", "a1b2", "hand-c3d4"} {
		if err := saveSession(ws, &Session{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(ws.PeasantsDir()+"/notes.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sessions, err := listSessions(ws)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range sessions {
		names = append(names, s.Name)
	}
	want := []string{"a1b2", "hand-c3d4", "zz99"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestIsHand(t *testing.T) {
	if !(&Session{Name: "hand-a1b2"}).IsHand() {
		t.Error("hand- prefix must be a hand session")
	}
	if (&Session{Name: "a1b2"}).IsHand() {
		t.Error("plain name must not be a hand session")
	}
}

// spawnDead runs a short-lived child and reaps it, returning a pid that
// no longer refers to a live process.
func spawnDead(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	return cmd.Process.Pid
}

func TestAliveDeadPID(t *testing.T) {
	// Spawn and reap a real child so the pid is known dead.
	s := &Session{PID: spawnDead(t)}
	if s.Alive() {
		t.Error("reaped child must not be alive")
	}
	if (&Session{PID: 0}).Alive() {
		t.Error("zero pid must not be alive")
	}
	if (&Session{PID: -1}).Alive() {
		t.Error("negative pid must not be alive")
	}
}

func TestAlivePIDReuse(t *testing.T) {
	// Our own pid is alive, but a mismatched recorded start time means
	// the recorded process is gone and the pid was recycled.
	self := os.Getpid()
	if !(&Session{PID: self}).Alive() {
		t.Fatal("own pid with no recorded start must be alive")
	}
	stale := &Session{PID: self, PIDStart: "Thu Jan  1 00:00:00 1970"}
	if current := pidStartTime(self); current != "" && stale.Alive() {
		t.Error("mismatched start time must mean pid reuse")
	}
}

func TestResolveForWorkClosedTicket(t *testing.T) {
	ws, b, mgr := testManager(t)
	store := ticket.NewStore(ws)
	tk, err := store.Create(ticket.CreateOptions{Title: "done already", Branch: b.Normalized})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetStatus(tk, ticket.StatusClosed); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.ResolveForWork(tk.ID, false); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("closed ticket: want ErrConflict, got %v", err)
	}
}

func TestResolveForWorkBacklog(t *testing.T) {
	ws, b, mgr := testManager(t)
	store := ticket.NewStore(ws)
	tk, err := store.Create(ticket.CreateOptions{Title: "backlog item"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.ResolveForWork(tk.ID, false); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("backlog without pull: want ErrConflict, got %v", err)
	}

	pulled, err := mgr.ResolveForWork(tk.ID, true)
	if err != nil {
		t.Fatalf("backlog with pull: %v", err)
	}
	if pulled.Branch != b.Normalized {
		t.Errorf("branch = %q, want %q", pulled.Branch, b.Normalized)
	}
}

func TestResolveForWorkOtherBranch(t *testing.T) {
	ws, _, mgr := testManager(t)
	if _, err := branch.NewManager(ws).Start("other"); err != nil {
		t.Fatal(err)
	}
	store := ticket.NewStore(ws)
	tk, err := store.Create(ticket.CreateOptions{Title: "elsewhere", Branch: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.ResolveForWork(tk.ID, true); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("other-branch ticket: want ErrConflict, got %v", err)
	}
}

func TestWorkerArgvForwardsOptions(t *testing.T) {
	argv := workerArgv("a1b2", "/tmp/wt", "codex", 5)
	want := []string{"work", "a1b2", "--dir", "/tmp/wt", "--agent", "codex", "--max-iterations", "5"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}

	bare := workerArgv("a1b2", "/tmp/wt", "", 0)
	if len(bare) != 4 {
		t.Errorf("defaults must not be forced onto the child: %v", bare)
	}
}

func TestTicketBranchNaming(t *testing.T) {
	_, _, mgr := testManager(t)
	if got := mgr.ticketBranch("a1b2"); got != "feature-x-a1b2" {
		t.Errorf("ticketBranch = %q", got)
	}
}
