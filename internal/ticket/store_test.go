package ticket

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

func newTestStore(t *testing.T) (*workspace.Workspace, *Store) {
	t.Helper()
	ws := &workspace.Workspace{Root: t.TempDir()}
	for _, dir := range []string{ws.BacklogTicketsDir(), ws.BranchesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return ws, NewStore(ws)
}

func addBranch(t *testing.T, ws *workspace.Workspace, name, status string) {
	t.Helper()
	dir := ws.BranchDir(name)
	if err := os.MkdirAll(filepath.Join(dir, "tickets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fstore.WriteJSON(filepath.Join(dir, "state.json"),
		map[string]string{"name": name, "status": status}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateMintsValidID(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "feature-x", "active")

	tk, err := s.Create(CreateOptions{Title: "Do the thing", Branch: "feature-x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !IDRe.MatchString(tk.ID) {
		t.Errorf("id %q does not match %s", tk.ID, IDRe)
	}
	if filepath.Base(tk.Path) != tk.ID+".md" {
		t.Errorf("filename %s does not match id", tk.Path)
	}
	loaded, err := s.Find(tk.ID, false)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if loaded.Title() != "Do the thing" {
		t.Errorf("title = %q", loaded.Title())
	}
	if loaded.Status != StatusOpen || loaded.Type != "task" || loaded.Priority != 2 {
		t.Errorf("defaults wrong: %+v", loaded)
	}
}

func TestCreateValidation(t *testing.T) {
	_, s := newTestStore(t)
	tests := []struct {
		name string
		opts CreateOptions
	}{
		{"empty title", CreateOptions{}},
		{"bad type", CreateOptions{Title: "x", Type: "epic"}},
		{"bad priority", CreateOptions{Title: "x", Priority: 5}},
		{"missing dep", CreateOptions{Title: "x", Deps: []string{"ffff"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Create(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCreateResolvesDepPrefixes(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "f", "a9f3", StatusOpen, nil)

	tk, err := s.Create(CreateOptions{Title: "Downstream", Branch: "f", Deps: []string{"a9"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(tk.Deps) != 1 || tk.Deps[0] != "a9f3" {
		t.Fatalf("deps = %v, want the resolved full id", tk.Deps)
	}

	dep, err := s.Find("a9f3", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(dep, StatusClosed); err != nil {
		t.Fatal(err)
	}
	blocked, err := s.Blocked(tk)
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("ticket still blocked after its only dep closed")
	}
}

func seedTicket(t *testing.T, ws *workspace.Workspace, branchName, id, status string, deps []string) {
	t.Helper()
	dir := ws.BacklogTicketsDir()
	if branchName != "" {
		dir = filepath.Join(ws.BranchDir(branchName), "tickets")
	}
	tk := &Ticket{
		ID: id, Status: status, Type: "task", Priority: 2, Deps: deps,
		Body: "# Ticket " + id + "\n",
	}
	if err := fstore.WriteText(filepath.Join(dir, id+".md"), tk.render()); err != nil {
		t.Fatal(err)
	}
}

func TestFindPrefix(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	addBranch(t, ws, "old", "done")
	seedTicket(t, ws, "f", "a1b2", StatusOpen, nil)
	seedTicket(t, ws, "f", "a1c3", StatusOpen, nil)
	seedTicket(t, ws, "", "d4e5", StatusOpen, nil)
	seedTicket(t, ws, "old", "f6a7", StatusOpen, nil)

	if tk, err := s.Find("a1b", false); err != nil || tk.ID != "a1b2" {
		t.Errorf("Find(a1b) = %v, %v", tk, err)
	}
	if tk, err := s.Find("d4", false); err != nil || tk.Branch != "" {
		t.Errorf("backlog Find = %v, %v", tk, err)
	}

	_, err := s.Find("a1", false)
	var amb *kderr.AmbiguousError
	if !errors.As(err, &amb) || len(amb.Candidates) != 2 {
		t.Errorf("want AmbiguousError with 2 candidates, got %v", err)
	}

	if _, err := s.Find("f6", false); !errors.Is(err, kderr.ErrNotFound) {
		t.Errorf("done-branch ticket should be hidden by default, got %v", err)
	}
	if tk, err := s.Find("f6", true); err != nil || tk.ID != "f6a7" {
		t.Errorf("includeDone Find = %v, %v", tk, err)
	}
}

func TestAddDepAppends(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "f", "aaaa", StatusOpen, nil)
	seedTicket(t, ws, "f", "bbbb", StatusOpen, nil)
	seedTicket(t, ws, "f", "cccc", StatusOpen, nil)

	tk, err := s.Find("aaaa", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddDep(tk, "bbbb"); err != nil {
		t.Fatalf("AddDep bbbb: %v", err)
	}
	if err := s.AddDep(tk, "cccc"); err != nil {
		t.Fatalf("AddDep cccc: %v", err)
	}

	reloaded, err := s.Find("aaaa", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Deps) != 2 || reloaded.Deps[0] != "bbbb" || reloaded.Deps[1] != "cccc" {
		t.Errorf("deps = %v, second add must preserve the first", reloaded.Deps)
	}

	if err := s.AddDep(reloaded, "bbbb"); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("duplicate dep: want ErrConflict, got %v", err)
	}
	if err := s.AddDep(reloaded, "aaaa"); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("self dep: want ErrConflict, got %v", err)
	}
}

func TestAddDepRefusesCycle(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "f", "aaaa", StatusOpen, []string{"bbbb"})
	seedTicket(t, ws, "f", "bbbb", StatusOpen, nil)

	tk, err := s.Find("bbbb", false)
	if err != nil {
		t.Fatal(err)
	}
	err = s.AddDep(tk, "aaaa")
	if !errors.Is(err, kderr.ErrCycle) {
		t.Errorf("want ErrCycle, got %v", err)
	}
	reloaded, _ := s.Find("bbbb", false)
	if len(reloaded.Deps) != 0 {
		t.Errorf("refused dep must not be persisted, got %v", reloaded.Deps)
	}
}

func TestCycleThroughClosedIsPermitted(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "f", "aaaa", StatusOpen, []string{"bbbb"})
	seedTicket(t, ws, "f", "bbbb", StatusClosed, []string{"aaaa"})

	if err := s.CycleCheck("f"); err != nil {
		t.Errorf("cycle through a closed ticket should pass, got %v", err)
	}
}

func TestCycleCheckReportsPath(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "f", "aaaa", StatusOpen, []string{"bbbb"})
	seedTicket(t, ws, "f", "bbbb", StatusOpen, []string{"cccc"})
	seedTicket(t, ws, "f", "cccc", StatusOpen, []string{"aaaa"})

	err := s.CycleCheck("f")
	var cyc *kderr.CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("want CycleError, got %v", err)
	}
	if len(cyc.Path) < 3 {
		t.Errorf("cycle path too short: %v", cyc.Path)
	}
}

func TestReady(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "f", "aaaa", StatusOpen, nil)
	seedTicket(t, ws, "f", "bbbb", StatusOpen, []string{"aaaa"})

	ready, err := s.Ready("f")
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != "aaaa" {
		t.Errorf("ready = %v", ids(ready))
	}

	tk, _ := s.Find("aaaa", false)
	if err := s.SetStatus(tk, StatusClosed); err != nil {
		t.Fatal(err)
	}
	ready, err = s.Ready("f")
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != "bbbb" {
		t.Errorf("ready after close = %v", ids(ready))
	}
}

func ids(tickets []*Ticket) []string {
	out := make([]string, len(tickets))
	for i, t := range tickets {
		out[i] = t.ID
	}
	return out
}

func TestMovePreservesID(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "", "aaaa", StatusOpen, nil)

	tk, err := s.Find("aaaa", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Move(tk, "f"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	moved, err := s.Find("aaaa", false)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Branch != "f" || moved.ID != "aaaa" {
		t.Errorf("moved = %+v", moved)
	}
	if fstore.Exists(filepath.Join(ws.BacklogTicketsDir(), "aaaa.md")) {
		t.Error("old file still present")
	}
}

func TestWorklogAppend(t *testing.T) {
	ws, s := newTestStore(t)
	addBranch(t, ws, "f", "active")
	seedTicket(t, ws, "f", "aaaa", StatusOpen, nil)

	tk, _ := s.Find("aaaa", false)
	if err := s.AppendWorklog(tk, "first entry"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendWorklog(tk, "second entry"); err != nil {
		t.Fatal(err)
	}
	reloaded, _ := s.Find("aaaa", false)
	if strings.Count(reloaded.Body, "## Worklog") != 1 {
		t.Errorf("worklog section duplicated:\n%s", reloaded.Body)
	}
	if !strings.Contains(reloaded.Body, "first entry") || !strings.Contains(reloaded.Body, "second entry") {
		t.Errorf("entries missing:\n%s", reloaded.Body)
	}
}
