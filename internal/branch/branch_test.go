package branch

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "feature-x", "feature-x"},
		{"uppercase", "Feature X", "feature-x"},
		{"accents", "café-Ünïcode", "cafe-unicode"},
		{"folded letters", "Страница", "" /* cyrillic drops entirely */},
		{"eszett", "straße", "strasse"},
		{"punctuation runs", "fix!!bug??now", "fix-bug-now"},
		{"edge dashes", "--hello--", "hello"},
		{"numbers", "v2.0 rollout", "v2-0-rollout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.want == "" {
				if !errors.Is(err, kderr.ErrInvalidConfig) {
					t.Errorf("want ErrInvalidConfig, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeEmptyResult(t *testing.T) {
	for _, in := range []string{"", "---", "!!!", "   "} {
		if _, err := Normalize(in); !errors.Is(err, kderr.ErrInvalidConfig) {
			t.Errorf("Normalize(%q): want ErrInvalidConfig, got %v", in, err)
		}
	}
}

func snapshot(t *testing.T, root string) map[string]bool {
	t.Helper()
	out := make(map[string]bool)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		out[path] = info.IsDir()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestInitIdempotent(t *testing.T) {
	root := t.TempDir()
	if _, err := Init(root); err != nil {
		t.Fatalf("Init: %v", err)
	}
	first := snapshot(t, root)
	if _, err := Init(root); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if !reflect.DeepEqual(first, snapshot(t, root)) {
		t.Error("second init changed the tree")
	}
}

func initWorkspace(t *testing.T) (*workspace.Workspace, *Manager) {
	t.Helper()
	ws, err := Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return ws, NewManager(ws)
}

func TestStartCreatesLayoutAndPointer(t *testing.T) {
	_, mgr := initWorkspace(t)
	b, err := mgr.Start("Feature X")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if b.Normalized != "feature-x" {
		t.Errorf("normalized = %q", b.Normalized)
	}
	for _, sub := range []string{"tickets", "threads", "worktrees", "sessions"} {
		if info, err := os.Stat(filepath.Join(b.Dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("missing branch subdir %s", sub)
		}
	}
	cur, err := mgr.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Normalized != "feature-x" {
		t.Errorf("current = %q", cur.Normalized)
	}
}

func TestStartIdempotent(t *testing.T) {
	ws, mgr := initWorkspace(t)
	if _, err := mgr.Start("feature-x"); err != nil {
		t.Fatal(err)
	}
	first := snapshot(t, ws.Root)
	if _, err := mgr.Start("feature-x"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !reflect.DeepEqual(first, snapshot(t, ws.Root)) {
		t.Error("second start changed the tree")
	}
}

func TestDoneRefusesOpenTickets(t *testing.T) {
	ws, mgr := initWorkspace(t)
	b, err := mgr.Start("feature-x")
	if err != nil {
		t.Fatal(err)
	}
	store := ticket.NewStore(ws)
	if _, err := store.Create(ticket.CreateOptions{Title: "open work", Branch: b.Normalized}); err != nil {
		t.Fatal(err)
	}

	err = mgr.Done(b, store, false)
	if !errors.Is(err, kderr.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	reloaded, err := mgr.Load(b.Normalized)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.State.Status != StatusActive {
		t.Error("refused done must not mutate state")
	}

	if err := mgr.Done(b, store, true); err != nil {
		t.Fatalf("Done --force: %v", err)
	}
	reloaded, _ = mgr.Load(b.Normalized)
	if reloaded.State.Status != StatusDone || reloaded.State.DoneAt == nil {
		t.Errorf("state after done = %+v", reloaded.State)
	}
}

func TestDoneTwiceErrors(t *testing.T) {
	ws, mgr := initWorkspace(t)
	b, err := mgr.Start("feature-x")
	if err != nil {
		t.Fatal(err)
	}
	store := ticket.NewStore(ws)
	if err := mgr.Done(b, store, false); err != nil {
		t.Fatalf("first Done: %v", err)
	}
	b, err = mgr.Load("feature-x")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Done(b, store, false); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("second Done: want ErrConflict, got %v", err)
	}
}

func TestListFiltersDone(t *testing.T) {
	ws, mgr := initWorkspace(t)
	if _, err := mgr.Start("alpha"); err != nil {
		t.Fatal(err)
	}
	b, err := mgr.Start("beta")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Done(b, ticket.NewStore(ws), false); err != nil {
		t.Fatal(err)
	}

	visible, err := mgr.List(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].Normalized != "alpha" {
		t.Errorf("visible = %+v", visible)
	}
	all, err := mgr.List(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d branches", len(all))
	}
}

func TestDoneBranchRefusesRestart(t *testing.T) {
	ws, mgr := initWorkspace(t)
	b, err := mgr.Start("feature-x")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Done(b, ticket.NewStore(ws), false); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Start("feature-x"); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("restarting a done branch: want ErrConflict, got %v", err)
	}
}
