package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/kingdom-dev/kingdom/internal/agent"
	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/thread"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// loopAdapter replays canned responses; the argv is a cheap no-op
// subprocess so Query has something real to run.
type loopAdapter struct {
	responses []*agent.Response
	attempt   int
	prompts   []string
}

func (a *loopAdapter) Name() string                   { return "loop" }
func (a *loopAdapter) Preamble() string               { return "" }
func (a *loopAdapter) NestedSessionMarkers() []string { return nil }

func (a *loopAdapter) BuildCommand(req agent.CommandRequest) []string {
	a.prompts = append(a.prompts, req.Prompt)
	return []string{"true"}
}

func (a *loopAdapter) ParseResponse(out []byte) (*agent.Response, error) {
	r := a.responses[a.attempt]
	if a.attempt < len(a.responses)-1 {
		a.attempt++
	}
	return r, nil
}

func (a *loopAdapter) ExtractStreamText(line []byte) string { return "" }

func setupLoop(t *testing.T, adapter agent.Adapter, maxIter int) (*workspace.Workspace, *branch.Branch, *Loop, *ticket.Ticket) {
	t.Helper()
	ws, err := branch.Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := branch.NewManager(ws).Start("feature-x")
	if err != nil {
		t.Fatal(err)
	}
	if err := fstore.WriteText(branch.DesignPath(b), "# Design\n\nKeep it simple.\n"); err != nil {
		t.Fatal(err)
	}
	tk, err := ticket.NewStore(ws).Create(ticket.CreateOptions{
		Title: "Wire the widget", Branch: b.Normalized,
	})
	if err != nil {
		t.Fatal(err)
	}
	loop := New(ws, b, Options{Adapter: adapter, MaxIter: maxIter})
	return ws, b, loop, tk
}

func TestRunCompletesAndClosesTicket(t *testing.T) {
	adapter := &loopAdapter{responses: []*agent.Response{
		{Text: "did some work, more to do"},
		{Text: "all criteria met\nCOMPLETE"},
	}}
	ws, b, loop, tk := setupLoop(t, adapter, 5)

	if err := loop.Run(context.Background(), tk.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	closed, err := ticket.NewStore(ws).Find(tk.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != ticket.StatusClosed {
		t.Errorf("status = %s, want closed", closed.Status)
	}

	msgs, err := thread.NewStore(b.Dir).List(thread.WorkThreadID(tk.ID))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if !msgs[1].Completed {
		t.Error("final message not marked completed")
	}

	if len(adapter.prompts) == 0 || !strings.Contains(adapter.prompts[0], "Keep it simple.") {
		t.Error("prompt missing design content")
	}
	if !strings.Contains(adapter.prompts[0], "Wire the widget") {
		t.Error("prompt missing ticket body")
	}
}

func TestRunExhaustsBudget(t *testing.T) {
	adapter := &loopAdapter{responses: []*agent.Response{
		{Text: "still going"},
	}}
	ws, _, loop, tk := setupLoop(t, adapter, 2)

	if err := loop.Run(context.Background(), tk.ID); err == nil {
		t.Fatal("exhausted budget must return an error")
	}
	open, err := ticket.NewStore(ws).Find(tk.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if open.Status == ticket.StatusClosed {
		t.Error("ticket must stay open when blocked")
	}
	if len(adapter.prompts) != 2 {
		t.Errorf("iterations = %d, want 2", len(adapter.prompts))
	}
}

func TestRunPicksUpKingMessages(t *testing.T) {
	adapter := &loopAdapter{responses: []*agent.Response{
		{Text: "noted\nCOMPLETE"},
	}}
	_, b, loop, tk := setupLoop(t, adapter, 3)

	threads := thread.NewStore(b.Dir)
	threadID := thread.WorkThreadID(tk.ID)
	if err := threads.Create(threadID, nil, "work"); err != nil {
		t.Fatal(err)
	}
	if _, err := threads.Append(threadID, thread.Message{
		From: thread.King, To: "assistant", Body: tk.Body,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := threads.Append(threadID, thread.Message{
		From: thread.King, To: "assistant", Body: "also update the changelog",
	}); err != nil {
		t.Fatal(err)
	}

	if err := loop.Run(context.Background(), tk.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(adapter.prompts[0], "also update the changelog") {
		t.Error("king message missing from prompt")
	}
	if strings.Count(adapter.prompts[0], "Wire the widget") != 1 {
		t.Error("seeded ticket body must not repeat as an instruction")
	}
}

func TestRunSurfacesFirstKingMessageWithoutSeed(t *testing.T) {
	adapter := &loopAdapter{responses: []*agent.Response{
		{Text: "noted\nCOMPLETE"},
	}}
	_, b, loop, tk := setupLoop(t, adapter, 3)

	// A thread whose first message is a real instruction, not the
	// ticket-body seed a spawn path would have written.
	threads := thread.NewStore(b.Dir)
	threadID := thread.WorkThreadID(tk.ID)
	if err := threads.Create(threadID, nil, "work"); err != nil {
		t.Fatal(err)
	}
	if _, err := threads.Append(threadID, thread.Message{
		From: thread.King, To: "assistant", Body: "hold off on the API changes",
	}); err != nil {
		t.Fatal(err)
	}

	if err := loop.Run(context.Background(), tk.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(adapter.prompts[0], "hold off on the API changes") {
		t.Error("first king message missing from prompt")
	}
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"own line", "done\nCOMPLETE\n", true},
		{"with spaces", "  COMPLETE  ", true},
		{"embedded word", "the task is COMPLETE now", false},
		{"absent", "still working", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isComplete(tt.text); got != tt.want {
				t.Errorf("isComplete(%q) = %v", tt.text, got)
			}
		})
	}
}

func TestWorklogTail(t *testing.T) {
	body := "# T\n\n## Worklog\n\n- one\n- two\n- three\n- four\n"
	got := worklogTail(body, 2)
	if got != "- three\n- four" {
		t.Errorf("tail = %q", got)
	}
	if worklogTail("# T\nno log\n", 2) != "" {
		t.Error("missing section should be empty")
	}
}
