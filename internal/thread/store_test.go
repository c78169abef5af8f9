package thread

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kingdom-dev/kingdom/internal/kderr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestAppendAssignsDenseSequences(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("council-ab12", []string{"alice", "bob"}, "council"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	names := []string{}
	for _, from := range []string{King, "alice", "bob"} {
		name, err := s.Append("council-ab12", Message{From: from, To: ToAll, Body: "hi"})
		if err != nil {
			t.Fatalf("Append(%s): %v", from, err)
		}
		names = append(names, name)
	}
	want := []string{"0001-king.md", "0002-alice.md", "0003-bob.md"}
	for i, name := range names {
		if name != want[i] {
			t.Errorf("filename[%d] = %s, want %s", i, name, want[i])
		}
	}

	msgs, err := s.List("council-ab12")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("sequence[%d] = %d", i, m.Sequence)
		}
	}
}

func TestAppendToMissingThread(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append("nope", Message{From: King, To: ToAll, Body: "x"})
	if !errors.Is(err, kderr.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestAppendExplicitSequenceConflict(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("council-ab12", nil, "council"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("council-ab12", Message{From: King, To: ToAll, Body: "a"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Append("council-ab12", Message{From: King, To: ToAll, Body: "b", Sequence: 1})
	if !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("want ErrConflict, got %v", err)
	}
}

func TestListRejectsDuplicateSequences(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("council-ab12", nil, "council"); err != nil {
		t.Fatal(err)
	}
	dir := s.Dir("council-ab12")
	body := "---\nfrom: alice\nto: king\ntimestamp: 2026-01-01T00:00:00Z\nsequence: 1\n---\nhi\n"
	for _, name := range []string{"0001-alice.md", "0001-bob.md"} {
		text := body
		if name == "0001-bob.md" {
			text = "---\nfrom: bob\nto: king\ntimestamp: 2026-01-01T00:00:00Z\nsequence: 1\n---\nhi\n"
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.List("council-ab12"); !errors.Is(err, kderr.ErrConflict) {
		t.Errorf("want ErrConflict, got %v", err)
	}
}

func TestErrorAndEmptyClassification(t *testing.T) {
	tests := []struct {
		name      string
		msg       Message
		wantError bool
		wantEmpty bool
	}{
		{"error field", Message{Error: true, Body: "boom"}, true, false},
		{"error sentinel only", Message{Body: "*Error: Timeout: after 300s*"}, true, false},
		{"empty sentinel", Message{Body: EmptySentinel("alice")}, false, true},
		{"normal", Message{Body: "looks good"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsError(); got != tt.wantError {
				t.Errorf("IsError = %v", got)
			}
			if got := tt.msg.IsEmpty(); got != tt.wantEmpty {
				t.Errorf("IsEmpty = %v", got)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("0a1b-work", nil, "work"); err != nil {
		t.Fatal(err)
	}
	name, err := s.Append("0a1b-work", Message{
		From: "assistant", To: King, Completed: true, Body: "done\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := s.List("0a1b-work")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m := msgs[0]
	if m.Filename != name || m.From != "assistant" || !m.Completed || m.Body != "done\n" {
		t.Errorf("round trip mismatch: %+v", m)
	}
	if m.Timestamp.IsZero() {
		t.Error("timestamp not persisted")
	}
}

func TestResponsesAfterAndExpectedResponders(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("council-ab12", []string{"alice", "bob"}, "council"); err != nil {
		t.Fatal(err)
	}
	appendMsg := func(from, to, body string) {
		t.Helper()
		if _, err := s.Append("council-ab12", Message{From: from, To: to, Body: body}); err != nil {
			t.Fatal(err)
		}
	}
	appendMsg(King, ToAll, "round one")
	appendMsg("alice", King, "a1")
	appendMsg("bob", King, "b1")
	appendMsg(King, "alice,bob", "round two")
	appendMsg("alice", King, "a2")

	kingMsg, err := s.LatestKingAsk("council-ab12")
	if err != nil {
		t.Fatal(err)
	}
	if kingMsg.Body != "round two" {
		t.Errorf("latest king ask = %q", kingMsg.Body)
	}

	expected := ExpectedResponders(kingMsg, []string{"alice", "bob"})
	if len(expected) != 2 {
		t.Errorf("expected = %v", expected)
	}

	responses, err := s.ResponsesAfter("council-ab12", kingMsg.Sequence)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses["alice"] == nil || responses["alice"].Body != "a2" {
		t.Errorf("responses = %+v", responses)
	}
}
