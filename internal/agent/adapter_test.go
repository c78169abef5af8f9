package agent

import (
	"strings"
	"testing"
)

func TestSanitizedEnv(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CLAUDE_CODE_ENTRYPOINT", "cli")
	t.Setenv("KD_KEEP_ME", "yes")

	env := SanitizedEnv([]string{"CLAUDE_CODE_ENTRYPOINT"})
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			t.Error("CLAUDECODE not stripped")
		}
		if strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			t.Error("adapter marker not stripped")
		}
	}
	found := false
	for _, kv := range env {
		if kv == "KD_KEEP_ME=yes" {
			found = true
		}
	}
	if !found {
		t.Error("unrelated vars must survive")
	}
}

func TestNewAdapter(t *testing.T) {
	for _, backend := range Backends() {
		a, err := New(backend, "")
		if err != nil {
			t.Errorf("New(%s): %v", backend, err)
			continue
		}
		if a.Name() != backend {
			t.Errorf("Name() = %s", a.Name())
		}
	}
	if _, err := New("gpt", ""); err == nil {
		t.Error("unknown backend must fail")
	}
}

func TestDefaultCLIMatchesAdapterBinary(t *testing.T) {
	tests := map[string]string{
		"claude": "claude",
		"codex":  "codex",
		"cursor": "cursor-agent",
	}
	for backend, want := range tests {
		if got := DefaultCLI(backend); got != want {
			t.Errorf("DefaultCLI(%s) = %q, want %q", backend, got, want)
		}
		a, err := New(backend, "")
		if err != nil {
			t.Fatal(err)
		}
		argv := a.BuildCommand(CommandRequest{Prompt: "hi"})
		if argv[0] != want {
			t.Errorf("%s adapter execs %q, DefaultCLI says %q", backend, argv[0], want)
		}
	}
}

func TestClaudeBuildCommand(t *testing.T) {
	a := newClaude("")
	argv := a.BuildCommand(CommandRequest{Prompt: "hi", SessionID: "s-1", Streaming: true})
	joined := strings.Join(argv, " ")
	if argv[0] != "claude" {
		t.Errorf("argv[0] = %s", argv[0])
	}
	for _, want := range []string{"-p hi", "--resume s-1", "--output-format stream-json", "--verbose"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %s", want, joined)
		}
	}

	argv = a.BuildCommand(CommandRequest{Prompt: "hi"})
	joined = strings.Join(argv, " ")
	if strings.Contains(joined, "--resume") {
		t.Error("no session id, no resume flag")
	}
	if !strings.Contains(joined, "--output-format json") {
		t.Errorf("blob mode missing: %s", joined)
	}
}

func TestClaudeParseResponse(t *testing.T) {
	a := newClaude("")
	out := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-42"}`,
		`not json at all`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part one "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part two"}]}}`,
		`{"type":"result","subtype":"success","result":"final answer","session_id":"sess-42"}`,
	}, "\n")

	resp, err := a.ParseResponse([]byte(out))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Failed() {
		t.Fatalf("unexpected error: %s", resp.Sentinel())
	}
	if resp.Text != "final answer" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.SessionID != "sess-42" {
		t.Errorf("session = %q", resp.SessionID)
	}
}

func TestClaudeParseResponseErrorResult(t *testing.T) {
	a := newClaude("")
	resp, err := a.ParseResponse([]byte(
		`{"type":"result","subtype":"error","result":"budget exceeded","is_error":true}`))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.ErrKind != KindNonZeroExit || resp.ErrDetail != "budget exceeded" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Sentinel() != "*Error: NonZeroExit: budget exceeded*" {
		t.Errorf("sentinel = %q", resp.Sentinel())
	}
}

func TestClaudeParseResponseGarbage(t *testing.T) {
	a := newClaude("")
	if _, err := a.ParseResponse([]byte("total nonsense\nmore nonsense")); err == nil {
		t.Error("all-garbage output must fail the parse")
	}
}

func TestClaudeExtractStreamText(t *testing.T) {
	a := newClaude("")
	if got := a.ExtractStreamText([]byte(
		`{"type":"assistant","message":{"content":[{"type":"text","text":"chunk"}]}}`)); got != "chunk" {
		t.Errorf("got %q", got)
	}
	if got := a.ExtractStreamText([]byte(`{"type":"result","result":"x"}`)); got != "" {
		t.Errorf("result events carry no stream text, got %q", got)
	}
	if got := a.ExtractStreamText([]byte("garbage")); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestCodexParseResponse(t *testing.T) {
	a := newCodex("")
	out := strings.Join([]string{
		`{"type":"thread.started","thread_id":"th-7"}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"first"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"second"}}`,
	}, "\n")
	resp, err := a.ParseResponse([]byte(out))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Text != "second" {
		t.Errorf("text = %q, want last agent message", resp.Text)
	}
	if resp.SessionID != "th-7" {
		t.Errorf("session = %q", resp.SessionID)
	}
}

func TestCodexBuildCommandResume(t *testing.T) {
	a := newCodex("")
	joined := strings.Join(a.BuildCommand(CommandRequest{Prompt: "p", SessionID: "th-7"}), " ")
	if !strings.Contains(joined, "exec resume th-7") {
		t.Errorf("resume form wrong: %s", joined)
	}
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		kind string
		want bool
	}{
		{KindTimeout, true},
		{KindNonZeroExit, true},
		{KindParse, true},
		{KindCommandNotFound, false},
		{"", false},
	}
	for _, tt := range tests {
		r := &Response{ErrKind: tt.kind}
		if r.Retriable() != tt.want {
			t.Errorf("Retriable(%s) = %v", tt.kind, r.Retriable())
		}
	}
}
