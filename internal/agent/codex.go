package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

const codexPreamble = "You are a read-only advisor on a development council. " +
	"Answer from your own analysis of the repository; do not modify files."

// codexAdapter drives the OpenAI Codex CLI. Codex always emits NDJSON in
// exec mode; resume is a subcommand rather than a flag.
type codexAdapter struct {
	cli string
}

func newCodex(cli string) *codexAdapter {
	if cli == "" {
		cli = "codex"
	}
	return &codexAdapter{cli: cli}
}

func (a *codexAdapter) Name() string     { return "codex" }
func (a *codexAdapter) Preamble() string { return codexPreamble }

func (a *codexAdapter) NestedSessionMarkers() []string {
	return []string{"CODEX_SANDBOX"}
}

func (a *codexAdapter) BuildCommand(req CommandRequest) []string {
	argv := []string{a.cli, "exec"}
	if req.SessionID != "" {
		argv = append(argv, "resume", req.SessionID)
	}
	argv = append(argv, "--json", "--skip-git-repo-check")
	prompt := req.Prompt
	system := a.Preamble()
	if req.ExtraPrompt != "" {
		system += "\n\n" + req.ExtraPrompt
	}
	// Codex has no separate system-prompt flag in exec mode; the framing
	// travels ahead of the prompt body.
	argv = append(argv, system+"\n\n"+prompt)
	return argv
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

func (a *codexAdapter) ParseResponse(out []byte) (*Response, error) {
	resp := &Response{}
	sawEvent := false
	lastText := ""

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		sawEvent = true
		switch ev.Type {
		case "thread.started":
			resp.SessionID = ev.ThreadID
		case "item.completed":
			if ev.Item.Type == "agent_message" && ev.Item.Text != "" {
				lastText = ev.Item.Text
			}
		case "error":
			resp.ErrKind = KindNonZeroExit
			resp.ErrDetail = firstLine(ev.Message)
			return resp, nil
		}
	}
	if !sawEvent {
		return nil, fmt.Errorf("no parseable events in codex output")
	}
	resp.Text = lastText
	return resp, nil
}

func (a *codexAdapter) ExtractStreamText(line []byte) string {
	var ev codexEvent
	if err := json.Unmarshal(bytes.TrimSpace(line), &ev); err != nil {
		return ""
	}
	if ev.Type == "item.completed" && ev.Item.Type == "agent_message" {
		return ev.Item.Text
	}
	return ""
}
