package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const claudePreamble = "You are a read-only advisor on a development council. " +
	"Answer from your own analysis of the repository; do not modify files."

// claudeAdapter drives the Claude Code CLI.
type claudeAdapter struct {
	cli string
}

func newClaude(cli string) *claudeAdapter {
	if cli == "" {
		cli = "claude"
	}
	return &claudeAdapter{cli: cli}
}

func (a *claudeAdapter) Name() string     { return "claude" }
func (a *claudeAdapter) Preamble() string { return claudePreamble }

func (a *claudeAdapter) NestedSessionMarkers() []string {
	return []string{"CLAUDE_CODE_ENTRYPOINT"}
}

func (a *claudeAdapter) BuildCommand(req CommandRequest) []string {
	argv := []string{a.cli, "-p", req.Prompt, "--dangerously-skip-permissions"}
	system := a.Preamble()
	if req.ExtraPrompt != "" {
		system += "\n\n" + req.ExtraPrompt
	}
	argv = append(argv, "--append-system-prompt", system)
	if req.SessionID != "" {
		argv = append(argv, "--resume", req.SessionID)
	}
	if req.Streaming {
		argv = append(argv, "--output-format", "stream-json", "--verbose")
	} else {
		argv = append(argv, "--output-format", "json")
	}
	return argv
}

// claudeEvent covers both the NDJSON event stream and the single-blob
// result form; unused fields stay zero.
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (a *claudeAdapter) ParseResponse(out []byte) (*Response, error) {
	resp := &Response{}
	var text strings.Builder
	sawEvent := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev claudeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Partial or garbled event; skip rather than failing the
			// whole parse.
			continue
		}
		sawEvent = true
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					text.WriteString(block.Text)
				}
			}
		case "result":
			if ev.SessionID != "" {
				resp.SessionID = ev.SessionID
			}
			if ev.IsError {
				resp.ErrKind = KindNonZeroExit
				resp.ErrDetail = firstLine(ev.Result)
				return resp, nil
			}
			if ev.Result != "" {
				resp.Text = ev.Result
			}
		case "system":
			if ev.SessionID != "" {
				resp.SessionID = ev.SessionID
			}
		}
	}
	if !sawEvent {
		return nil, fmt.Errorf("no parseable events in claude output")
	}
	if resp.Text == "" {
		resp.Text = text.String()
	}
	return resp, nil
}

func (a *claudeAdapter) ExtractStreamText(line []byte) string {
	var ev claudeEvent
	if err := json.Unmarshal(bytes.TrimSpace(line), &ev); err != nil {
		return ""
	}
	if ev.Type != "assistant" {
		return ""
	}
	var sb strings.Builder
	for _, block := range ev.Message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// firstLine truncates multi-line detail for sentinel bodies.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
