package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const cursorPreamble = "You are a read-only advisor on a development council. " +
	"Answer from your own analysis of the repository; do not modify files."

// cursorAdapter drives the Cursor Agent CLI.
type cursorAdapter struct {
	cli string
}

func newCursor(cli string) *cursorAdapter {
	if cli == "" {
		cli = DefaultCLI("cursor")
	}
	return &cursorAdapter{cli: cli}
}

func (a *cursorAdapter) Name() string     { return "cursor" }
func (a *cursorAdapter) Preamble() string { return cursorPreamble }

func (a *cursorAdapter) NestedSessionMarkers() []string {
	return []string{"CURSOR_AGENT"}
}

func (a *cursorAdapter) BuildCommand(req CommandRequest) []string {
	prompt := req.Prompt
	system := a.Preamble()
	if req.ExtraPrompt != "" {
		system += "\n\n" + req.ExtraPrompt
	}
	argv := []string{a.cli, "-p", system + "\n\n" + prompt, "-f"}
	if req.SessionID != "" {
		argv = append(argv, "--resume", req.SessionID)
	}
	if req.Streaming {
		argv = append(argv, "--output-format", "stream-json")
	} else {
		argv = append(argv, "--output-format", "json")
	}
	return argv
}

type cursorEvent struct {
	Type      string `json:"type"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (a *cursorAdapter) ParseResponse(out []byte) (*Response, error) {
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
		var ev cursorEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		sawEvent = true
		if sid := firstNonEmpty(ev.SessionID, ev.ChatID); sid != "" {
			resp.SessionID = sid
		}
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					text.WriteString(block.Text)
				}
			}
		case "result":
			if ev.IsError {
				resp.ErrKind = KindNonZeroExit
				resp.ErrDetail = firstLine(ev.Result)
				return resp, nil
			}
			if ev.Result != "" {
				resp.Text = ev.Result
			}
		}
	}
	if !sawEvent {
		return nil, fmt.Errorf("no parseable events in cursor output")
	}
	if resp.Text == "" {
		resp.Text = text.String()
	}
	return resp, nil
}

func (a *cursorAdapter) ExtractStreamText(line []byte) string {
	var ev cursorEvent
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
