package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// QueryOptions configures one logical query, including its retry budget.
type QueryOptions struct {
	Prompt      string
	ExtraPrompt string
	Timeout     time.Duration
	SessionID   string
	// StreamPath, when set, receives every stdout line as it arrives.
	// The file is unlinked before each attempt so consumers observe a
	// clean truncation boundary on retry.
	StreamPath string
	MaxRetries int
	// OnStart receives the subprocess pid once per attempt, letting the
	// caller arrange cancellation by signal.
	OnStart func(pid int)
}

// Query runs the adapter's subprocess with the shared retry policy:
// retriable kinds (Timeout, NonZeroExit, Parse) are reattempted up to
// MaxRetries; the first retry reuses the session id and later retries
// clear it for a fresh backend session. Timeouts are retried at most once,
// since a fresh session only adds context-rebuilding latency.
func Query(ctx context.Context, a Adapter, opts QueryOptions) *Response {
	sessionID := opts.SessionID
	retries := 0
	for {
		resp := runOnce(ctx, a, opts, sessionID)
		if !resp.Failed() {
			return resp
		}
		if !resp.Retriable() || retries >= opts.MaxRetries {
			return resp
		}
		if resp.ErrKind == KindTimeout && retries >= 1 {
			return resp
		}
		retries++
		if retries >= 2 {
			sessionID = ""
		}
	}
}

// runOnce executes a single attempt.
func runOnce(ctx context.Context, a Adapter, opts QueryOptions, sessionID string) *Response {
	argv := a.BuildCommand(CommandRequest{
		Prompt:      opts.Prompt,
		SessionID:   sessionID,
		Streaming:   opts.StreamPath != "",
		ExtraPrompt: opts.ExtraPrompt,
	})

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Env = SanitizedEnv(a.NestedSessionMarkers())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Response{ErrKind: KindNonZeroExit, ErrDetail: err.Error()}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &Response{ErrKind: KindCommandNotFound, ErrDetail: argv[0]}
		}
		return &Response{ErrKind: KindNonZeroExit, ErrDetail: err.Error()}
	}
	if opts.OnStart != nil {
		opts.OnStart(cmd.Process.Pid)
	}

	var stream *os.File
	if opts.StreamPath != "" {
		// Unlink first: a shrink below the consumer's tracked offset is
		// its signal to reset and reread.
		_ = os.Remove(opts.StreamPath)
		stream, err = os.OpenFile(opts.StreamPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			stream = nil
		} else {
			defer stream.Close()
		}
	}

	var captured bytes.Buffer
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		captured.Write(line)
		captured.WriteByte('\n')
		if stream != nil {
			_, _ = stream.Write(line)
			_, _ = stream.Write([]byte{'\n'})
			_ = stream.Sync()
		}
	}

	waitErr := cmd.Wait()
	if cctx.Err() == context.DeadlineExceeded {
		return &Response{
			ErrKind:   KindTimeout,
			ErrDetail: fmt.Sprintf("after %ds", int(timeout.Seconds())),
		}
	}
	if waitErr != nil {
		detail := firstLine(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return &Response{ErrKind: KindNonZeroExit, ErrDetail: detail}
	}

	resp, err := a.ParseResponse(captured.Bytes())
	if err != nil {
		return &Response{ErrKind: KindParse, ErrDetail: firstLine(err.Error())}
	}
	return resp
}
