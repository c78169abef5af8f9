// Package agent drives external AI coding-agent CLIs as subprocesses.
//
// Each supported backend gets one Adapter that knows how to build the
// command line, parse the completed output, and pull human-readable text
// out of individual streaming events. Everything above the adapter (env
// sanitization, stream teeing, timeouts, retry policy) is shared in Query.
package agent

import (
	"fmt"

	"github.com/kingdom-dev/kingdom/internal/kderr"
)

// Error kinds recorded on a Response. These are serialized into thread
// message sentinels, so the literals are load-bearing.
const (
	KindTimeout         = "Timeout"
	KindNonZeroExit     = "NonZeroExit"
	KindParse           = "Parse"
	KindCommandNotFound = "CommandNotFound"
)

// CommandRequest carries everything an adapter needs to build an argv.
type CommandRequest struct {
	Prompt string
	// SessionID, when set, asks the backend to resume a prior session.
	SessionID string
	// Streaming selects NDJSON event output instead of a single JSON blob.
	Streaming bool
	// ExtraPrompt is an additive per-phase instruction appended to the
	// adapter's preamble.
	ExtraPrompt string
}

// Response is the outcome of one completed (or failed) query.
type Response struct {
	Text      string
	SessionID string
	// ErrKind is empty on success, otherwise one of the Kind constants.
	ErrKind   string
	ErrDetail string
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool { return r.ErrKind != "" }

// Sentinel renders the canonical error marker body for thread messages.
func (r *Response) Sentinel() string {
	return fmt.Sprintf("*Error: %s: %s*", r.ErrKind, r.ErrDetail)
}

// Retriable reports whether the error kind is worth another attempt.
// Missing binaries never recover on retry.
func (r *Response) Retriable() bool {
	switch r.ErrKind {
	case KindTimeout, KindNonZeroExit, KindParse:
		return true
	}
	return false
}

// Adapter is the per-backend strategy: command building, final-output
// parsing, and stream-event text extraction.
type Adapter interface {
	// Name is the backend key ("claude", "codex", "cursor").
	Name() string
	// Preamble is the system-level advisor framing prepended to queries.
	Preamble() string
	// NestedSessionMarkers lists env vars that would make the backend
	// refuse to start inside one of its own sessions.
	NestedSessionMarkers() []string
	// BuildCommand produces the subprocess argv.
	BuildCommand(req CommandRequest) []string
	// ParseResponse parses the completed subprocess stdout.
	ParseResponse(out []byte) (*Response, error)
	// ExtractStreamText returns the displayable text of one NDJSON line,
	// or "" when the event carries none.
	ExtractStreamText(line []byte) string
}

// New constructs the adapter for a backend name. cli overrides the binary
// to invoke; empty means the backend default.
func New(backend, cli string) (Adapter, error) {
	switch backend {
	case "claude":
		return newClaude(cli), nil
	case "codex":
		return newCodex(cli), nil
	case "cursor":
		return newCursor(cli), nil
	}
	return nil, fmt.Errorf("unknown agent backend %q: %w", backend, kderr.ErrInvalidConfig)
}

// Backends lists the supported backend names.
func Backends() []string {
	return []string{"claude", "codex", "cursor"}
}

// DefaultCLI returns the binary a backend execs when no cli override is
// configured. Most backends ship a binary named after themselves; cursor
// ships "cursor-agent".
func DefaultCLI(backend string) string {
	if backend == "cursor" {
		return "cursor-agent"
	}
	return backend
}
