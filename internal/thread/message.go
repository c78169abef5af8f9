// Package thread implements the append-only, sequence-ordered message
// stores that back council conversations and peasant work logs.
//
// A thread is a directory holding thread.json plus one markdown file per
// message, named NNNN-<from>.md with a dense, strictly increasing 4-digit
// sequence. Messages are immutable once written.
package thread

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kingdom-dev/kingdom/internal/frontmatter"
)

// King is the sender name used for operator messages.
const King = "king"

// ToAll is the recipient sentinel expanding to every council member.
const ToAll = "all"

// Message is one thread envelope.
type Message struct {
	From      string
	To        string
	Timestamp time.Time
	Sequence  int
	// Error marks a persisted failure response. The body also carries the
	// sentinel form; consumers prefer this field and fall back to the
	// sentinel prefix for files written before the field existed.
	Error     bool
	Completed bool
	Body      string
	Filename  string
}

// errorSentinelPrefix is the load-bearing marker on failure bodies.
const errorSentinelPrefix = "*Error: "

// EmptySentinel renders the body persisted for an empty member response.
func EmptySentinel(member string) string {
	return fmt.Sprintf("*Empty response from %s*", member)
}

// IsError reports whether the message records a failed response.
func (m *Message) IsError() bool {
	return m.Error || strings.HasPrefix(strings.TrimSpace(m.Body), errorSentinelPrefix)
}

// IsEmpty reports whether the message records an empty response.
func (m *Message) IsEmpty() bool {
	return strings.HasPrefix(strings.TrimSpace(m.Body), "*Empty response")
}

// filename returns NNNN-<from>.md for the message.
func (m *Message) filename() string {
	return fmt.Sprintf("%04d-%s.md", m.Sequence, m.From)
}

// render serializes the message with its frontmatter header.
func (m *Message) render() string {
	doc := frontmatter.New()
	doc.Set("from", m.From)
	doc.Set("to", m.To)
	doc.Set("timestamp", m.Timestamp.UTC().Format(time.RFC3339))
	doc.Set("sequence", m.Sequence)
	if m.Error {
		doc.Set("error", true)
	}
	if m.Completed {
		doc.Set("completed", true)
	}
	doc.Body = m.Body
	if !strings.HasSuffix(doc.Body, "\n") {
		doc.Body += "\n"
	}
	return doc.Emit()
}

var messageFileRe = regexp.MustCompile(`^([0-9]{4})-(.+)\.md$`)

// parseMessage reads a message from its serialized form.
func parseMessage(filename, text string) (*Message, error) {
	match := messageFileRe.FindStringSubmatch(filename)
	if match == nil {
		return nil, fmt.Errorf("not a message filename: %s", filename)
	}
	seq, err := strconv.Atoi(match[1])
	if err != nil {
		return nil, err
	}
	doc, err := frontmatter.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}
	msg := &Message{
		From:      doc.String("from"),
		To:        doc.String("to"),
		Sequence:  doc.Int("sequence", seq),
		Error:     doc.Bool("error"),
		Completed: doc.Bool("completed"),
		Body:      strings.TrimPrefix(doc.Body, "\n"),
		Filename:  filename,
	}
	if ts, err := time.Parse(time.RFC3339, doc.String("timestamp")); err == nil {
		msg.Timestamp = ts
	}
	if msg.Sequence != seq {
		return nil, fmt.Errorf("%s: sequence field %d disagrees with filename", filename, msg.Sequence)
	}
	return msg, nil
}
