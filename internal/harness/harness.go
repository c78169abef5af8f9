// Package harness runs the bounded agent loop for one ticket: build a
// prompt, invoke the backend once, record the outcome, repeat until the
// agent declares completion or the iteration budget runs out.
package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingdom-dev/kingdom/internal/agent"
	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/thread"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// DefaultMaxIterations bounds the loop.
const DefaultMaxIterations = 10

// completeSentinel is the standalone line the agent emits when the
// ticket's acceptance criteria are met.
const completeSentinel = "COMPLETE"

// assistantName is the From field of loop-written messages.
const assistantName = "assistant"

// Options configures one loop run.
type Options struct {
	Adapter agent.Adapter
	// ExtraPrompt is the work-phase instruction for the backend.
	ExtraPrompt string
	Timeout     time.Duration
	MaxIter     int
	// OnIteration, when set, observes each iteration's response text.
	OnIteration func(iter int, text string)
}

// Loop drives one ticket to completion.
type Loop struct {
	ws      *workspace.Workspace
	branch  *branch.Branch
	tickets *ticket.Store
	threads *thread.Store
	opts    Options
}

// New creates a Loop for the branch.
func New(ws *workspace.Workspace, b *branch.Branch, opts Options) *Loop {
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultMaxIterations
	}
	return &Loop{
		ws:      ws,
		branch:  b,
		tickets: ticket.NewStore(ws),
		threads: thread.NewStore(b.Dir),
		opts:    opts,
	}
}

// Run iterates on the ticket until the completion sentinel appears or
// the budget is exhausted. Exhaustion is an error so the spawning
// process exits nonzero and the operator sees the ticket as blocked.
func (l *Loop) Run(ctx context.Context, ticketID string) error {
	t, err := l.tickets.Find(ticketID, false)
	if err != nil {
		return err
	}
	if t.Status == ticket.StatusClosed {
		return fmt.Errorf("ticket %s is already closed: %w", t.ID, kderr.ErrConflict)
	}

	threadID := thread.WorkThreadID(t.ID)
	if !l.threads.Exists(threadID) {
		if err := l.threads.Create(threadID, nil, "work"); err != nil {
			return err
		}
	}

	lastSeen, err := l.promptBaseline(threadID, t.Body)
	if err != nil {
		return err
	}

	sessionID := ""
	for iter := 1; iter <= l.opts.MaxIter; iter++ {
		prompt, newLast, err := l.buildPrompt(t, threadID, lastSeen, iter)
		if err != nil {
			return err
		}
		lastSeen = newLast

		// The loop is the retry layer; the adapter gets one shot.
		resp := agent.Query(ctx, l.opts.Adapter, agent.QueryOptions{
			Prompt:      prompt,
			ExtraPrompt: l.opts.ExtraPrompt,
			Timeout:     l.opts.Timeout,
			SessionID:   sessionID,
			MaxRetries:  0,
		})
		if resp.SessionID != "" {
			sessionID = resp.SessionID
		}

		if resp.Failed() {
			msg := thread.Message{From: assistantName, To: thread.King, Error: true, Body: resp.Sentinel()}
			if _, err := l.threads.Append(threadID, msg); err != nil {
				return err
			}
			_ = l.tickets.AppendWorklog(t, fmt.Sprintf("iteration %d failed: %s: %s", iter, resp.ErrKind, resp.ErrDetail))
			continue
		}

		if l.opts.OnIteration != nil {
			l.opts.OnIteration(iter, resp.Text)
		}

		if isComplete(resp.Text) {
			msg := thread.Message{From: assistantName, To: thread.King, Completed: true, Body: resp.Text}
			if _, err := l.threads.Append(threadID, msg); err != nil {
				return err
			}
			_ = l.tickets.AppendWorklog(t, fmt.Sprintf("completed after %d iteration(s)", iter))
			return l.tickets.SetStatus(t, ticket.StatusClosed)
		}

		msg := thread.Message{From: assistantName, To: thread.King, Body: resp.Text}
		name, err := l.threads.Append(threadID, msg)
		if err != nil {
			return err
		}
		lastSeen = sequenceOf(name, lastSeen)
	}

	_ = l.tickets.AppendWorklog(t, fmt.Sprintf("blocked after %d iterations", l.opts.MaxIter))
	return fmt.Errorf("ticket %s not complete after %d iterations: %w",
		t.ID, l.opts.MaxIter, kderr.ErrTimeout)
}

// promptBaseline returns the sequence below which king messages are
// considered already handled. A spawn path seeds message 0001 with the
// ticket body, which the prompt carries anyway; a king message at 0001
// with any other body is a real instruction and must be surfaced.
// Anything the king wrote after the last assistant reply still needs to
// be surfaced, even across a worker relaunch.
func (l *Loop) promptBaseline(threadID, seedBody string) (int, error) {
	msgs, err := l.threads.List(threadID)
	if err != nil {
		return 0, err
	}
	baseline := 0
	for _, m := range msgs {
		if m.Sequence == 1 && m.From == thread.King &&
			strings.TrimSpace(m.Body) == strings.TrimSpace(seedBody) {
			baseline = 1
		}
		if m.From == assistantName && m.Sequence > baseline {
			baseline = m.Sequence
		}
	}
	return baseline, nil
}

// sequenceOf parses the numeric prefix of an appended filename.
func sequenceOf(filename string, fallback int) int {
	var seq int
	if _, err := fmt.Sscanf(filename, "%04d-", &seq); err != nil {
		return fallback
	}
	return seq
}

// buildPrompt assembles the iteration prompt: design document, ticket
// body, worklog tail, and any king messages that arrived since the last
// iteration. Returns the new high-water sequence mark.
func (l *Loop) buildPrompt(t *ticket.Ticket, threadID string, lastSeen, iter int) (string, int, error) {
	var sb strings.Builder

	if design, err := fstore.ReadText(branch.DesignPath(l.branch)); err == nil {
		sb.WriteString("## Design\n\n")
		sb.WriteString(design)
		sb.WriteString("\n")
	}

	sb.WriteString("## Ticket ")
	sb.WriteString(t.ID)
	sb.WriteString("\n\n")
	sb.WriteString(t.Body)
	sb.WriteString("\n")

	if tail := worklogTail(t.Body, 5); tail != "" {
		sb.WriteString("## Recent worklog\n\n")
		sb.WriteString(tail)
		sb.WriteString("\n")
	}

	msgs, err := l.threads.List(threadID)
	if err != nil {
		return "", lastSeen, err
	}
	newLast := lastSeen
	var kingMsgs []*thread.Message
	for _, m := range msgs {
		if m.Sequence > newLast {
			newLast = m.Sequence
		}
		if m.Sequence > lastSeen && m.From == thread.King {
			kingMsgs = append(kingMsgs, m)
		}
	}
	if len(kingMsgs) > 0 {
		sb.WriteString("## New instructions\n\n")
		for _, m := range kingMsgs {
			sb.WriteString(m.Body)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString(fmt.Sprintf(
		"\nThis is iteration %d of at most %d. Work on the ticket in the current directory. "+
			"When every acceptance criterion is met, reply with the single word %s on its own line. "+
			"Otherwise describe what you did and what remains.\n",
		iter, l.opts.MaxIter, completeSentinel))
	return sb.String(), newLast, nil
}

// worklogTail returns the last n worklog entries of a ticket body.
func worklogTail(body string, n int) string {
	idx := strings.Index(body, "## Worklog")
	if idx < 0 {
		return ""
	}
	var entries []string
	for _, line := range strings.Split(body[idx:], "\n") {
		if strings.HasPrefix(line, "- ") {
			entries = append(entries, line)
		}
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return strings.Join(entries, "\n")
}

// isComplete scans for the completion sentinel on its own line.
func isComplete(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == completeSentinel {
			return true
		}
	}
	return false
}
