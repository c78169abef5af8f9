package council

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"github.com/kingdom-dev/kingdom/internal/thread"
)

// ResponseState classifies one member's standing against the latest
// king message.
type ResponseState string

const (
	StatePending ResponseState = "pending"
	StateOK      ResponseState = "ok"
	StateError   ResponseState = "error"
	StateEmpty   ResponseState = "empty"
)

// MemberStatus is one member's row in a status or watch report.
type MemberStatus struct {
	Name  string
	State ResponseState
	// Preview is accumulated stream text for pending members, or the
	// final body once the response message exists.
	Preview string
}

// Status classifies each expected responder of the latest king message.
func (c *Council) Status(threadID string) ([]MemberStatus, error) {
	kingMsg, err := c.threads.LatestKingAsk(threadID)
	if err != nil {
		return nil, err
	}
	if kingMsg == nil {
		return nil, nil
	}
	expected := thread.ExpectedResponders(kingMsg, c.Members())
	responses, err := c.threads.ResponsesAfter(threadID, kingMsg.Sequence)
	if err != nil {
		return nil, err
	}
	out := make([]MemberStatus, 0, len(expected))
	for _, name := range expected {
		st := MemberStatus{Name: name, State: StatePending}
		if resp, ok := responses[name]; ok {
			st.Preview = resp.Body
			switch {
			case resp.IsError():
				st.State = StateError
			case resp.IsEmpty():
				st.State = StateEmpty
			default:
				st.State = StateOK
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// watchInterval is the polling cadence for watch.
const watchInterval = 250 * time.Millisecond

// streamTail tracks one member's progress through its stream file.
type streamTail struct {
	offset  int64
	preview strings.Builder
}

// Watch polls the thread until every expected responder has replied to
// the latest king message or the timeout expires. onUpdate receives the
// current per-member view on every poll tick; pending members carry a
// preview assembled from their stream files. A stream file shrinking
// below the tracked offset resets that member's tail to zero.
func (c *Council) Watch(ctx context.Context, threadID string, timeout time.Duration, onUpdate func([]MemberStatus)) error {
	deadline := time.Now().Add(timeout)
	tails := make(map[string]*streamTail)

	for {
		statuses, err := c.Status(threadID)
		if err != nil {
			return err
		}

		done := len(statuses) > 0
		for i := range statuses {
			st := &statuses[i]
			if st.State != StatePending {
				delete(tails, st.Name)
				continue
			}
			done = false
			tail := tails[st.Name]
			if tail == nil {
				tail = &streamTail{}
				tails[st.Name] = tail
			}
			c.pollStream(threadID, st.Name, tail)
			st.Preview = tail.preview.String()
		}
		if onUpdate != nil {
			onUpdate(statuses)
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(watchInterval):
		}
	}
}

// pollStream reads newly appended stream lines for one member,
// resetting on truncation.
func (c *Council) pollStream(threadID, member string, tail *streamTail) {
	path := c.threads.StreamPath(threadID, member)
	m := c.member(member)

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() < tail.offset {
		tail.offset = 0
		tail.preview.Reset()
	}
	if info.Size() == tail.offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(tail.offset, 0); err != nil {
		return
	}
	buf := make([]byte, info.Size()-tail.offset)
	n, _ := f.Read(buf)
	buf = buf[:n]

	// Only consume complete lines; a partial trailing line waits for the
	// next poll.
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return
	}
	for _, line := range bytes.Split(buf[:last], []byte{'\n'}) {
		if len(line) == 0 || m == nil {
			continue
		}
		if text := m.Adapter.ExtractStreamText(line); text != "" {
			tail.preview.WriteString(text)
		}
	}
	tail.offset += int64(last + 1)
}
