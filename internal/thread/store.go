package thread

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/lock"
)

// Meta is the thread.json metadata record.
type Meta struct {
	Members   []string  `json:"members"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages the threads of one branch directory.
type Store struct {
	branchDir string
}

// NewStore creates a Store rooted at a branch directory.
func NewStore(branchDir string) *Store {
	return &Store{branchDir: branchDir}
}

// ThreadsDir returns the directory holding all threads.
func (s *Store) ThreadsDir() string {
	return filepath.Join(s.branchDir, "threads")
}

// Dir returns the directory of one thread.
func (s *Store) Dir(threadID string) string {
	return filepath.Join(s.ThreadsDir(), threadID)
}

// StreamPath returns the transient NDJSON tail file for a member.
func (s *Store) StreamPath(threadID, member string) string {
	return filepath.Join(s.Dir(threadID), ".stream-"+member+".jsonl")
}

// lockPath returns the per-thread lock file serializing appends.
func (s *Store) lockPath(threadID string) string {
	return filepath.Join(s.Dir(threadID), ".lock")
}

// MintCouncilID generates a council thread id of the form council-<4hex>.
func MintCouncilID() (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("minting thread id: %w", err)
	}
	return "council-" + hex.EncodeToString(b[:]), nil
}

// WorkThreadID returns the work-thread id for a ticket.
func WorkThreadID(ticketID string) string {
	return ticketID + "-work"
}

// Exists reports whether the thread directory exists.
func (s *Store) Exists(threadID string) bool {
	return fstore.Exists(filepath.Join(s.Dir(threadID), "thread.json"))
}

// Create makes the thread directory and writes its metadata.
func (s *Store) Create(threadID string, members []string, kind string) error {
	dir := s.Dir(threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating thread dir: %w", err)
	}
	meta := Meta{
		Members:   append([]string(nil), members...),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	return fstore.WriteJSON(filepath.Join(dir, "thread.json"), meta)
}

// Meta reads the thread metadata.
func (s *Store) Meta(threadID string) (*Meta, error) {
	var meta Meta
	if err := fstore.ReadJSON(filepath.Join(s.Dir(threadID), "thread.json"), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// NextSequence scans the existing message files and returns max+1 (1 for
// an empty thread). The caller must hold the per-thread lock; Append does
// this internally.
func (s *Store) NextSequence(threadID string) (int, error) {
	entries, err := os.ReadDir(s.Dir(threadID))
	if err != nil {
		return 0, fmt.Errorf("thread %s: %w", threadID, kderr.ErrNotFound)
	}
	max := 0
	for _, entry := range entries {
		match := messageFileRe.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		var seq int
		fmt.Sscanf(match[1], "%d", &seq)
		if seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

// Append writes a message atomically, assigning the next sequence number
// under the thread lock when msg.Sequence is zero. Returns the filename.
func (s *Store) Append(threadID string, msg Message) (string, error) {
	if !s.Exists(threadID) {
		return "", fmt.Errorf("thread %s: %w", threadID, kderr.ErrNotFound)
	}
	release, err := lock.Acquire(s.lockPath(threadID))
	if err != nil {
		return "", err
	}
	defer release()

	if msg.Sequence == 0 {
		seq, err := s.NextSequence(threadID)
		if err != nil {
			return "", err
		}
		msg.Sequence = seq
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	name := msg.filename()
	path := filepath.Join(s.Dir(threadID), name)
	if fstore.Exists(path) {
		return "", fmt.Errorf("message %s already exists: %w", name, kderr.ErrConflict)
	}
	if err := fstore.WriteText(path, msg.render()); err != nil {
		return "", err
	}
	return name, nil
}

// List returns the thread's messages ordered by sequence. Duplicate
// sequence numbers are a corruption and reported as an error.
func (s *Store) List(threadID string) ([]*Message, error) {
	dir := s.Dir(threadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, kderr.ErrNotFound)
	}
	var msgs []*Message
	for _, entry := range entries {
		if entry.IsDir() || !messageFileRe.MatchString(entry.Name()) {
			continue
		}
		text, err := fstore.ReadText(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		msg, err := parseMessage(entry.Name(), text)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Sequence == msgs[i-1].Sequence {
			return nil, fmt.Errorf("thread %s: duplicate sequence %d: %w",
				threadID, msgs[i].Sequence, kderr.ErrConflict)
		}
	}
	return msgs, nil
}

// ListThreads returns the ids of all threads in the branch, sorted.
func (s *Store) ListThreads() ([]string, error) {
	entries, err := os.ReadDir(s.ThreadsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestKingAsk returns the most recent king message, or nil when the
// thread has none.
func (s *Store) LatestKingAsk(threadID string) (*Message, error) {
	msgs, err := s.List(threadID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].From == King {
			return msgs[i], nil
		}
	}
	return nil, nil
}

// ResponsesAfter returns the latest message per member with a sequence
// greater than seq.
func (s *Store) ResponsesAfter(threadID string, seq int) (map[string]*Message, error) {
	msgs, err := s.List(threadID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Message)
	for _, m := range msgs {
		if m.Sequence > seq && m.From != King {
			out[m.From] = m
		}
	}
	return out, nil
}

// ExpectedResponders parses a king message's to field into member names.
func ExpectedResponders(kingMsg *Message, allMembers []string) []string {
	to := strings.TrimSpace(kingMsg.To)
	if to == "" || to == ToAll {
		return append([]string(nil), allMembers...)
	}
	var out []string
	for _, name := range strings.Split(to, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
