// Package council fans operator prompts out to the configured advisor
// members, persisting every exchange as thread messages and resuming
// backend sessions across turns.
package council

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingdom-dev/kingdom/internal/agent"
	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/config"
	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/git"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/thread"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// Session is the per-member resume record stored under sessions/.
type Session struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is one resolved council member: config plus a live adapter.
type Member struct {
	Name    string
	Backend string
	Adapter agent.Adapter
	Prompts map[string]string
}

// Council coordinates the member set of one branch.
type Council struct {
	ws      *workspace.Workspace
	branch  *branch.Branch
	cfg     *config.Config
	members []*Member
	threads *thread.Store
	git     *git.Git
}

// New resolves the configured members into adapters. A config naming an
// unknown backend fails here, before any thread state is touched.
func New(ws *workspace.Workspace, b *branch.Branch, cfg *config.Config) (*Council, error) {
	if len(cfg.Council.Members) == 0 {
		return nil, fmt.Errorf("no council members configured: %w", kderr.ErrInvalidConfig)
	}
	c := &Council{
		ws:      ws,
		branch:  b,
		cfg:     cfg,
		threads: thread.NewStore(b.Dir),
		git:     git.New(ws.Root),
	}
	for _, mc := range cfg.Council.Members {
		cli := ""
		prompts := make(map[string]string)
		if ac, ok := cfg.Agents[mc.Backend]; ok {
			cli = ac.CLI
			for phase, p := range ac.Prompts {
				prompts[phase] = p
			}
		}
		// Member-level prompts override backend-level ones.
		for phase, p := range mc.Prompts {
			prompts[phase] = p
		}
		adapter, err := agent.New(mc.Backend, cli)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", mc.Name, err)
		}
		c.members = append(c.members, &Member{
			Name:    mc.Name,
			Backend: mc.Backend,
			Adapter: adapter,
			Prompts: prompts,
		})
	}
	return c, nil
}

// Members returns the member names in configured order.
func (c *Council) Members() []string {
	names := make([]string, len(c.members))
	for i, m := range c.members {
		names[i] = m.Name
	}
	return names
}

// Threads exposes the branch's thread store.
func (c *Council) Threads() *thread.Store {
	return c.threads
}

func (c *Council) member(name string) *Member {
	for _, m := range c.members {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// sessionPath returns the session file for one member.
func (c *Council) sessionPath(member string) string {
	return filepath.Join(c.branch.Dir, "sessions", member+".json")
}

// loadSession reads a member's session record, empty when absent.
func (c *Council) loadSession(member string) Session {
	var s Session
	_ = fstore.ReadJSON(c.sessionPath(member), &s)
	return s
}

// saveSession replaces a member's session record.
func (c *Council) saveSession(member string, s Session) error {
	s.UpdatedAt = time.Now().UTC()
	return fstore.WriteJSON(c.sessionPath(member), s)
}

// Reset deletes session files for the given members, or all of them when
// names is empty. Threads are untouched.
func (c *Council) Reset(names []string) error {
	if len(names) == 0 {
		names = c.Members()
	}
	for _, name := range names {
		if c.member(name) == nil {
			return fmt.Errorf("unknown council member %q: %w", name, kderr.ErrNotFound)
		}
		if err := os.Remove(c.sessionPath(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("resetting session for %s: %w", name, err)
		}
	}
	return nil
}

// AskOptions configures one ask round.
type AskOptions struct {
	Prompt string
	// To addresses a subset of members; empty or "all" means everyone.
	// Prompt mentions override it.
	To string
	// ThreadID reuses an existing thread. Empty resolves the most recent
	// council thread, or mints one.
	ThreadID  string
	NewThread bool
	// Phase selects the per-member phase prompt ("ask" by default).
	Phase string
}

// Ask appends a king message and fans the prompt out to the target
// members in parallel, appending each response as it lands. It returns
// the thread id once every member has finished or exhausted retries.
func (c *Council) Ask(ctx context.Context, opts AskOptions) (string, error) {
	targets, err := ResolveTargets(opts.Prompt, opts.To, c.Members())
	if err != nil {
		return "", err
	}

	threadID, err := c.resolveThread(opts.ThreadID, opts.NewThread)
	if err != nil {
		return "", err
	}

	to := thread.ToAll
	if len(targets) < len(c.members) {
		to = strings.Join(targets, ",")
	}
	if _, err := c.threads.Append(threadID, thread.Message{
		From: thread.King,
		To:   to,
		Body: opts.Prompt,
	}); err != nil {
		return "", err
	}

	phase := opts.Phase
	if phase == "" {
		phase = "ask"
	}

	if c.cfg.Council.Chat.Mode == "sequential" {
		if prior, err := c.hasMemberResponses(threadID); err == nil && prior {
			err := c.sequentialTurns(ctx, threadID, opts.Prompt, phase, targets)
			if err != nil {
				return threadID, err
			}
			return threadID, c.autoCommit(threadID, opts.Prompt)
		}
	}

	var wg sync.WaitGroup
	for _, name := range targets {
		m := c.member(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.queryToThread(ctx, threadID, m, opts.Prompt, phase)
		}()
	}
	wg.Wait()

	return threadID, c.autoCommit(threadID, opts.Prompt)
}

// resolveThread returns the thread to use for an ask, minting a fresh
// council thread when asked to or when none exists yet.
func (c *Council) resolveThread(threadID string, fresh bool) (string, error) {
	if threadID != "" {
		if !c.threads.Exists(threadID) {
			return "", fmt.Errorf("thread %s: %w", threadID, kderr.ErrNotFound)
		}
		return threadID, nil
	}
	if !fresh {
		ids, err := c.threads.ListThreads()
		if err != nil {
			return "", err
		}
		for i := len(ids) - 1; i >= 0; i-- {
			if strings.HasPrefix(ids[i], "council-") {
				return ids[i], nil
			}
		}
	}
	id, err := thread.MintCouncilID()
	if err != nil {
		return "", err
	}
	return id, c.threads.Create(id, c.Members(), "council")
}

// hasMemberResponses reports whether any non-king message exists.
func (c *Council) hasMemberResponses(threadID string) (bool, error) {
	msgs, err := c.threads.List(threadID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.From != thread.King {
			return true, nil
		}
	}
	return false, nil
}

// sequentialTurns spends the auto-message budget cycling through the
// target members one at a time.
func (c *Council) sequentialTurns(ctx context.Context, threadID, prompt, phase string, targets []string) error {
	budget := c.cfg.AutoMessages()
	for i := 0; i < budget; i++ {
		m := c.member(targets[i%len(targets)])
		c.queryToThread(ctx, threadID, m, prompt, phase)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// queryToThread runs one member's query and appends the outcome. The
// response message is written whether the query succeeded or not; the
// stream file is removed once the final message exists.
func (c *Council) queryToThread(ctx context.Context, threadID string, m *Member, prompt, phase string) {
	sess := c.loadSession(m.Name)
	streamPath := c.threads.StreamPath(threadID, m.Name)

	resp := agent.Query(ctx, m.Adapter, agent.QueryOptions{
		Prompt:      prompt,
		ExtraPrompt: m.Prompts[phase],
		Timeout:     time.Duration(c.cfg.Council.Timeout) * time.Second,
		SessionID:   sess.SessionID,
		StreamPath:  streamPath,
		MaxRetries:  1,
		OnStart: func(pid int) {
			sess.PID = pid
			_ = c.saveSession(m.Name, sess)
		},
	})

	msg := thread.Message{From: m.Name, To: thread.King}
	switch {
	case resp.Failed():
		msg.Error = true
		msg.Body = resp.Sentinel()
	case strings.TrimSpace(resp.Text) == "":
		msg.Body = thread.EmptySentinel(m.Name)
	default:
		msg.Body = resp.Text
	}
	_, _ = c.threads.Append(threadID, msg)
	_ = os.Remove(streamPath)

	if resp.SessionID != "" {
		sess.SessionID = resp.SessionID
		_ = c.saveSession(m.Name, sess)
	}
}

// autoCommit stages and commits the thread directory when enabled and
// anything under it changed.
func (c *Council) autoCommit(threadID, prompt string) error {
	if !c.cfg.AutoCommit() || !git.Available() || !c.git.IsRepo() {
		return nil
	}
	rel, err := filepath.Rel(c.ws.Root, c.threads.Dir(threadID))
	if err != nil {
		return nil
	}
	changed, err := c.git.HasChangesUnder(rel)
	if err != nil || !changed {
		return err
	}
	if err := c.git.Add(rel); err != nil {
		return err
	}
	return c.git.Commit("council: " + truncate(prompt, 60))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Retry reissues the last king prompt to every expected responder whose
// latest reply is absent or an error sentinel. Session ids are reused.
func (c *Council) Retry(ctx context.Context, threadID string) ([]string, error) {
	kingMsg, err := c.threads.LatestKingAsk(threadID)
	if err != nil {
		return nil, err
	}
	if kingMsg == nil {
		return nil, fmt.Errorf("thread %s has no king message: %w", threadID, kderr.ErrNotFound)
	}
	expected := thread.ExpectedResponders(kingMsg, c.Members())
	responses, err := c.threads.ResponsesAfter(threadID, kingMsg.Sequence)
	if err != nil {
		return nil, err
	}

	var retrying []string
	for _, name := range expected {
		resp, ok := responses[name]
		if !ok || resp.IsError() {
			if c.member(name) == nil {
				return nil, fmt.Errorf("expected responder %q is not a configured member: %w",
					name, kderr.ErrNotFound)
			}
			retrying = append(retrying, name)
		}
	}
	if len(retrying) == 0 {
		return nil, nil
	}

	var wg sync.WaitGroup
	for _, name := range retrying {
		m := c.member(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.queryToThread(ctx, threadID, m, kingMsg.Body, "ask")
		}()
	}
	wg.Wait()
	return retrying, c.autoCommit(threadID, kingMsg.Body)
}
