// Package ticket implements the markdown-backed unit-of-work store: CRUD,
// dependency graph queries, short-id resolution, and legacy-id migration.
package ticket

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kingdom-dev/kingdom/internal/frontmatter"
	"github.com/kingdom-dev/kingdom/internal/kderr"
)

// Status values.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// Type values.
var Types = []string{"task", "bug", "feature", "chore"}

// IDRe is the canonical ticket id shape: 4 lowercase hex characters.
var IDRe = regexp.MustCompile(`^[0-9a-f]{4}$`)

// Ticket is one unit of work.
type Ticket struct {
	ID       string
	Status   string
	Type     string
	Priority int
	Deps     []string
	Links    []string
	Assignee string
	Created  time.Time

	// Body is the markdown below the frontmatter: title heading,
	// description, acceptance criteria, optional worklog.
	Body string

	// Path is the file the ticket was loaded from; Branch is the
	// normalized branch name, or "" for backlog.
	Path   string
	Branch string
}

// Title returns the first level-one heading of the body.
func (t *Ticket) Title() string {
	for _, line := range strings.Split(t.Body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// HasDep reports whether dep is already listed.
func (t *Ticket) HasDep(dep string) bool {
	for _, d := range t.Deps {
		if d == dep {
			return true
		}
	}
	return false
}

// render serializes the ticket file.
func (t *Ticket) render() string {
	doc := frontmatter.New()
	doc.Set("id", t.ID)
	doc.Set("status", t.Status)
	doc.Set("deps", append([]string{}, t.Deps...))
	if len(t.Links) > 0 {
		doc.Set("links", append([]string{}, t.Links...))
	}
	doc.Set("created", t.Created.UTC().Format(time.RFC3339))
	doc.Set("type", t.Type)
	doc.Set("priority", t.Priority)
	if t.Assignee != "" {
		doc.Set("assignee", t.Assignee)
	}
	body := t.Body
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	doc.Body = body
	return doc.Emit()
}

// parse reads a ticket from its serialized form.
func parse(text string) (*Ticket, error) {
	doc, err := frontmatter.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, kderr.ErrParse)
	}
	t := &Ticket{
		ID:       doc.String("id"),
		Status:   doc.String("status"),
		Type:     doc.String("type"),
		Priority: doc.Int("priority", 2),
		Deps:     doc.List("deps"),
		Links:    doc.List("links"),
		Assignee: doc.String("assignee"),
		Body:     strings.TrimPrefix(doc.Body, "\n"),
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.Type == "" {
		t.Type = "task"
	}
	if ts, err := time.Parse(time.RFC3339, doc.String("created")); err == nil {
		t.Created = ts
	}
	if t.ID == "" {
		return nil, fmt.Errorf("ticket missing id: %w", kderr.ErrParse)
	}
	return t, nil
}

// NewBody builds the canonical body for a fresh ticket.
func NewBody(title, description string) string {
	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if description != "" {
		sb.WriteString("\n")
		sb.WriteString(description)
		if !strings.HasSuffix(description, "\n") {
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n## Acceptance criteria\n\n- [ ] \n")
	return sb.String()
}
