// Package kderr defines the error kinds shared across Kingdom components.
//
// Kinds, not types: most call sites wrap one of the sentinel errors with
// fmt.Errorf("...: %w", ...) and callers branch with errors.Is. The few
// errors that carry structured payloads (ambiguous prefixes, dependency
// cycles) get their own types and unwrap to the matching sentinel.
package kderr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound covers missing tickets, threads, messages, and branches.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when a short-id prefix matches several tickets.
	ErrAmbiguous = errors.New("ambiguous")
	// ErrConflict covers hand-mode arbitration and migration collisions.
	ErrConflict = errors.New("conflict")
	// ErrCycle is returned when the open-ticket dependency graph has a cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrTimeout is a subprocess exceeding its wall-time budget.
	ErrTimeout = errors.New("timeout")
	// ErrNonZeroExit is a subprocess exiting with a failure status.
	ErrNonZeroExit = errors.New("non-zero exit")
	// ErrParse is unparseable subprocess output or a corrupt state file.
	ErrParse = errors.New("parse error")
	// ErrCommandNotFound is a missing backend binary. Never retried.
	ErrCommandNotFound = errors.New("command not found")
	// ErrInvalidConfig covers config validation and bad operator input.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrIO is any other filesystem failure.
	ErrIO = errors.New("io error")
)

// AmbiguousError reports a short-id prefix that matched multiple tickets.
type AmbiguousError struct {
	Prefix     string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ticket id %q is ambiguous: matches %s",
		e.Prefix, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// CycleError reports a dependency cycle through open tickets.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }
