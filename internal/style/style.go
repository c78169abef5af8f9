// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Bold is for headers and emphasis.
	Bold = lipgloss.NewStyle().Bold(true)
	// Dim is for secondary detail.
	Dim = lipgloss.NewStyle().Faint(true)
	// Success renders confirmation glyphs and text.
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	// Warning renders cautionary text.
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	// Error renders failure text.
	Error = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	// Accent highlights identifiers (ticket ids, member names).
	Accent = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// PrintSuccess prints a check-marked line to stdout.
func PrintSuccess(format string, args ...any) {
	fmt.Printf("%s %s\n", Success.Render("✓"), fmt.Sprintf(format, args...))
}

// PrintWarning prints a warning line to stderr.
func PrintWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", Warning.Render("⚠"), fmt.Sprintf(format, args...))
}

// PrintError prints an error line to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", Error.Render("✗"), fmt.Sprintf(format, args...))
}

// StatusGlyph maps a ticket or member status to a styled one-rune marker.
func StatusGlyph(status string) string {
	switch status {
	case "open", "pending":
		return Dim.Render("○")
	case "in_progress", "running":
		return Warning.Render("◐")
	case "closed", "ok", "done":
		return Success.Render("●")
	case "error":
		return Error.Render("✗")
	default:
		return Dim.Render("?")
	}
}
