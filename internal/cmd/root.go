// Package cmd implements the kd command-line interface.
package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/config"
	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

// Command groups for help output.
const (
	GroupWorkflow = "workflow"
	GroupCouncil  = "council"
	GroupWork     = "work"
)

var rootCmd = &cobra.Command{
	Use:   "kd",
	Short: "Kingdom - repository-local workflow engine for agent-driven development",
	Long: `Kingdom orchestrates AI coding agents through a branch workflow.

The operator (the King) starts a branch, consults a Council of advisor
agents on its design, breaks the work into tickets, and dispatches
Peasant workers to implement them. All state lives as plain files under
.kd/ at the repository root, so the workflow history travels with the
repo itself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupWorkflow, Title: "Branch workflow:"},
		&cobra.Group{ID: GroupCouncil, Title: "Council:"},
		&cobra.Group{ID: GroupWork, Title: "Tickets & workers:"},
	)
}

// Execute runs the root command and maps errors to an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		style.PrintError("%s", err)
		return 1
	}
	return 0
}

// requireWorkspace resolves the workspace from the current directory.
func requireWorkspace() (*workspace.Workspace, error) {
	return workspace.FindFromCwd()
}

// requireBranch resolves the workspace and its current branch.
func requireBranch() (*workspace.Workspace, *branch.Manager, *branch.Branch, error) {
	ws, err := requireWorkspace()
	if err != nil {
		return nil, nil, nil, err
	}
	mgr := branch.NewManager(ws)
	b, err := mgr.Current()
	if err != nil {
		return nil, nil, nil, err
	}
	return ws, mgr, b, nil
}

// loadConfig reads the merged project configuration.
func loadConfig(ws *workspace.Workspace) (*config.Config, error) {
	return config.Load(ws.ConfigPath())
}

// resolveTicket looks a ticket up by short id, rendering candidate lists
// for ambiguous prefixes.
func resolveTicket(store *ticket.Store, id string, includeDone bool) (*ticket.Ticket, error) {
	t, err := store.Find(id, includeDone)
	if err != nil {
		var amb *kderr.AmbiguousError
		if errors.As(err, &amb) {
			style.PrintWarning("prefix %s matches: %v", amb.Prefix, amb.Candidates)
		}
		return nil, err
	}
	return t, nil
}
