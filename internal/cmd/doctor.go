package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/agent"
	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/git"
	"github.com/kingdom-dev/kingdom/internal/peasant"
	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupWorkflow,
	Short:   "Check the environment and .kd/ state for problems",
	RunE:    runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	failed := false
	check := func(ok bool, okMsg, badMsg string) {
		if ok {
			style.PrintSuccess("%s", okMsg)
		} else {
			style.PrintError("%s", badMsg)
			failed = true
		}
	}

	check(git.Available(), "git is on PATH", "git not found on PATH")

	ws, err := workspace.FindFromCwd()
	if err != nil {
		style.PrintError("no .kd directory found (run 'kd init' at the repo root)")
		return fmt.Errorf("doctor found problems")
	}
	style.PrintSuccess(".kd found at %s", ws.KD())

	if git.Available() {
		check(git.New(ws.Root).IsRepo(),
			"workspace is inside a git repository",
			"workspace is not a git repository; worktree mode and auto-commit are unavailable")
	}

	for _, dir := range []string{ws.BranchesDir(), ws.BacklogTicketsDir(), ws.PeasantsDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			style.PrintWarning("missing directory %s (re-run 'kd init')", dir)
		}
	}

	cfg, err := loadConfig(ws)
	if err != nil {
		style.PrintError("config: %s", err)
		failed = true
	} else {
		style.PrintSuccess("config valid (%d council member(s))", len(cfg.Council.Members))
		seen := make(map[string]bool)
		for _, m := range cfg.Council.Members {
			cli := agent.DefaultCLI(m.Backend)
			if ac, ok := cfg.Agents[m.Backend]; ok && ac.CLI != "" {
				cli = ac.CLI
			}
			if seen[cli] {
				continue
			}
			seen[cli] = true
			if _, err := exec.LookPath(cli); err != nil {
				style.PrintWarning("backend binary %q for member %s not on PATH", cli, m.Name)
			} else {
				style.PrintSuccess("backend binary %q found", cli)
			}
		}
	}

	if b, err := branch.NewManager(ws).Current(); err == nil {
		rows, err := peasant.NewManager(ws, b).Status()
		if err == nil {
			for _, row := range rows {
				if !row.Alive {
					style.PrintWarning("stale session %s (pid %d dead; run 'kd peasant clean %s')",
						row.Session.Name, row.Session.PID, row.Session.TicketID)
				}
			}
		}
	}

	if failed {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}

// newPeasantManager keeps the other command files from repeating the
// constructor wiring.
func newPeasantManager(ws *workspace.Workspace, b *branch.Branch) *peasant.Manager {
	return peasant.NewManager(ws, b)
}
