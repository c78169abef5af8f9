package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/ticket"
)

var doneForce bool

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: GroupWorkflow,
	Short:   "Create the .kd/ state tree in the current repository",
	Long: `Create the .kd/ state tree at the current directory.

Run this once at the repository root. Re-running it is harmless; an
existing tree is left untouched.`,
	RunE: runInit,
}

var startCmd = &cobra.Command{
	Use:     "start <branch>",
	GroupID: GroupWorkflow,
	Short:   "Start (or switch to) a branch workstream",
	Args:    cobra.ExactArgs(1),
	RunE:    runStart,
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupWorkflow,
	Short:   "Summarize the current branch",
	RunE:    runStatus,
}

var doneCmd = &cobra.Command{
	Use:     "done",
	GroupID: GroupWorkflow,
	Short:   "Mark the current branch done",
	Long: `Mark the current branch done.

Sets the branch status and removes its worktrees. Ticket files stay
where they are and nothing is committed. Refuses while tickets remain
open unless --force is given.`,
	RunE: runDone,
}

func init() {
	doneCmd.Flags().BoolVar(&doneForce, "force", false, "Finish even with open tickets")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doneCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	ws, err := branch.Init(cwd)
	if err != nil {
		return err
	}
	style.PrintSuccess("initialized %s", ws.KD())
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	ws, err := requireWorkspace()
	if err != nil {
		return err
	}
	b, err := branch.NewManager(ws).Start(args[0])
	if err != nil {
		return err
	}
	style.PrintSuccess("on branch %s", style.Accent.Render(b.Normalized))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ws, mgr, b, err := requireBranch()
	if err != nil {
		return err
	}
	store := ticket.NewStore(ws)
	counts, err := mgr.Counts(b, store)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", style.Bold.Render("Branch:"), b.Normalized)
	approved := "no"
	if b.State.DesignApproved {
		approved = "yes"
	}
	fmt.Printf("%s %s\n", style.Bold.Render("Design approved:"), approved)
	fmt.Printf("%s %s %d open, %s %d in progress, %s %d closed\n",
		style.Bold.Render("Tickets:"),
		style.StatusGlyph(ticket.StatusOpen), counts.Open,
		style.StatusGlyph(ticket.StatusInProgress), counts.InProgress,
		style.StatusGlyph(ticket.StatusClosed), counts.Closed)

	rows, err := newPeasantManager(ws, b).Status()
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		fmt.Println(style.Bold.Render("Workers:"))
		for _, row := range rows {
			state := "stopped"
			glyph := style.StatusGlyph("open")
			if row.Alive {
				state = "running"
				glyph = style.StatusGlyph("running")
			}
			fmt.Printf("  %s %s ticket %s (%s)\n",
				glyph, row.Session.Name, style.Accent.Render(row.Session.TicketID), state)
		}
	}
	return nil
}

func runDone(cmd *cobra.Command, args []string) error {
	ws, mgr, b, err := requireBranch()
	if err != nil {
		return err
	}
	if err := mgr.Done(b, ticket.NewStore(ws), doneForce); err != nil {
		return err
	}
	style.PrintSuccess("branch %s done", b.Normalized)
	return nil
}
