package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/ticket"
)

var designCmd = &cobra.Command{
	Use:     "design",
	GroupID: GroupWorkflow,
	Short:   "Show or approve the branch design document",
	RunE:    runDesignShow,
}

var designShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print design.md",
	RunE:  runDesignShow,
}

var designApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Mark the design approved",
	RunE:  runDesignApprove,
}

var breakdownCmd = &cobra.Command{
	Use:     "breakdown",
	GroupID: GroupWorkflow,
	Short:   "Print a ticket-breakdown prompt for the approved design",
	Long: `Print a prompt asking an agent to break the approved design into
tickets. The output is meant to be pasted into a council ask; nothing
is parsed or executed.`,
	RunE: runBreakdown,
}

func init() {
	designCmd.AddCommand(designShowCmd)
	designCmd.AddCommand(designApproveCmd)
	rootCmd.AddCommand(designCmd)
	rootCmd.AddCommand(breakdownCmd)
}

func runDesignShow(cmd *cobra.Command, args []string) error {
	_, _, b, err := requireBranch()
	if err != nil {
		return err
	}
	text, err := fstore.ReadText(branch.DesignPath(b))
	if err != nil {
		return fmt.Errorf("no design.md on %s yet", b.Normalized)
	}
	fmt.Print(text)
	return nil
}

func runDesignApprove(cmd *cobra.Command, args []string) error {
	_, mgr, b, err := requireBranch()
	if err != nil {
		return err
	}
	if err := mgr.ApproveDesign(b); err != nil {
		return err
	}
	style.PrintSuccess("design approved on %s", b.Normalized)
	return nil
}

func runBreakdown(cmd *cobra.Command, args []string) error {
	ws, _, b, err := requireBranch()
	if err != nil {
		return err
	}
	design, err := fstore.ReadText(branch.DesignPath(b))
	if err != nil {
		return fmt.Errorf("no design.md on %s; write and approve one first", b.Normalized)
	}
	if !b.State.DesignApproved {
		style.PrintWarning("design on %s is not approved yet", b.Normalized)
	}

	existing, err := ticket.NewStore(ws).BranchTickets(b.Normalized)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("Break the following design into small, independently verifiable tickets.\n")
	sb.WriteString("For each ticket give a one-line title, a short description, acceptance\n")
	sb.WriteString("criteria, and any dependencies between tickets by title.\n\n")
	sb.WriteString("## Design\n\n")
	sb.WriteString(design)
	if len(existing) > 0 {
		sb.WriteString("\n## Existing tickets (do not duplicate)\n\n")
		for _, t := range existing {
			fmt.Fprintf(&sb, "- %s: %s (%s)\n", t.ID, t.Title(), t.Status)
		}
	}
	fmt.Print(sb.String())
	return nil
}
