package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/peasant"
	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/thread"
)

var (
	peasantHand    bool
	peasantAgent   string
	peasantMaxIter int
	reviewReject   bool
	peasantLogTail int
)

var peasantCmd = &cobra.Command{
	Use:     "peasant",
	GroupID: GroupWork,
	Short:   "Manage ticket workers",
	Long: `Manage Peasant workers.

A peasant is a detached process running the agent loop on one ticket,
normally in its own git worktree. Hand mode runs in the base checkout
instead; only one hand may be active at a time.`,
}

var peasantStartCmd = &cobra.Command{
	Use:   "start <ticket>",
	Short: "Spawn a worker on a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeasantStart,
}

var peasantStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List worker sessions and their liveness",
	RunE:  runPeasantStatus,
}

var peasantLogsCmd = &cobra.Command{
	Use:   "logs <ticket>",
	Short: "Print a worker's thread messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeasantLogs,
}

var peasantStopCmd = &cobra.Command{
	Use:   "stop <ticket>",
	Short: "Terminate a running worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeasantStop,
}

var peasantCleanCmd = &cobra.Command{
	Use:   "clean <ticket>",
	Short: "Remove a stopped worker's worktree and session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeasantClean,
}

var peasantSyncCmd = &cobra.Command{
	Use:   "sync <ticket>",
	Short: "Merge the branch into a worker's worktree",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeasantSync,
}

var peasantMsgCmd = &cobra.Command{
	Use:   "msg <ticket> <message>",
	Short: "Send an instruction to a worker's thread",
	Args:  cobra.ExactArgs(2),
	RunE:  runPeasantMsg,
}

var peasantReadCmd = &cobra.Command{
	Use:   "read <ticket>",
	Short: "Print a worker's latest reply",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeasantRead,
}

var peasantReviewCmd = &cobra.Command{
	Use:   "review <ticket>",
	Short: "Merge a worker's branch, or send it back with --reject",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeasantReview,
}

func init() {
	peasantStartCmd.Flags().BoolVar(&peasantHand, "hand", false, "Run in the base checkout instead of a worktree")
	peasantStartCmd.Flags().StringVar(&peasantAgent, "agent", "", "Backend to run the loop with")
	peasantStartCmd.Flags().IntVar(&peasantMaxIter, "max-iterations", 0, "Iteration budget for the worker (default loop default)")
	peasantLogsCmd.Flags().IntVar(&peasantLogTail, "tail", 0, "Only show the last N messages")
	peasantReviewCmd.Flags().BoolVar(&reviewReject, "reject", false, "Relaunch the worker in its worktree")

	for _, sub := range []*cobra.Command{
		peasantStartCmd, peasantStatusCmd, peasantLogsCmd, peasantStopCmd,
		peasantCleanCmd, peasantSyncCmd, peasantMsgCmd, peasantReadCmd,
		peasantReviewCmd,
	} {
		peasantCmd.AddCommand(sub)
	}
	rootCmd.AddCommand(peasantCmd)
}

// getPeasants resolves the manager for the current branch.
func getPeasants() (*peasant.Manager, error) {
	ws, _, b, err := requireBranch()
	if err != nil {
		return nil, err
	}
	return peasant.NewManager(ws, b), nil
}

func runPeasantStart(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	mode := peasant.ModeWorktree
	if peasantHand {
		mode = peasant.ModeHand
	}
	sess, err := mgr.Start(args[0], peasant.StartOptions{
		Mode:      mode,
		Agent:     peasantAgent,
		MaxIter:   peasantMaxIter,
		AllowPull: true,
	})
	if err != nil {
		return err
	}
	style.PrintSuccess("started %s (pid %d) in %s", sess.Name, sess.PID, sess.WorktreePath)
	return nil
}

func runPeasantStatus(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	rows, err := mgr.Status()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no worker sessions")
		return nil
	}
	table := style.NewTable(
		style.Column{Name: "", Width: 1},
		style.Column{Name: "SESSION", Width: 16},
		style.Column{Name: "TICKET", Width: 6, Style: style.Accent},
		style.Column{Name: "PID", Width: 7},
		style.Column{Name: "WORKTREE", Width: 40},
	)
	for _, row := range rows {
		glyph := style.StatusGlyph("open")
		if row.Alive {
			glyph = style.StatusGlyph("running")
		}
		table.AddRow(glyph, row.Session.Name, row.Session.TicketID,
			fmt.Sprint(row.Session.PID), row.Session.WorktreePath)
	}
	fmt.Print(table.Render())
	return nil
}

func runPeasantLogs(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	msgs, err := mgr.Logs(args[0])
	if err != nil {
		return err
	}
	if peasantLogTail > 0 && len(msgs) > peasantLogTail {
		msgs = msgs[len(msgs)-peasantLogTail:]
	}
	printMessages(msgs)
	return nil
}

func printMessages(msgs []*thread.Message) {
	for _, m := range msgs {
		header := fmt.Sprintf("%04d %s", m.Sequence, m.From)
		if m.IsError() {
			header += " " + style.Error.Render("[error]")
		}
		if m.Completed {
			header += " " + style.Success.Render("[completed]")
		}
		fmt.Println(style.Accent.Render(header))
		fmt.Println(strings.TrimRight(m.Body, "\n"))
		fmt.Println()
	}
}

func runPeasantStop(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	if err := mgr.Stop(args[0]); err != nil {
		return err
	}
	style.PrintSuccess("stopped %s", args[0])
	return nil
}

func runPeasantClean(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	if err := mgr.Clean(args[0]); err != nil {
		return err
	}
	style.PrintSuccess("cleaned %s", args[0])
	return nil
}

func runPeasantSync(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	if err := mgr.Sync(args[0]); err != nil {
		return err
	}
	style.PrintSuccess("synced %s", args[0])
	return nil
}

func runPeasantMsg(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	if err := mgr.Msg(args[0], args[1]); err != nil {
		return err
	}
	style.PrintSuccess("queued message for %s", args[0])
	return nil
}

func runPeasantRead(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	msg, err := mgr.Read(args[0])
	if err != nil {
		return err
	}
	printMessages([]*thread.Message{msg})
	return nil
}

func runPeasantReview(cmd *cobra.Command, args []string) error {
	mgr, err := getPeasants()
	if err != nil {
		return err
	}
	if err := mgr.Review(args[0], reviewReject); err != nil {
		return err
	}
	if reviewReject {
		style.PrintSuccess("relaunched worker on %s", args[0])
	} else {
		style.PrintSuccess("merged %s", args[0])
	}
	return nil
}
