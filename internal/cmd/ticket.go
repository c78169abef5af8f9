package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/ticket"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

var (
	tkIncludeDone bool
	tkBacklog     bool
	tkDesc        string
	tkType        string
	tkPriority    int
	tkDeps        []string
	tkAssignee    string
)

var tkCmd = &cobra.Command{
	Use:     "tk",
	GroupID: GroupWork,
	Short:   "Manage tickets",
	Long: `Manage tickets: markdown files with a frontmatter header, stored in
the backlog or under a branch. Ticket ids are four hex characters and
may be abbreviated to any unique prefix.`,
}

var tkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets on the current branch",
	RunE:  runTkList,
}

var tkShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTkShow,
}

var tkCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTkCreate,
}

var tkStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Mark a ticket in progress",
	Args:  cobra.ExactArgs(1),
	RunE:  statusSetter(ticket.StatusInProgress),
}

var tkCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  statusSetter(ticket.StatusClosed),
}

var tkReopenCmd = &cobra.Command{
	Use:   "reopen <id>",
	Short: "Reopen a closed ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTkReopen,
}

var tkMoveCmd = &cobra.Command{
	Use:   "move <id> <branch>",
	Short: "Move a ticket to another branch (or 'backlog')",
	Args:  cobra.ExactArgs(2),
	RunE:  runTkMove,
}

var tkEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Open a ticket in $EDITOR",
	Args:  cobra.ExactArgs(1),
	RunE:  runTkEdit,
}

var tkReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List unblocked open tickets on the current branch",
	RunE:  runTkReady,
}

var tkPullCmd = &cobra.Command{
	Use:   "pull <id>",
	Short: "Move a backlog ticket into the current branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runTkPull,
}

var tkDepCmd = &cobra.Command{
	Use:   "dep <id> <dep-id>",
	Short: "Add a dependency to a ticket",
	Args:  cobra.ExactArgs(2),
	RunE:  runTkDep,
}

var tkUndepCmd = &cobra.Command{
	Use:   "undep <id> <dep-id>",
	Short: "Remove a dependency from a ticket",
	Args:  cobra.ExactArgs(2),
	RunE:  runTkUndep,
}

var tkAssignCmd = &cobra.Command{
	Use:   "assign <id> <assignee>",
	Short: "Assign a ticket",
	Args:  cobra.ExactArgs(2),
	RunE:  runTkAssign,
}

var tkUnassignCmd = &cobra.Command{
	Use:   "unassign <id>",
	Short: "Clear a ticket's assignee",
	Args:  cobra.ExactArgs(1),
	RunE:  runTkUnassign,
}

func init() {
	tkListCmd.Flags().BoolVar(&tkIncludeDone, "include-done", false, "Include tickets on done branches")
	tkListCmd.Flags().BoolVar(&tkBacklog, "backlog", false, "List backlog tickets instead")
	tkCreateCmd.Flags().StringVarP(&tkDesc, "description", "d", "", "Ticket description")
	tkCreateCmd.Flags().StringVarP(&tkType, "type", "t", "task", "Ticket type (task|bug|feature|chore)")
	tkCreateCmd.Flags().IntVarP(&tkPriority, "priority", "p", 2, "Priority 1 (high) to 3 (low)")
	tkCreateCmd.Flags().StringSliceVar(&tkDeps, "dep", nil, "Dependency ticket id (repeatable)")
	tkCreateCmd.Flags().StringVar(&tkAssignee, "assignee", "", "Assignee")
	tkCreateCmd.Flags().BoolVar(&tkBacklog, "backlog", false, "File into the backlog instead of the current branch")

	for _, sub := range []*cobra.Command{
		tkListCmd, tkShowCmd, tkCreateCmd, tkStartCmd, tkCloseCmd, tkReopenCmd,
		tkMoveCmd, tkEditCmd, tkReadyCmd, tkPullCmd, tkDepCmd, tkUndepCmd,
		tkAssignCmd, tkUnassignCmd,
	} {
		tkCmd.AddCommand(sub)
	}
	rootCmd.AddCommand(tkCmd)
}

// getStore resolves the workspace and ticket store.
func getStore() (*workspace.Workspace, *ticket.Store, error) {
	ws, err := requireWorkspace()
	if err != nil {
		return nil, nil, err
	}
	return ws, ticket.NewStore(ws), nil
}

func printTicketTable(tickets []*ticket.Ticket) {
	if len(tickets) == 0 {
		fmt.Println("no tickets")
		return
	}
	table := style.NewTable(
		style.Column{Name: "", Width: 1},
		style.Column{Name: "ID", Width: 4, Style: style.Accent},
		style.Column{Name: "P", Width: 1},
		style.Column{Name: "TYPE", Width: 7},
		style.Column{Name: "TITLE", Width: 48},
	)
	for _, t := range tickets {
		table.AddRow(style.StatusGlyph(t.Status), t.ID, fmt.Sprint(t.Priority), t.Type, t.Title())
	}
	fmt.Print(table.Render())
}

func runTkList(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	if tkBacklog {
		tickets, err := store.BranchTickets("")
		if err != nil {
			return err
		}
		printTicketTable(tickets)
		return nil
	}
	if tkIncludeDone {
		tickets, err := store.All(true)
		if err != nil {
			return err
		}
		printTicketTable(tickets)
		return nil
	}
	_, _, b, err := requireBranch()
	if err != nil {
		// No current branch: fall back to everything visible.
		tickets, lerr := store.All(false)
		if lerr != nil {
			return lerr
		}
		printTicketTable(tickets)
		return nil
	}
	tickets, err := store.BranchTickets(b.Normalized)
	if err != nil {
		return err
	}
	printTicketTable(tickets)
	return nil
}

func runTkShow(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], true)
	if err != nil {
		return err
	}
	where := t.Branch
	if where == "" {
		where = "backlog"
	}
	fmt.Printf("%s %s  %s  %s  p%d  %s\n", style.StatusGlyph(t.Status),
		style.Accent.Render(t.ID), t.Status, t.Type, t.Priority, style.Dim.Render(where))
	if len(t.Deps) > 0 {
		fmt.Printf("deps: %s\n", strings.Join(t.Deps, ", "))
	}
	if t.Assignee != "" {
		fmt.Printf("assignee: %s\n", t.Assignee)
	}
	fmt.Println()
	fmt.Print(t.Body)
	return nil
}

func runTkCreate(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	targetBranch := ""
	if !tkBacklog {
		_, _, b, err := requireBranch()
		if err != nil {
			return fmt.Errorf("no current branch; use --backlog or 'kd start': %w", err)
		}
		targetBranch = b.Normalized
	}
	t, err := store.Create(ticket.CreateOptions{
		Title:       args[0],
		Description: tkDesc,
		Type:        tkType,
		Priority:    tkPriority,
		Deps:        tkDeps,
		Assignee:    tkAssignee,
		Branch:      targetBranch,
	})
	if err != nil {
		return err
	}
	style.PrintSuccess("created %s: %s", style.Accent.Render(t.ID), t.Title())
	return nil
}

// statusSetter returns a RunE that transitions a ticket's status.
func statusSetter(status string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		_, store, err := getStore()
		if err != nil {
			return err
		}
		t, err := resolveTicket(store, args[0], false)
		if err != nil {
			return err
		}
		if err := store.SetStatus(t, status); err != nil {
			return err
		}
		style.PrintSuccess("%s %s", t.ID, status)
		return nil
	}
}

func runTkReopen(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], true)
	if err != nil {
		return err
	}
	if err := store.SetStatus(t, ticket.StatusOpen); err != nil {
		return err
	}
	style.PrintSuccess("%s reopened", t.ID)
	return nil
}

func runTkMove(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], false)
	if err != nil {
		return err
	}
	target := args[1]
	if target == "backlog" {
		target = ""
	}
	if err := store.Move(t, target); err != nil {
		return err
	}
	where := target
	if where == "" {
		where = "backlog"
	}
	style.PrintSuccess("moved %s to %s", t.ID, where)
	return nil
}

func runTkEdit(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], true)
	if err != nil {
		return err
	}
	editor := os.Getenv("EDITOR")
	if editor == "" {
		return fmt.Errorf("EDITOR is not set")
	}
	// Shell-split so values like "code --wait" work.
	parts := strings.Fields(editor)
	ed := exec.Command(parts[0], append(parts[1:], t.Path)...)
	ed.Stdin = os.Stdin
	ed.Stdout = os.Stdout
	ed.Stderr = os.Stderr
	return ed.Run()
}

func runTkReady(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	_, _, b, err := requireBranch()
	if err != nil {
		return err
	}
	if err := store.CycleCheck(b.Normalized); err != nil {
		return err
	}
	tickets, err := store.Ready(b.Normalized)
	if err != nil {
		return err
	}
	printTicketTable(tickets)
	return nil
}

func runTkPull(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	_, _, b, err := requireBranch()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], false)
	if err != nil {
		return err
	}
	if t.Branch != "" {
		return fmt.Errorf("ticket %s is already on branch %s", t.ID, t.Branch)
	}
	if err := store.Move(t, b.Normalized); err != nil {
		return err
	}
	style.PrintSuccess("pulled %s into %s", t.ID, b.Normalized)
	return nil
}

func runTkDep(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], false)
	if err != nil {
		return err
	}
	if err := store.AddDep(t, args[1]); err != nil {
		return err
	}
	style.PrintSuccess("%s now depends on %s", t.ID, strings.Join(t.Deps, ", "))
	return nil
}

func runTkUndep(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], false)
	if err != nil {
		return err
	}
	if err := store.RemoveDep(t, args[1]); err != nil {
		return err
	}
	style.PrintSuccess("removed dep from %s", t.ID)
	return nil
}

func runTkAssign(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], false)
	if err != nil {
		return err
	}
	t.Assignee = args[1]
	if err := store.Save(t); err != nil {
		return err
	}
	style.PrintSuccess("%s assigned to %s", t.ID, t.Assignee)
	return nil
}

func runTkUnassign(cmd *cobra.Command, args []string) error {
	_, store, err := getStore()
	if err != nil {
		return err
	}
	t, err := resolveTicket(store, args[0], false)
	if err != nil {
		return err
	}
	t.Assignee = ""
	if err := store.Save(t); err != nil {
		return err
	}
	style.PrintSuccess("%s unassigned", t.ID)
	return nil
}
