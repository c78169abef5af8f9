package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kingdom-dev/kingdom/internal/branch"
	"github.com/kingdom-dev/kingdom/internal/council"
	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/workspace"
)

var (
	askTo        string
	askThread    string
	askNewThread bool
	watchTimeout int
)

var councilCmd = &cobra.Command{
	Use:     "council",
	GroupID: GroupCouncil,
	Short:   "Consult the advisor agents",
	Long: `Consult the configured council of advisor agents.

Each member runs as its own backend subprocess; responses are appended
to a shared thread under the current branch. Prompts may address a
subset of members with @name mentions.`,
}

var councilAskCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send a prompt to the council",
	Args:  cobra.ExactArgs(1),
	RunE:  runCouncilAsk,
}

var councilShowCmd = &cobra.Command{
	Use:   "show [thread]",
	Short: "Print a thread's messages",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCouncilShow,
}

var councilListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the branch's threads",
	RunE:  runCouncilList,
}

var councilStatusCmd = &cobra.Command{
	Use:   "status [thread]",
	Short: "Show per-member response status for the latest ask",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCouncilStatus,
}

var councilWatchCmd = &cobra.Command{
	Use:   "watch [thread]",
	Short: "Tail member responses as they stream in",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCouncilWatch,
}

var councilRetryCmd = &cobra.Command{
	Use:   "retry [thread]",
	Short: "Reissue the last prompt to members that failed to respond",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCouncilRetry,
}

var councilResetCmd = &cobra.Command{
	Use:   "reset [member...]",
	Short: "Clear stored backend sessions",
	RunE:  runCouncilReset,
}

func init() {
	councilAskCmd.Flags().StringVar(&askTo, "to", "", "Comma-separated member names (default all)")
	councilAskCmd.Flags().StringVar(&askThread, "thread", "", "Existing thread id to continue")
	councilAskCmd.Flags().BoolVar(&askNewThread, "new", false, "Start a fresh thread")
	councilWatchCmd.Flags().IntVar(&watchTimeout, "timeout", 600, "Seconds to wait before giving up")

	councilCmd.AddCommand(councilAskCmd)
	councilCmd.AddCommand(councilShowCmd)
	councilCmd.AddCommand(councilListCmd)
	councilCmd.AddCommand(councilStatusCmd)
	councilCmd.AddCommand(councilWatchCmd)
	councilCmd.AddCommand(councilRetryCmd)
	councilCmd.AddCommand(councilResetCmd)
	rootCmd.AddCommand(councilCmd)
}

// getCouncil wires workspace, branch, and config into a Council.
func getCouncil() (*workspace.Workspace, *branch.Branch, *council.Council, error) {
	ws, _, b, err := requireBranch()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := council.New(ws, b, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return ws, b, c, nil
}

// resolveThreadArg picks the thread from args or falls back to the most
// recent council thread.
func resolveThreadArg(c *council.Council, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	ids, err := c.Threads().ListThreads()
	if err != nil {
		return "", err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if strings.HasPrefix(ids[i], "council-") {
			return ids[i], nil
		}
	}
	return "", fmt.Errorf("no council threads yet (use 'kd council ask')")
}

func runCouncilAsk(cmd *cobra.Command, args []string) error {
	_, _, c, err := getCouncil()
	if err != nil {
		return err
	}
	threadID, err := c.Ask(context.Background(), council.AskOptions{
		Prompt:    args[0],
		To:        askTo,
		ThreadID:  askThread,
		NewThread: askNewThread,
	})
	if err != nil {
		return err
	}
	return printThread(c, threadID)
}

func printThread(c *council.Council, threadID string) error {
	msgs, err := c.Threads().List(threadID)
	if err != nil {
		return err
	}
	fmt.Println(style.Bold.Render("thread " + threadID))
	for _, m := range msgs {
		header := fmt.Sprintf("%04d %s → %s", m.Sequence, m.From, m.To)
		if m.IsError() {
			header += " " + style.Error.Render("[error]")
		}
		fmt.Println(style.Accent.Render(header))
		fmt.Println(strings.TrimRight(m.Body, "\n"))
		fmt.Println()
	}
	return nil
}

func runCouncilShow(cmd *cobra.Command, args []string) error {
	_, _, c, err := getCouncil()
	if err != nil {
		return err
	}
	threadID, err := resolveThreadArg(c, args)
	if err != nil {
		return err
	}
	return printThread(c, threadID)
}

func runCouncilList(cmd *cobra.Command, args []string) error {
	_, b, c, err := getCouncil()
	if err != nil {
		return err
	}
	ids, err := c.Threads().ListThreads()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Printf("no threads on %s\n", b.Normalized)
		return nil
	}
	table := style.NewTable(
		style.Column{Name: "THREAD", Width: 16},
		style.Column{Name: "KIND", Width: 8},
		style.Column{Name: "MESSAGES", Width: 8},
	)
	for _, id := range ids {
		meta, err := c.Threads().Meta(id)
		if err != nil {
			continue
		}
		msgs, _ := c.Threads().List(id)
		table.AddRow(id, meta.Kind, fmt.Sprint(len(msgs)))
	}
	fmt.Print(table.Render())
	return nil
}

func runCouncilStatus(cmd *cobra.Command, args []string) error {
	_, _, c, err := getCouncil()
	if err != nil {
		return err
	}
	threadID, err := resolveThreadArg(c, args)
	if err != nil {
		return err
	}
	statuses, err := c.Status(threadID)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		fmt.Printf("%s %-12s %s\n", style.StatusGlyph(string(st.State)), st.Name, st.State)
	}
	return nil
}

func runCouncilWatch(cmd *cobra.Command, args []string) error {
	_, _, c, err := getCouncil()
	if err != nil {
		return err
	}
	threadID, err := resolveThreadArg(c, args)
	if err != nil {
		return err
	}

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w
	}

	err = c.Watch(context.Background(), threadID, time.Duration(watchTimeout)*time.Second,
		func(statuses []council.MemberStatus) {
			for _, st := range statuses {
				line := fmt.Sprintf("%s %-12s %s", style.StatusGlyph(string(st.State)), st.Name,
					lastChars(st.Preview, width-20))
				fmt.Println(line)
			}
			fmt.Println(style.Dim.Render(strings.Repeat("-", width/2)))
		})
	if err != nil {
		return err
	}
	return printThread(c, threadID)
}

// lastChars keeps the trailing n runes of a preview, newlines flattened.
func lastChars(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if n > 0 && len(runes) > n {
		runes = runes[len(runes)-n:]
	}
	return string(runes)
}

func runCouncilRetry(cmd *cobra.Command, args []string) error {
	_, _, c, err := getCouncil()
	if err != nil {
		return err
	}
	threadID, err := resolveThreadArg(c, args)
	if err != nil {
		return err
	}
	retried, err := c.Retry(context.Background(), threadID)
	if err != nil {
		return err
	}
	if len(retried) == 0 {
		fmt.Println("nothing to retry")
		return nil
	}
	style.PrintSuccess("retried %s", strings.Join(retried, ", "))
	return printThread(c, threadID)
}

func runCouncilReset(cmd *cobra.Command, args []string) error {
	_, _, c, err := getCouncil()
	if err != nil {
		return err
	}
	if err := c.Reset(args); err != nil {
		return err
	}
	who := "all members"
	if len(args) > 0 {
		who = strings.Join(args, ", ")
	}
	style.PrintSuccess("cleared sessions for %s", who)
	return nil
}
