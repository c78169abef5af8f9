package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/agent"
	"github.com/kingdom-dev/kingdom/internal/harness"
	"github.com/kingdom-dev/kingdom/internal/peasant"
	"github.com/kingdom-dev/kingdom/internal/style"
)

var (
	workDir     string
	workAgent   string
	workMaxIter int
)

var workCmd = &cobra.Command{
	Use:     "work <ticket>",
	GroupID: GroupWork,
	Short:   "Run the agent loop on a ticket in the foreground",
	Long: `Run the agent loop on one ticket until it completes or the iteration
budget runs out. Peasant start spawns this command detached; running it
directly keeps the loop in the foreground.`,
	Args: cobra.ExactArgs(1),
	RunE: runWork,
}

func init() {
	workCmd.Flags().StringVar(&workDir, "dir", "", "Working directory for the agent (default current)")
	workCmd.Flags().StringVar(&workAgent, "agent", "", "Backend to use (default first council member, else claude)")
	workCmd.Flags().IntVar(&workMaxIter, "max-iterations", harness.DefaultMaxIterations, "Iteration budget")

	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, args []string) error {
	if workDir != "" {
		if err := os.Chdir(workDir); err != nil {
			return err
		}
	}
	ws, _, b, err := requireBranch()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}

	// Same resolve-and-pull path as peasant start, so a backlog ticket
	// worked directly still lands in the current branch first.
	t, err := peasant.NewManager(ws, b).ResolveForWork(args[0], true)
	if err != nil {
		return err
	}

	backend := workAgent
	cli := ""
	extraPrompt := ""
	if backend == "" && len(cfg.Council.Members) > 0 {
		backend = cfg.Council.Members[0].Backend
	}
	if backend == "" {
		backend = "claude"
	}
	if ac, ok := cfg.Agents[backend]; ok {
		cli = ac.CLI
		extraPrompt = ac.Prompts["work"]
	}
	adapter, err := agent.New(backend, cli)
	if err != nil {
		return err
	}

	loop := harness.New(ws, b, harness.Options{
		Adapter:     adapter,
		ExtraPrompt: extraPrompt,
		Timeout:     time.Duration(cfg.Council.Timeout) * time.Second,
		MaxIter:     workMaxIter,
		OnIteration: func(iter int, text string) {
			style.PrintSuccess("iteration %d finished (%d chars)", iter, len(text))
		},
	})
	return loop.Run(context.Background(), t.ID)
}
