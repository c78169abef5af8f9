package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingdom-dev/kingdom/internal/style"
	"github.com/kingdom-dev/kingdom/internal/ticket"
)

var migrateApply bool

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: GroupWork,
	Short:   "One-off state migrations",
}

var migrateTicketIDsCmd = &cobra.Command{
	Use:   "ticket-ids",
	Short: "Rewrite legacy kin- ticket ids to bare hex",
	Long: `Rewrite legacy kin-prefixed ticket ids to the bare 4-hex form.

Without --apply this only prints the plan. Any filename collision
aborts the whole migration before a single file is touched.`,
	RunE: runMigrateTicketIDs,
}

func init() {
	migrateTicketIDsCmd.Flags().BoolVar(&migrateApply, "apply", false, "Perform the migration")

	migrateCmd.AddCommand(migrateTicketIDsCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrateTicketIDs(cmd *cobra.Command, args []string) error {
	ws, err := requireWorkspace()
	if err != nil {
		return err
	}
	plan, err := ticket.NewStore(ws).Migrate(migrateApply)
	if plan != nil {
		for _, c := range plan.Collisions {
			style.PrintError("collision: %s already exists", c)
		}
		for src, dst := range plan.Renames {
			fmt.Printf("rename  %s -> %s\n", src, dst)
		}
		for _, path := range plan.Rewrites {
			fmt.Printf("rewrite %s\n", path)
		}
	}
	if err != nil {
		return err
	}
	if plan.Empty() {
		fmt.Println("nothing to migrate")
		return nil
	}
	if !migrateApply {
		style.PrintWarning("dry run; pass --apply to perform the migration")
		return nil
	}
	style.PrintSuccess("migrated %d file(s)", len(plan.Renames)+len(plan.Rewrites))
	return nil
}
