package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strideapp/habitsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot full sync against the remote store",
	Long: `Query every watched collection from the remote store and reconcile
the results into the local cache, then drain any pending operations.

Streak conflicts are resolved in favor of the most progress: the side
with the later completion date wins, ties go to the longer streak.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		if err := sess.engine.FullSync(ctx); err != nil {
			return fmt.Errorf("full sync failed: %w", err)
		}

		executed, err := sess.engine.DrainQueue(ctx)
		if err != nil {
			fmt.Printf("%s Drain finished with warnings: %v\n", ui.RenderWarn("⚠"), err)
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		status := sess.engine.GetSyncStatus()

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed)
		fmt.Printf("   Replayed: %d queued operations\n", executed)
		fmt.Printf("   Pending:  %d\n", status.PendingOperationCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
