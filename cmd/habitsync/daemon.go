package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strideapp/habitsync/internal/engine"
	"github.com/strideapp/habitsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine in the foreground",
	Long: `Run the sync engine in foreground mode.

The engine will:
  1. Restore any pending operations from the local store
  2. Subscribe to realtime change feeds for the configured user
  3. Poll connectivity and drain the pending queue on reconnect
  4. Keep the local cache reconciled with remote changes

Press Ctrl+C to stop. Configuration changes to habitsync.yaml are
detected while running; transport settings take effect on restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Surface config edits while running; most settings need a restart.
		viper.OnConfigChange(func(e fsnotify.Event) {
			fmt.Printf("%s Config changed: %s (restart to apply transport settings)\n",
				ui.RenderWarn("⚠"), e.Name)
		})
		viper.WatchConfig()

		unsubscribe := sess.engine.OnSyncStatusChange(func(s engine.SyncStatus) {
			state := ui.RenderWarn("offline")
			if s.IsOnline {
				state = ui.RenderPass("online")
			}
			fmt.Printf("%s status: %s, pending=%d, syncing=%v\n",
				ui.RenderAccent("⟳"), state, s.PendingOperationCount, s.SyncInProgress)
		})
		defer unsubscribe()

		sess.cache.Start(ctx)
		if err := sess.engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}

		fmt.Printf("%s Sync engine running for user %s\n",
			ui.RenderAccent("🚀"), viper.GetString("user_id"))
		fmt.Printf("   Remote: %s\n", viper.GetString("remote_url"))
		fmt.Printf("   Cache:  %s\n", sess.store.Path())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		sess.engine.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
