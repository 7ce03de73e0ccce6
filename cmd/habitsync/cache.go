package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strideapp/habitsync/internal/store"
	"github.com/strideapp/habitsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Local cache management",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe all cached entries and the pending-operation queue",
	Long: `Wipe every persisted cache namespace and the pending-operation queue.

This is the sign-out path: any queued offline mutations are discarded
permanently. Use 'habitsync sync' first if they should be delivered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(viper.GetString("db_path"))
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer st.Close()
		if err := st.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}

		if err := st.Clear(context.Background()); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}

		fmt.Printf("%s Cache and pending queue cleared\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
