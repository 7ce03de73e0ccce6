package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strideapp/habitsync/internal/store"
	"github.com/strideapp/habitsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache and queue status",
	Long: `Display the current state of the local cache database.

Shows:
  - Cache file location and size
  - Entry counts per namespace
  - Pending operation count
  - Last successful full sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("db_path")

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Local cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'habitsync daemon' or 'habitsync sync' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check cache: %w", err)
		}

		st, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer st.Close()
		if err := st.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}

		ctx := context.Background()
		streaks, _ := st.Count(ctx, store.NamespaceStreaks)
		completions, _ := st.Count(ctx, store.NamespaceCompletions)
		analytics, _ := st.Count(ctx, store.NamespaceAnalytics)
		pending, _ := st.Count(ctx, store.NamespaceQueue)

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Local Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location:    %s\n", path)
		fmt.Printf("Size:        %s\n", sizeStr)
		fmt.Printf("Streaks:     %d\n", streaks)
		fmt.Printf("Completions: %d\n", completions)
		fmt.Printf("Analytics:   %d\n", analytics)
		fmt.Printf("Queue saved: %v\n", pending > 0)

		if last, ok, err := st.LastSync(ctx); err == nil && ok {
			fmt.Printf("Last sync:   %s %s\n", last.Local().Format("2006-01-02 15:04:05"),
				ui.RenderDim("("+formatAge(last)+")"))
		} else {
			fmt.Printf("Last sync:   %s\n", ui.RenderDim("never"))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
