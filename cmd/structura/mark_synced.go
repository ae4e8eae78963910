package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/store/syncq"
	"github.com/structura-bim/structura/internal/ui"
)

var markSyncedCmd = &cobra.Command{
	Use:     "mark-synced GUID...",
	GroupID: "data",
	Short:   "Clear the pending-upload marker of elements",
	Long: `Clear the pending-upload marker of the given elements, e.g. after an
upload done outside structura. Unknown and already synced GUIDs are ignored.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, repo := openStore()
		defer closeStore(eng)

		queue := syncq.New(repo, logger("sync"))
		ctx := context.Background()

		before, err := queue.PendingCount(ctx)
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}
		if err := queue.MarkSynced(ctx, args); err != nil {
			exitf(eng, "Error: %v\n", err)
		}
		after, err := queue.PendingCount(ctx)
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}

		fmt.Printf("%s Cleared %d markers (%d still pending)\n", ui.RenderPass("✓"), before-after, after)
	},
}

func init() {
	rootCmd.AddCommand(markSyncedCmd)
}
