package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show store location, size and row counts",
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.DBPath())
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'structura serve' or 'structura import' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking store: %v\n", err)
			os.Exit(1)
		}

		eng, repo := openStore()
		defer closeStore(eng)

		stats, err := repo.GetStats(context.Background())
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}

		fmt.Printf("\n%s Store Status\n\n", ui.RenderAccent("structura"))
		fmt.Print(ui.KV(
			ui.Pair("Location", cfg.DBPath()),
			ui.Pair("Size", formatSize(info.Size())),
			ui.Pair("Modified", info.ModTime().Format("2006-01-02 15:04:05")),
			ui.Pair("Projects", stats.Projects),
			ui.Pair("Elements", stats.Elements),
			ui.Pair("Pending sync", stats.Pending),
			ui.Pair("Acts", stats.Acts),
			ui.Pair("Links", stats.Links),
			ui.Pair("Cached models", stats.Models),
		))
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
