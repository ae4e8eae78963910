package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/actscan"
	"github.com/structura-bim/structura/internal/ui"
)

var scanCmd = &cobra.Command{
	Use:     "scan [FOLDER]",
	GroupID: "data",
	Short:   "Import PDF acts from a folder",
	Long: `Walk FOLDER recursively and import every PDF file as an act.

The act number is the file name without extension and the work type is the
name of the folder containing the file ("Не указан" for files directly in
FOLDER). Acts whose number is already in the store are skipped.

Without FOLDER the configured watch.folder is scanned.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		folder := cfg.Watch.Folder
		if len(args) == 1 {
			folder = args[0]
		}
		if folder == "" {
			fmt.Fprintf(os.Stderr, "Error: no folder given and watch.folder is not set\n")
			os.Exit(1)
		}

		res, err := actscan.Scan(folder)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, skipped := range res.Skipped {
			fmt.Fprintf(os.Stderr, "%s skipped unreadable folder %s\n", ui.RenderWarn("⚠"), skipped)
		}

		if dryRun {
			for _, a := range res.Acts {
				fmt.Printf("  %s  %s  %s\n", a.Number, ui.RenderMuted(a.WorkType), a.FilePath)
			}
			fmt.Printf("\n%d PDF files found (dry run, nothing imported)\n", len(res.Acts))
			return
		}

		eng, repo := openStore()
		defer closeStore(eng)

		imported, err := repo.ImportActs(context.Background(), res.Acts)
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}

		fmt.Printf("%s Found %d PDF files, imported %d new acts\n", ui.RenderPass("✓"), len(res.Acts), len(imported))
		for _, a := range imported {
			fmt.Printf("   #%d %s (%s)\n", a.ID, a.Number, a.WorkType)
		}
	},
}

func init() {
	scanCmd.Flags().Bool("dry-run", false, "List the acts without importing them")
	rootCmd.AddCommand(scanCmd)
}
