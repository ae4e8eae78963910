package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/store/migrate"
	"github.com/structura-bim/structura/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export FILE",
	GroupID: "maint",
	Short:   "Write the whole store to a JSONL snapshot",
	Long: `Write every project, element, act, link and cached model to FILE, one
JSON record per line. Use "-" for stdout.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, repo := openStore()
		defer closeStore(eng)

		ctx := context.Background()
		var (
			result *migrate.Result
			err    error
		)
		if args[0] == "-" {
			result, err = migrate.Export(ctx, repo, os.Stdout)
		} else {
			result, err = migrate.ExportFile(ctx, repo, args[0])
		}
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}
		if args[0] == "-" {
			return
		}

		fmt.Printf("%s Exported to %s\n", ui.RenderPass("✓"), args[0])
		printMigrateResult(result)
	},
}

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "maint",
	Short:   "Load a JSONL snapshot into the store",
	Long: `Load the records of a snapshot written by 'structura export'.

Projects, elements and cached models are upserted; acts are appended with
fresh ids and links follow them. Imported elements are pending upload.
Records that fail validation are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, repo := openStore()
		defer closeStore(eng)

		result, err := migrate.ImportFile(context.Background(), repo, args[0])
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}

		fmt.Printf("%s Imported %s\n", ui.RenderPass("✓"), args[0])
		printMigrateResult(result)
		if len(result.Errors) > 0 {
			fmt.Printf("\n%s %d records skipped:\n", ui.RenderWarn("⚠"), len(result.Errors))
			for _, e := range result.Errors {
				fmt.Printf("   %s\n", e)
			}
		}
	},
}

func printMigrateResult(r *migrate.Result) {
	fmt.Print(ui.KV(
		ui.Pair("Projects", r.Projects),
		ui.Pair("Elements", r.Elements),
		ui.Pair("Acts", r.Acts),
		ui.Pair("Links", r.Links),
		ui.Pair("Models", r.Models),
	))
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)
}
