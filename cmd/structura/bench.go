package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/store/loadtest"
	"github.com/structura-bim/structura/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure gateway latency under concurrent UI windows",
	Long: `Create a throwaway store, fill it with generated projects, elements and
acts, then run concurrent simulated UI windows against the gateway and
report call latency. Every mutation is flushed to disk, as in 'serve'.

Examples:
  structura bench
  structura bench --windows 8 --calls 50 --elements 500
  structura bench --json`,
	Run: func(cmd *cobra.Command, args []string) {
		windows, _ := cmd.Flags().GetInt("windows")
		calls, _ := cmd.Flags().GetInt("calls")
		projects, _ := cmd.Flags().GetInt("projects")
		elements, _ := cmd.Flags().GetInt("elements")
		acts, _ := cmd.Flags().GetInt("acts")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if windows <= 0 || calls <= 0 || projects <= 0 || elements <= 0 {
			fmt.Fprintf(os.Stderr, "Error: --windows, --calls, --projects and --elements must be positive\n")
			os.Exit(1)
		}

		dir, err := os.MkdirTemp("", "structura-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		if !jsonOutput {
			fmt.Printf("Configuration: %d windows, %d calls/window, %d projects x %d elements, %d acts\n\n",
				windows, calls, projects, elements, acts)
		}

		setupStart := time.Now()
		ts, err := loadtest.CreateTestStore(dir, projects, elements, acts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer ts.Close()
		setup := time.Since(setupStart)

		start := time.Now()
		stats, err := ts.RunConcurrentWindows(windows, calls)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		elapsed := time.Since(start)

		if jsonOutput {
			out := map[string]any{
				"windows":     windows,
				"calls":       stats.TotalCalls,
				"errors":      stats.Errors,
				"setup_ms":    setup.Milliseconds(),
				"elapsed_ms":  elapsed.Milliseconds(),
				"min_us":      stats.Min.Microseconds(),
				"p50_us":      stats.P50.Microseconds(),
				"mean_us":     stats.Mean.Microseconds(),
				"p95_us":      stats.P95.Microseconds(),
				"p99_us":      stats.P99.Microseconds(),
				"max_us":      stats.Max.Microseconds(),
				"calls_per_s": float64(stats.TotalCalls) / elapsed.Seconds(),
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
			return
		}

		fmt.Printf("Setup: %v\n", setup.Round(time.Millisecond))
		stats.PrintStats(os.Stdout)
		fmt.Printf("\nThroughput: %.0f calls/s\n", float64(stats.TotalCalls)/elapsed.Seconds())
		if stats.Errors > 0 {
			fmt.Printf("%s %d windows hit errors\n", ui.RenderFail("✗"), stats.Errors)
			os.Exit(1)
		}
		fmt.Printf("%s No errors\n", ui.RenderPass("✓"))
	},
}

func init() {
	benchCmd.Flags().Int("windows", 4, "Number of concurrent UI windows")
	benchCmd.Flags().Int("calls", 25, "Gateway calls per window")
	benchCmd.Flags().Int("projects", 2, "Projects to generate")
	benchCmd.Flags().Int("elements", 100, "Elements per project")
	benchCmd.Flags().Int("acts", 50, "Acts to generate")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}
