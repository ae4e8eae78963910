package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/config"
	"github.com/structura-bim/structura/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Show or initialize settings",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.toml to the data directory",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := filepath.Join(cfg.DataDir, config.FileName)
		if err := config.WriteDefault(path, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved settings",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if format == "text" {
			format = "yaml"
		}
		if err := writeFormatted(os.Stdout, format, v.AllSettings()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# from "+used))
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or json")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
