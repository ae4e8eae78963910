// Command structura runs the local store and access gateway of the
// structura desktop client and offers maintenance commands on the store.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/structura-bim/structura/internal/config"
	"github.com/structura-bim/structura/internal/logging"
	"github.com/structura-bim/structura/internal/store/db"
	"github.com/structura-bim/structura/internal/store/engine"
)

var (
	dataDirFlag string
	quietFlag   bool

	v       *viper.Viper
	cfg     *config.Config
	logSink *logging.Sink
)

var rootCmd = &cobra.Command{
	Use:   "structura",
	Short: "Local store and gateway for the structura desktop client",
	Long: `structura keeps the offline copy of projects, elements, acts and
cached models in a single SQLite file and serves it to the UI.

Data lives in the application data directory (default: the user config
directory under "structura"), overridable with --data-dir or
STRUCTURA_DATA_DIR.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		v, err = config.New(dataDirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if dataDirFlag != "" {
			v.Set("data_dir", dataDirFlag)
		}
		if f := cmd.Flags().Lookup("port"); f != nil {
			_ = v.BindPFlag("server.port", f)
		}
		if f := cmd.Flags().Lookup("watch"); f != nil {
			_ = v.BindPFlag("watch.folder", f)
		}

		cfg, err = config.Load(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		opts := logging.Options{}
		if cfg.Log.File {
			opts.Path = cfg.LogPath()
			opts.MaxSizeMB = cfg.Log.MaxSizeMB
			opts.MaxBackups = cfg.Log.MaxBackups
			opts.MaxAgeDays = cfg.Log.MaxAgeDays
		}
		if quietFlag {
			opts.Stderr = io.Discard
		}
		logSink, err = logging.Open(opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logSink != nil {
			_ = logSink.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Application data directory")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Do not echo log lines to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func logger(name string) *log.Logger {
	if logSink == nil {
		return log.New(os.Stderr, "["+name+"] ", log.LstdFlags)
	}
	return logSink.Logger(name)
}

// openStore opens the store in the data directory and ensures the schema.
// Failures exit the process.
func openStore() (*engine.Engine, *db.DB) {
	eng, err := engine.Open(cfg.DBPath(), engine.WithLogger(logger("engine")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store %s: %v\n", cfg.DBPath(), err)
		os.Exit(1)
	}

	repo := db.New(eng, db.WithLogger(logger("db")))
	if err := repo.EnsureSchema(); err != nil {
		_ = eng.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return eng, repo
}

// exitf reports a failure and exits with status 1. A non-nil eng is closed
// first so its final flush and the log sink are not skipped by os.Exit.
func exitf(eng *engine.Engine, format string, a ...any) {
	fmt.Fprintf(os.Stderr, format, a...)
	if eng != nil {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
		}
	}
	if logSink != nil {
		_ = logSink.Close()
	}
	os.Exit(1)
}

// closeStore closes eng at the end of a command. A failed final flush is an
// error of the command.
func closeStore(eng *engine.Engine) {
	if err := eng.Close(); err != nil {
		exitf(nil, "Error closing store: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
