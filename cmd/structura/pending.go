package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/structura-bim/structura/internal/store/schema"
	"github.com/structura-bim/structura/internal/store/syncq"
	"github.com/structura-bim/structura/internal/ui"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "data",
	Short:   "List elements awaiting upload",
	Long: `List the elements whose local changes have not been uploaded yet,
oldest change first.

With --drain FILE the pending elements are appended to FILE as JSON lines,
one batch per line, and their markers are cleared. Elements edited while
the drain runs stay pending.

Examples:
  structura pending
  structura pending --format yaml
  structura pending --drain outbox.jsonl --batch 50`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		drain, _ := cmd.Flags().GetString("drain")
		batch, _ := cmd.Flags().GetInt("batch")

		if format != "text" && format != "json" && format != "yaml" {
			fmt.Fprintf(os.Stderr, "Error: --format must be 'text', 'json', or 'yaml'\n")
			os.Exit(1)
		}
		if batch <= 0 {
			batch = cfg.Sync.BatchSize
		}

		eng, repo := openStore()
		defer closeStore(eng)

		queue := syncq.New(repo, logger("sync"))
		ctx := context.Background()

		if drain != "" {
			result, err := drainTo(ctx, queue, drain, batch)
			if err != nil {
				exitf(eng, "Error: %v\n", err)
			}
			err = writeFormatted(os.Stdout, format, result)
			if errors.Is(err, errTextFormat) {
				fmt.Printf("%s Drained %d elements in %d batches to %s\n",
					ui.RenderPass("✓"), result.Synced, result.Batches, drain)
				if result.Pending > 0 {
					fmt.Printf("   Still pending: %d (%d edited during drain)\n", result.Pending, result.Skipped)
				}
				return
			}
			if err != nil {
				exitf(eng, "Error: %v\n", err)
			}
			return
		}

		elements, err := queue.Pending(ctx)
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}
		err = writeFormatted(os.Stdout, format, elements)
		if errors.Is(err, errTextFormat) {
			printPending(os.Stdout, elements)
			return
		}
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}
	},
}

// errTextFormat tells the caller to render text itself.
var errTextFormat = errors.New("text format")

// writeFormatted writes v as JSON or YAML; for text it returns errTextFormat.
func writeFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return errTextFormat
	}
}

func printPending(w io.Writer, elements []*schema.Element) {
	if len(elements) == 0 {
		fmt.Fprintf(w, "%s Nothing to upload\n", ui.RenderPass("✓"))
		return
	}
	fmt.Fprintf(w, "%s %d elements pending upload\n\n", ui.RenderAccent("↑"), len(elements))
	for _, e := range elements {
		name := e.Name
		if name == "" {
			name = ui.RenderMuted("(unnamed)")
		}
		fmt.Fprintf(w, "  %s  %s  %s  %s\n",
			ui.RenderMuted(e.ModifiedAt.Format("2006-01-02 15:04:05")),
			e.GUID, name, ui.RenderStatus(e.Status))
	}
}

// fileUploader appends each batch to a JSONL file. A batch counts as
// uploaded only once it is synced to disk, since the queue clears the
// markers right after Upload returns.
type fileUploader struct {
	f *os.File
}

func (u *fileUploader) Upload(_ context.Context, batch []*schema.Element) error {
	line, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if _, err := u.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	if err := u.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", u.f.Name(), err)
	}
	return nil
}

func drainTo(ctx context.Context, queue syncq.Queue, path string, batch int) (*syncq.FlushResult, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return queue.Flush(ctx, &fileUploader{f: f}, batch)
}

func init() {
	pendingCmd.Flags().String("format", "text", "Output format: text, json, or yaml")
	pendingCmd.Flags().String("drain", "", "Append pending elements to this JSONL file and clear their markers")
	pendingCmd.Flags().Int("batch", 0, "Elements per drained batch (default: sync.batch_size)")
	rootCmd.AddCommand(pendingCmd)
}
