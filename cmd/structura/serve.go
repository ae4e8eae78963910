package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/structura-bim/structura/internal/actscan"
	"github.com/structura-bim/structura/internal/gateway"
	"github.com/structura-bim/structura/internal/platform"
	"github.com/structura-bim/structura/internal/store/schema"
	"github.com/structura-bim/structura/internal/store/syncq"
	"github.com/structura-bim/structura/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "run",
	Short:   "Run the access gateway for the UI",
	Long: `Open the store and serve it to the UI over WebSocket and HTTP on the
loopback interface.

Endpoints:
  ws://127.0.0.1:<port>/ws        request/response envelopes and change events
  POST /api/<operation>          JSON array of positional arguments
  GET  /api                      list of operations
  GET  /health                   liveness

With --watch (or watch.folder in the config) the acts folder is imported on
start and followed for new PDF files.

The store is flushed after every change and closed on Ctrl+C.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, repo := openStore()
		defer closeStore(eng)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		gw, err := gateway.New(gateway.Config{
			Repo:   repo,
			Queue:  syncq.New(repo, logger("sync")),
			Picker: &platform.PromptPicker{Start: cfg.Watch.Folder},
			Opener: &platform.SystemOpener{},
			Probe: &platform.DNSProbe{
				Host:    cfg.Network.ProbeHost,
				Timeout: cfg.Network.ProbeTimeout,
			},
			Logger: logger("gateway"),
		})
		if err != nil {
			exitf(eng, "Error: %v\n", err)
		}

		server := gateway.NewServer(gw, &gateway.ServerConfig{
			Host:   cfg.Server.Host,
			Port:   cfg.Server.Port,
			Logger: logger("server"),
		})
		if err := server.Start(); err != nil {
			exitf(eng, "Error: failed to start gateway: %v\n", err)
		}

		var watcher *actscan.Watcher
		if cfg.Watch.Folder != "" {
			watcher, err = actscan.NewWatcher(cfg.Watch.Folder, repo, &actscan.Config{
				DebounceInterval: cfg.Watch.Debounce,
				Logger:           logger("watcher"),
				OnImport: func(acts []*schema.Act) {
					ev, err := gateway.NewEvent(gateway.EventActsScanned, gateway.ActsScannedData{
						Folder:   cfg.Watch.Folder,
						Found:    len(acts),
						Imported: acts,
					})
					if err == nil {
						server.Publish(ev)
					}
				},
			})
			if err == nil {
				err = watcher.Start(ctx)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s acts folder not watched: %v\n", ui.RenderWarn("⚠"), err)
				watcher = nil
			}
		}

		fmt.Printf("%s Gateway listening on %s\n", ui.RenderPass("✓"), server.Addr())
		fmt.Printf("   Store: %s\n", eng.Path())
		fmt.Printf("   WebSocket: ws://%s/ws\n", server.Addr())
		if watcher != nil {
			fmt.Printf("   Watching: %s\n", watcher.Root())
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping watcher: %v\n", err)
			}
		}
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", gateway.DefaultPort, "Port to listen on (0 picks a free port)")
	serveCmd.Flags().StringP("watch", "w", "", "Acts folder to import and follow")
	rootCmd.AddCommand(serveCmd)
}
