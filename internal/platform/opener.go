package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/structura-bim/structura/internal/store"
)

// SystemOpener opens paths with xdg-open, open or start depending on the OS.
type SystemOpener struct {
	// command overrides the launcher; used in tests.
	command func(ctx context.Context, path string) *exec.Cmd
}

// OpenPath implements PathOpener. The launcher is started and not waited on.
func (o *SystemOpener) OpenPath(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("%w: path is required", store.ErrValidation)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", store.ErrNotFound, path)
	}

	build := o.command
	if build == nil {
		build = openCommand
	}
	cmd := build(ctx, path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func openCommand(ctx context.Context, path string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "open", path)
	case "windows":
		return exec.CommandContext(ctx, "cmd", "/c", "start", "", path)
	default:
		return exec.CommandContext(ctx, "xdg-open", path)
	}
}
