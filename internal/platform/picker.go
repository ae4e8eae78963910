package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
)

// PromptTitle is shown above the folder prompt.
const PromptTitle = "Выберите папку с актами"

// PromptPicker asks for a folder on the terminal.
type PromptPicker struct {
	// Start pre-fills the prompt.
	Start string
	// Accessible switches huh to its screen-reader friendly mode.
	Accessible bool
}

// SelectDirectory implements DirectoryPicker.
func (p *PromptPicker) SelectDirectory(ctx context.Context) (string, error) {
	path := p.Start

	input := huh.NewInput().
		Title(PromptTitle).
		Placeholder("/path/to/acts").
		Value(&path).
		Validate(ValidateDirectory)

	err := huh.NewForm(huh.NewGroup(input)).
		WithAccessible(p.Accessible).
		RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("folder prompt failed: %w", err)
	}

	return filepath.Abs(ExpandHome(strings.TrimSpace(path)))
}

// ValidateDirectory accepts paths that name an existing directory.
func ValidateDirectory(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	info, err := os.Stat(ExpandHome(path))
	if err != nil {
		return fmt.Errorf("cannot open %s", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a folder", path)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
