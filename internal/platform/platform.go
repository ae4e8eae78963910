// Package platform implements the operating-system collaborators the access
// gateway delegates to: choosing a folder, opening a file in the system
// viewer, and checking network reachability.
package platform

import (
	"context"
)

// DirectoryPicker asks the user for a folder. An empty path with a nil
// error means the user cancelled.
type DirectoryPicker interface {
	SelectDirectory(ctx context.Context) (string, error)
}

// PathOpener opens a file or folder with the system's default application.
type PathOpener interface {
	OpenPath(ctx context.Context, path string) error
}

// NetworkProbe reports whether the remote services are reachable.
type NetworkProbe interface {
	IsOnline(ctx context.Context) bool
}
