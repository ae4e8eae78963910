package actscan

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/structura-bim/structura/internal/store/schema"
)

// Importer stores newly discovered acts. It is satisfied by *db.DB.
type Importer interface {
	ImportActs(ctx context.Context, acts []*schema.Act) ([]*schema.Act, error)
}

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long a path must be quiet before it is
	// imported. This batches the burst of events a file copy produces.
	DebounceInterval time.Duration

	// OnImport, if set, is called with the acts each import added.
	OnImport func(acts []*schema.Act)

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher imports PDF files as they appear in the acts folder.
//
// On Start it imports everything already present, then follows the folder
// and its subfolders with fsnotify. New subfolders are watched as they are
// created. Removing a file never removes its act: the act log is
// append-only.
type Watcher struct {
	root     string
	importer Importer
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for root. Call Start to begin watching.
func NewWatcher(root string, importer Importer, config *Config) (*Watcher, error) {
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if importer == nil {
		return nil, fmt.Errorf("importer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	return &Watcher{
		root:        abs,
		importer:    importer,
		config:      config,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Root returns the absolute path of the watched folder.
func (w *Watcher) Root() string {
	return w.root
}

// Start performs an initial import and begins watching in the background.
// The watcher runs until ctx is cancelled or Stop is called. Calling Start
// on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.addTree(w.root); err != nil {
		w.cancel()
		_ = fsw.Close()
		return err
	}

	if _, err := w.importTree(w.root); err != nil {
		w.cancel()
		_ = fsw.Close()
		return fmt.Errorf("initial import failed: %w", err)
	}

	w.config.Logger.Printf("Watching acts folder: %s", w.root)

	w.running = true
	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()
	return nil
}

// Stop shuts the watcher down and waits for in-flight imports. Calling
// Stop on a stopped watcher is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()

	w.changeQueueMu.Lock()
	clear(w.changeQueue)
	w.changeQueueMu.Unlock()

	w.config.Logger.Println("Watcher stopped")
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addTree watches dir and every folder below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			w.config.Logger.Printf("Warning: skipping unreadable folder %s: %v", path, err)
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			w.config.Logger.Printf("Warning: failed to watch %s: %v", path, err)
		}
		return nil
	})
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Removals leave the act log untouched.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.config.Logger.Printf("Error watching new folder %s: %v", event.Name, err)
					}
					w.queueChange(event.Name)
					continue
				}
			}

			if !IsPDF(event.Name) {
				continue
			}
			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a path to the change queue with debouncing.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue imports queued changes with debouncing.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges imports paths that have been quiet long enough.
func (w *Watcher) processPendingChanges() {
	now := time.Now()
	var ready []string

	w.changeQueueMu.Lock()
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	if len(ready) == 0 {
		return
	}

	var acts []*schema.Act
	for _, path := range ready {
		info, err := os.Stat(path)
		if err != nil {
			// Moved away or deleted before it settled.
			continue
		}
		if info.IsDir() {
			res, err := scanTree(w.root, path)
			if err != nil {
				w.config.Logger.Printf("Error scanning %s: %v", path, err)
				continue
			}
			acts = append(acts, res.Acts...)
			continue
		}
		acts = append(acts, ActFromPath(w.root, path))
	}

	if _, err := w.importActs(acts); err != nil {
		w.config.Logger.Printf("Error importing acts: %v", err)
	}
}

// importTree scans dir and imports what it finds.
func (w *Watcher) importTree(dir string) ([]*schema.Act, error) {
	res, err := scanTree(w.root, dir)
	if err != nil {
		return nil, err
	}
	for _, skipped := range res.Skipped {
		w.config.Logger.Printf("Warning: skipped unreadable path %s", skipped)
	}
	return w.importActs(res.Acts)
}

func (w *Watcher) importActs(acts []*schema.Act) ([]*schema.Act, error) {
	if len(acts) == 0 {
		return nil, nil
	}

	imported, err := w.importer.ImportActs(w.ctx, acts)
	if err != nil {
		return nil, err
	}
	if len(imported) > 0 {
		w.config.Logger.Printf("Imported %d act(s) from %s", len(imported), w.root)
		if w.config.OnImport != nil {
			w.config.OnImport(imported)
		}
	}
	return imported, nil
}
