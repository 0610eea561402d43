// Package watcher provides file system watching for event record directories.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeType represents the type of file system change
type ChangeType int

const (
	ChangeCreate ChangeType = iota
	ChangeModify
	ChangeDelete
	ChangeRename
)

// Change represents a file system change
type Change struct {
	Type      ChangeType
	Path      string
	Timestamp time.Time
}

// String returns a string representation of the change type
func (c ChangeType) String() string {
	switch c {
	case ChangeCreate:
		return "create"
	case ChangeModify:
		return "modify"
	case ChangeDelete:
		return "delete"
	case ChangeRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ChangeHandler is called with a debounced batch of changes in dir
type ChangeHandler func(dir string, changes []Change)

// Config contains watcher configuration
type Config struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	DebounceMs     int      `json:"debounceMs" mapstructure:"debounce_ms"`
	IgnorePatterns []string `json:"ignorePatterns" mapstructure:"ignore_patterns"`
}

// DefaultConfig returns the default watcher configuration
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		DebounceMs: 500,
		IgnorePatterns: []string{
			".*",
			"*.tmp",
			"*.swp",
			"*~",
		},
	}
}

// Watcher watches directories for new or rewritten files
type Watcher struct {
	config  Config
	logger  *slog.Logger
	handler ChangeHandler
	dirs    map[string]*dirWatcher // dir -> watcher

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// dirWatcher watches a single directory
type dirWatcher struct {
	dir       string
	fsw       *fsnotify.Watcher
	debouncer *BatchDebouncer
	stopCh    chan struct{}
}

// New creates a new file system watcher
func New(config Config, logger *slog.Logger, handler ChangeHandler) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		config:  config,
		logger:  logger,
		handler: handler,
		dirs:    make(map[string]*dirWatcher),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins watching
func (w *Watcher) Start() error {
	if !w.config.Enabled {
		w.logger.Info("File watcher is disabled")
		return nil
	}

	w.logger.Info("Starting file watcher", "debounceMs", w.config.DebounceMs)
	return nil
}

// Stop stops watching. Pending batches are dropped.
func (w *Watcher) Stop() error {
	w.logger.Info("Stopping file watcher")
	w.cancel()

	w.mu.Lock()
	for dir, dw := range w.dirs {
		close(dw.stopCh)
		delete(w.dirs, dir)
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("File watcher stopped")
	return nil
}

// WatchDir starts watching a directory
func (w *Watcher) WatchDir(dir string) error {
	if !w.config.Enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return fmt.Errorf("watcher is stopped")
	}
	if _, exists := w.dirs[dir]; exists {
		return nil // Already watching
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	dw := &dirWatcher{
		dir:    dir,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}
	dw.debouncer = NewBatchDebouncer(time.Duration(w.config.DebounceMs)*time.Millisecond, func(changes []Change) {
		w.emit(dw, changes)
	})
	w.dirs[dir] = dw

	w.wg.Add(1)
	go w.watchDir(dw)

	w.logger.Info("Watching directory", "path", dir)
	return nil
}

// UnwatchDir stops watching a directory
func (w *Watcher) UnwatchDir(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if dw, exists := w.dirs[dir]; exists {
		close(dw.stopCh)
		delete(w.dirs, dir)
		w.logger.Info("Stopped watching directory", "path", dir)
	}
}

// watchDir forwards fsnotify events into the debouncer
func (w *Watcher) watchDir(dw *dirWatcher) {
	defer w.wg.Done()
	defer dw.fsw.Close()
	defer dw.debouncer.Cancel()

	for {
		select {
		case ev, ok := <-dw.fsw.Events:
			if !ok {
				return
			}
			if c, ok := w.convert(ev); ok {
				dw.debouncer.Add(c)
			}
		case err, ok := <-dw.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "path", dw.dir, "error", err)
		case <-dw.stopCh:
			return
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) convert(ev fsnotify.Event) (Change, bool) {
	if w.IsIgnored(ev.Name) {
		return Change{}, false
	}
	c := Change{Path: ev.Name, Timestamp: time.Now()}
	switch {
	case ev.Has(fsnotify.Create):
		c.Type = ChangeCreate
	case ev.Has(fsnotify.Write):
		c.Type = ChangeModify
	case ev.Has(fsnotify.Remove):
		c.Type = ChangeDelete
	case ev.Has(fsnotify.Rename):
		c.Type = ChangeRename
	default:
		return Change{}, false // chmod
	}
	return c, true
}

func (w *Watcher) emit(dw *dirWatcher, changes []Change) {
	select {
	case <-dw.stopCh:
		return
	case <-w.ctx.Done():
		return
	default:
	}
	w.logger.Debug("Directory changes detected",
		"path", dw.dir,
		"changeCount", len(changes),
	)
	if w.handler != nil {
		w.handler(dw.dir, changes)
	}
}

// IsIgnored checks if a path's base name matches an ignore pattern
func (w *Watcher) IsIgnored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.config.IgnorePatterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// WatchedDirs returns the watched directories, sorted
func (w *Watcher) WatchedDirs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	dirs := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Stats returns watcher statistics
func (w *Watcher) Stats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return map[string]interface{}{
		"enabled":        w.config.Enabled,
		"watchedDirs":    len(w.dirs),
		"debounceMs":     w.config.DebounceMs,
		"ignorePatterns": strings.Join(w.config.IgnorePatterns, ","),
	}
}
