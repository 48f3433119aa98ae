// Package watcher observes workspace folders for changes to Vitest config
// files, workspace files, and package manifests, and fires a debounced
// callback so the controller can re-run discovery.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"

	"github.com/vitest-tools/vitest-bridge/discovery"
)

const DefaultDebounce = 300 * time.Millisecond

// Config contains watcher configuration
type Config struct {
	Log log.Logger

	// Folders are the workspace roots to observe.
	Folders []string
	// ExcludeGlob filters out paths that never affect discovery. Defaults
	// to the discovery exclude glob.
	ExcludeGlob string
	// Debounce is the quiet period before OnChange fires. Defaults to
	// DefaultDebounce.
	Debounce time.Duration
	// OnChange receives the batch of changed paths after the quiet period.
	OnChange func(paths []string)
}

// Watcher turns raw filesystem events into debounced discovery triggers.
type Watcher struct {
	log      log.Logger
	folders  []string
	exclude  string
	fsw      *fsnotify.Watcher
	debounce func(func())
	onChange func(paths []string)

	mu      sync.Mutex
	pending []string
}

// New creates a watcher observing every directory under the configured
// folders, minus excluded subtrees.
func New(cfg Config) (*Watcher, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if len(cfg.Folders) == 0 {
		return nil, fmt.Errorf("no folders to watch")
	}
	if cfg.ExcludeGlob == "" {
		cfg.ExcludeGlob = discovery.DefaultExcludeGlob
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("no change handler configured")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	w := &Watcher{
		log:      cfg.Log,
		folders:  cfg.Folders,
		exclude:  cfg.ExcludeGlob,
		fsw:      fsw,
		debounce: debounce.New(cfg.Debounce),
		onChange: cfg.OnChange,
	}

	for _, folder := range cfg.Folders {
		if err := w.addTree(folder); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree registers the folder and all non-excluded subdirectories.
func (w *Watcher) addTree(folder string) error {
	return filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish mid-walk. Skip rather than fail.
			w.log.Debug("Skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != folder && w.excluded(folder, path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// excluded reports whether the path falls under the exclude glob of its
// folder root.
func (w *Watcher) excluded(folder, path string) bool {
	rel, err := filepath.Rel(folder, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	// The exclude glob targets entries inside the subtree, so test the
	// directory itself with a trailing sentinel as well.
	if ok, _ := doublestar.Match(w.exclude, rel); ok {
		return true
	}
	ok, _ := doublestar.Match(w.exclude, rel+"/x")
	return ok
}

// relevant reports whether a changed path can affect discovery results.
func (w *Watcher) relevant(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range []string{
		discovery.WorkspaceConfigGlob,
		discovery.ConfigGlob,
		discovery.ManifestGlob,
	} {
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// folderOf returns the configured folder containing the path, if any.
func (w *Watcher) folderOf(path string) (string, bool) {
	for _, folder := range w.folders {
		rel, err := filepath.Rel(folder, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return folder, true
	}
	return "", false
}

// Run processes events until the context is cancelled or the underlying
// watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// New directories need explicit registration to keep the subtree
	// covered. fsnotify does not watch recursively.
	if event.Op.Has(fsnotify.Create) {
		if folder, ok := w.folderOf(event.Name); ok && !w.excluded(folder, event.Name) {
			if err := w.fsw.Add(event.Name); err == nil {
				w.log.Debug("Watching new path", "path", event.Name)
			}
		}
	}

	if !w.relevant(event.Name) {
		return
	}
	if folder, ok := w.folderOf(event.Name); !ok || w.excluded(folder, event.Name) {
		return
	}

	w.log.Debug("Discovery-relevant change", "path", event.Name, "op", event.Op.String())
	w.mu.Lock()
	w.pending = append(w.pending, event.Name)
	w.mu.Unlock()
	w.debounce(w.flush)
}

// flush hands the accumulated batch to the change handler.
func (w *Watcher) flush() {
	w.mu.Lock()
	paths := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(paths) == 0 {
		return
	}
	w.onChange(dedupe(paths))
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
