// Package watch implements the directory watcher collaborator: it walks a
// set of root paths, watches them with fsnotify, and translates filesystem
// activity plus a periodic resweep into the pipeline's
// added/modified/removed event vocabulary.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"ocspd/pipeline"
)

// Options configures a Watcher.
type Options struct {
	// RefreshInterval triggers a full resweep of the watched roots, to
	// pick up files fsnotify missed (e.g. during its own restart). Default
	// 5 minutes.
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// Watcher implements pipeline.Watcher using fsnotify plus a periodic
// directory walk.
type Watcher struct {
	refreshInterval time.Duration
	log             *zap.Logger
}

// New creates a Watcher.
func New(opts Options) *Watcher {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{refreshInterval: opts.RefreshInterval, log: opts.Logger}
}

// Subscribe walks roots once to emit an initial "added" event per matching
// file, then watches every directory under roots (recursively) for
// create/write/remove/rename activity, plus a periodic resweep to catch
// anything the inotify layer missed. The returned channel is closed when
// ctx is cancelled.
func (w *Watcher) Subscribe(ctx context.Context, roots []string, extensions []string) (<-chan pipeline.Event, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}

	matcher := newExtensionMatcher(extensions)

	for _, root := range roots {
		if err := addRecursive(fsw, root); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: watching %s: %w", root, err)
		}
	}

	events := make(chan pipeline.Event, 256)

	go w.run(ctx, fsw, roots, matcher, events)

	// Initial sweep, so the pipeline has something to parse even if the
	// directories were already fully populated before startup.
	go w.sweep(roots, matcher, events)

	return events, nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, roots []string, matcher extensionMatcher, events chan<- pipeline.Event) {
	defer fsw.Close()
	defer close(events)

	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleFsnotifyEvent(fsw, ev, matcher, events)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", zap.Error(err))

		case <-ticker.C:
			w.sweep(roots, matcher, events)
		}
	}
}

func (w *Watcher) handleFsnotifyEvent(fsw *fsnotify.Watcher, ev fsnotify.Event, matcher extensionMatcher, events chan<- pipeline.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(fsw, ev.Name); err != nil {
				w.log.Warn("could not watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}

	if !matcher.match(ev.Name) {
		return
	}

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.emit(events, pipeline.Event{Kind: pipeline.Removed, Path: ev.Name})
	case ev.Op&fsnotify.Create != 0:
		w.emit(events, pipeline.Event{Kind: pipeline.Added, Path: ev.Name})
	case ev.Op&fsnotify.Write != 0:
		w.emit(events, pipeline.Event{Kind: pipeline.Modified, Path: ev.Name})
	}
}

// sweep walks roots and emits an Added event for every matching file. The
// pipeline skips an event whose file content hash matches the one its
// record already holds, so re-announcing an unchanged, already-known file
// is harmless.
func (w *Watcher) sweep(roots []string, matcher extensionMatcher, events chan<- pipeline.Event) {
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // best effort: skip unreadable entries
			}
			if d.IsDir() {
				return nil
			}
			if !matcher.match(path) {
				return nil
			}
			w.emit(events, pipeline.Event{Kind: pipeline.Added, Path: path})
			return nil
		})
		if err != nil {
			w.log.Warn("resweep failed", zap.String("root", root), zap.Error(err))
		}
	}
}

func (w *Watcher) emit(events chan<- pipeline.Event, ev pipeline.Event) {
	select {
	case events <- ev:
	default:
		w.log.Warn("event channel full, dropping event", zap.String("path", ev.Path), zap.String("kind", ev.Kind.String()))
	}
}

// addRecursive adds root and every directory beneath it to fsw.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// extensionMatcher matches file paths against a case-insensitive set of
// extensions, default {crt, pem, cer}.
type extensionMatcher struct {
	set map[string]struct{}
}

func newExtensionMatcher(extensions []string) extensionMatcher {
	if len(extensions) == 0 {
		extensions = []string{"crt", "pem", "cer"}
	}
	set := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return extensionMatcher{set: set}
}

func (m extensionMatcher) match(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	_, ok := m.set[ext]
	return ok
}
