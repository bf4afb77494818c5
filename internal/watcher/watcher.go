// Package watcher wraps fsnotify into the native notification backend the
// event pipeline consumes: a channel of normalized (kind, path, isDir)
// events. fsnotify has no built-in recursive mode, so Watcher walks the
// watched tree at startup and adds every directory individually, then adds
// newly created directories as they appear.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Kind identifies the normalized event kind the pipeline understands.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
)

// Event is a single normalized filesystem notification.
type Event struct {
	Kind  Kind
	Path  string
	IsDir bool
}

// Watcher observes a directory tree and emits normalized Events.
type Watcher struct {
	root      string
	recursive bool
	fsw       *fsnotify.Watcher
	events    chan Event
}

// New creates a Watcher rooted at root. If recursive is true, every
// subdirectory under root is added individually at construction time, and
// newly created subdirectories are added as Run observes them.
func New(root string, recursive bool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:      root,
		recursive: recursive,
		fsw:       fsw,
		events:    make(chan Event, 256),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Events returns the channel of normalized events. It is closed when Run
// returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// addTree adds dir, and if recursive, every subdirectory beneath it, to the
// underlying fsnotify watcher.
func (w *Watcher) addTree(dir string) error {
	if !w.recursive {
		return w.fsw.Add(dir)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory may disappear between the walk and the Add call
			// (e.g. a transient temp dir); skip it rather than aborting the
			// whole walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil && !os.IsNotExist(addErr) {
				log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			}
		}
		return nil
	})
}

// Run translates raw fsnotify events into normalized Events until ctx is
// canceled. It closes the Events channel on return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(raw)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("component", "watcher").Msg("filesystem watcher error")
		}
	}
}

func (w *Watcher) handleRaw(raw fsnotify.Event) {
	info, statErr := os.Lstat(raw.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case raw.Has(fsnotify.Create):
		if w.recursive && isDir {
			if err := w.addTree(raw.Name); err != nil {
				log.Warn().Err(err).Str("path", raw.Name).Msg("failed to watch new directory")
			}
		}
		w.emit(Event{Kind: KindCreated, Path: raw.Name, IsDir: isDir})
	case raw.Has(fsnotify.Write):
		w.emit(Event{Kind: KindModified, Path: raw.Name, IsDir: isDir})
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		// The path no longer exists by the time we stat it; treat rename
		// away from this name the same as a delete, matching the original
		// agent's on_deleted/on_moved handling.
		w.emit(Event{Kind: KindDeleted, Path: raw.Name, IsDir: false})
	case raw.Has(fsnotify.Chmod):
		// Metadata-only changes are not part of the event_types contract.
	}
}

func (w *Watcher) emit(evt Event) {
	select {
	case w.events <- evt:
	default:
		log.Warn().Str("component", "watcher").Str("path", evt.Path).Msg("event channel full, dropping event")
	}
}
