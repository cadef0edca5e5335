package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads a profile whenever one of its documents changes.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   *telemetry.Logger
}

// NewWatcher creates a watcher for the profile at path. A zero debounce uses
// DefaultDebounce.
func NewWatcher(loader *Loader, path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		loader:   loader,
		path:     path,
		debounce: debounce,
		logger:   loader.logger.NewComponentLogger("profile-watch"),
	}
}

// Watch loads the profile and calls onChange with the result, then again after
// every change to the root document or anything it imports. Imports added by an
// edit are picked up on the next reload. Watch blocks until ctx is done.
func (w *Watcher) Watch(ctx context.Context, onChange func(*model.Profile, error)) error {
	root, err := ResolvePath(w.path)
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	// Directories are watched rather than files so that editors replacing a file by
	// rename keep being noticed.
	dirs := make(map[string]bool)
	files := map[string]bool{root: true}
	watchDir := func(file string) {
		dir := filepath.Dir(file)
		if dirs[dir] {
			return
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
			return
		}
		dirs[dir] = true
	}
	watchDir(root)

	reload := func() {
		docs, err := w.loader.LoadDocuments(ctx, root)
		if err != nil {
			onChange(nil, err)
			return
		}
		files = map[string]bool{root: true}
		for _, src := range Sources(docs) {
			files[src] = true
			watchDir(src)
		}
		profile, err := w.loader.Build(docs)
		onChange(profile, err)
	}
	reload()

	w.logger.Info().
		Str("profile", root).
		Int("directories", len(dirs)).
		Msg("Watching profile documents")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Profile document changed")

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
