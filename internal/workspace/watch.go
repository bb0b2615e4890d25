package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch signals on the returned channel whenever a job document is
// written. The channel has a buffer of one and signals are coalesced, so a
// slow reader sees at most one pending notification. The watcher stops when
// ctx is done.
//
// fsnotify does not recurse, so the root and every job directory are
// watched individually; job directories created later are added as they
// appear.
func (w *Workspace) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(w.root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch workspace: %w", err)
	}
	ids, err := w.JobIDs()
	if err != nil {
		watcher.Close()
		return nil, err
	}
	for _, id := range ids {
		if err := watcher.Add(w.JobDir(id)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch job %s: %w", id, err)
		}
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				w.handleWatchEvent(watcher, ev, changes)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("workspace watcher error", "error", err.Error())
			}
		}
	}()
	return changes, nil
}

func (w *Workspace) handleWatchEvent(watcher *fsnotify.Watcher, ev fsnotify.Event, changes chan<- struct{}) {
	if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == w.root {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				w.logger.Warn("failed to watch new job directory", "path", ev.Name, "error", err.Error())
			}
		}
		return
	}

	if filepath.Base(ev.Name) != DocumentFileName {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	select {
	case changes <- struct{}{}:
	default:
	}
}
