package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the store whenever the schedule file changes. Editors tend
// to write a file in several steps, so events are debounced. It returns
// when ctx is done.
func Watch(ctx context.Context, store *Store, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// watch the directory, editors replace the file instead of writing it
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	file := filepath.Base(path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			_ = store.Reload(ctx)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				store.logger.WithField("path", path).Debug("Schedule change detected")
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			store.logger.WithFields(logrus.Fields{"path": path, "err": err}).Warn("Schedule watcher error")
		}
	}
}
