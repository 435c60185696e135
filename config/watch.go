package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reports changes of cfile on changed until stop is closed. The
// directory is watched rather than the file itself so editors that save by
// renaming are noticed too. Bursts of events are collapsed into one
// notification. Watch should be called as a goroutine once the watcher was
// created by NewWatcher.
func Watch(watcher *fsnotify.Watcher, cfile string, changed chan<- struct{}, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer watcher.Close()

	target := filepath.Clean(cfile)
	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	pending := false

	for {
		select {
		case <-stop:
			slog.Info("Ending config watcher go-routine")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(watchDebounce)
		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			slog.Info("Config file changed", "file", cfile)
			select {
			case changed <- struct{}{}:
			default:
				// a reload is already pending
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

// NewWatcher creates a watcher for the directory holding cfile.
func NewWatcher(cfile string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(filepath.Clean(cfile))); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}
