// Package configwatch watches the config file on disk and triggers the
// same reload SIGHUP does, so an operator can edit the file in place
// instead of having to find the supervisor's pid to signal it.
package configwatch

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reloader is the subset of center.Handle this package depends on, kept
// narrow so configwatch doesn't import internal/center.
type Reloader interface {
	ReloadAll()
}

// debounce absorbs the write-rename-write bursts editors like vim and
// most IDEs produce for a single logical save.
const debounce = 250 * time.Millisecond

// Watcher watches a single config file path and calls ReloadAll on the
// given Reloader whenever it changes.
type Watcher struct {
	fsw  *fsnotify.Watcher
	log  zerolog.Logger
	done chan struct{}
}

// Watch starts watching path and returns a Watcher; call Close to stop.
// Many editors replace the file on save (write to a temp file, rename
// over the original), which drops the original path from the kernel's
// watch list, so a Remove/Rename event re-adds the watch instead of
// just forwarding it as a reload.
func Watch(path string, reloader Reloader, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, log: log, done: make(chan struct{})}
	go w.run(path, reloader)
	return w, nil
}

func (w *Watcher) run(path string, reloader Reloader) {
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				if err := w.fsw.Add(path); err != nil {
					w.log.Warn().Err(err).Str("path", path).Msg("config watcher: re-add after rename failed")
				}
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		case <-reload:
			w.log.Info().Str("path", path).Msg("config file changed, reloading")
			reloader.ReloadAll()
		case <-w.done:
			return
		}
	}
}

// Close stops watching and releases the underlying inotify fd.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
