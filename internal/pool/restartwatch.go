package pool

import (
	"github.com/fsnotify/fsnotify"
)

// watchRestartDir watches dir for filesystem events and invokes onEvent
// for each one, until stop is called or the watcher errors out
// permanently. This backs the advisory restart-file wakeup described in
// SPEC_FULL.md's domain stack section: Group.needsRestart's throttled
// mtime stat-poll remains the sole source of truth for whether a restart
// is actually due, but an fsnotify event lets the next check happen
// sooner than the throttle would otherwise allow, by clearing the
// throttle deadline rather than by trusting the event itself.
func watchRestartDir(dir string, onEvent func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				onEvent()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
