package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/edcompanion/engine/internal/journal"
	xlog "github.com/edcompanion/engine/internal/log"
)

const defaultWatchDebounce = 20 * time.Millisecond

// Watcher turns filesystem activity in the journal directory into poll
// nudges so changes are picked up before the next tick. Polling stays the
// source of truth; a missed notification only delays a cycle.
type Watcher struct {
	fs       *fsnotify.Watcher
	names    map[string]bool
	debounce time.Duration
	c        chan struct{}
	logger   zerolog.Logger
}

// NewWatcher watches dir for journal files and the named companion files.
func NewWatcher(dir string, names ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{
		fs:       fw,
		names:    make(map[string]bool, len(names)),
		debounce: defaultWatchDebounce,
		c:        make(chan struct{}, 1),
		logger:   xlog.WithComponent("watch"),
	}
	for _, n := range names {
		w.names[filepath.Base(n)] = true
	}
	return w, nil
}

// C delivers at most one pending nudge.
func (w *Watcher) C() <-chan struct{} { return w.c }

func (w *Watcher) relevant(path string) bool {
	name := filepath.Base(path)
	if w.names[name] {
		return true
	}
	_, _, ok := journal.ParseName(name)
	return ok
}

// Run forwards debounced nudges until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = w.fs.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) || !w.relevant(event.Name) {
				continue
			}
			w.logger.Trace().Str("event", "watch.file_changed").Str("file", event.Name).Str("op", event.Op.String()).Msg("file changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case w.c <- struct{}{}:
			default:
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("event", "watch.error").Msg("file watcher error")
		}
	}
}
