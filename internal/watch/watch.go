package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler receives the sorted base names of the files that changed during
// one debounce window.
type Handler func(ctx context.Context, files []string)

// #region watcher

// Watcher reports changes to the CSV files of a data directory. Bursts of
// events are collapsed: the handler runs once the directory has been quiet
// for the debounce interval.
type Watcher struct {
	fw       *fsnotify.Watcher
	dir      string
	debounce time.Duration
	handler  Handler
	logger   *zap.Logger
}

// New starts watching dir. Call Run to deliver events.
func New(dir string, debounce time.Duration, handler Handler, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{fw: fw, dir: dir, debounce: debounce, handler: handler, logger: logger}, nil
}

// Run delivers debounced changes until ctx is done, then closes the watcher.
// The handler runs on the Run goroutine, so changes arriving meanwhile are
// batched into the next window.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	pending := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			pending[filepath.Base(ev.Name)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.String("dir", w.dir), zap.Error(err))

		case <-timerC:
			timer, timerC = nil, nil
			files := make([]string, 0, len(pending))
			for name := range pending {
				files = append(files, name)
			}
			slices.Sort(files)
			clear(pending)
			w.logger.Debug("data changed", zap.Strings("files", files))
			w.handler(ctx, files)
		}
	}
}

// #endregion watcher

func relevant(ev fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(ev.Name), ".csv") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
