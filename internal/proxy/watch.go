package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Backoff bounds for sustained watcher errors (e.g. kernel buffer
// overflow).
const (
	watchErrInitBackoff = time.Second
	watchErrBackoffMult = 2
	watchErrMaxBackoff  = time.Minute
)

// fsWatcher abstracts fsnotify.Watcher so the watch loop can be tested
// with injected channels.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// notifyWatcher adapts *fsnotify.Watcher, whose channels are struct
// fields, to the fsWatcher interface.
type notifyWatcher struct {
	*fsnotify.Watcher
}

func (w notifyWatcher) Events() <-chan fsnotify.Event { return w.Watcher.Events }
func (w notifyWatcher) Errors() <-chan error          { return w.Watcher.Errors }

// FileWatcher forces a Pool refresh whenever its backing endpoint file
// changes, so edits take effect without waiting out the TTL.
type FileWatcher struct {
	pool   *Pool
	path   string
	logger *slog.Logger

	watcherFactory func() (fsWatcher, error)
}

// NewFileWatcher creates a FileWatcher for the endpoint file at path.
func NewFileWatcher(pool *Pool, path string, logger *slog.Logger) *FileWatcher {
	return &FileWatcher{
		pool:   pool,
		path:   path,
		logger: logger,
		watcherFactory: func() (fsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return notifyWatcher{w}, nil
		},
	}
}

// Watch blocks until ctx is canceled, refreshing the pool after each
// change to the endpoint file. The parent directory is watched rather than
// the file itself because editors typically replace files by rename, which
// would silently detach a watch on the file.
func (w *FileWatcher) Watch(ctx context.Context) error {
	watcher, err := w.watcherFactory()
	if err != nil {
		return fmt.Errorf("proxy: creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("proxy: watching %s: %w", dir, err)
	}

	w.logger.Info("watching proxy endpoint file", slog.String("path", w.path))

	return w.watchLoop(ctx, watcher)
}

// watchLoop is the main select loop for Watch. It processes fsnotify
// events, watcher errors, and context cancellation.
func (w *FileWatcher) watchLoop(ctx context.Context, watcher fsWatcher) error {
	target := filepath.Clean(w.path)
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Info("proxy endpoint file changed, refreshing pool",
				slog.String("path", target),
				slog.String("op", event.Op.String()),
			)

			if err := w.pool.Update(ctx, true); err != nil {
				w.logger.Warn("proxy pool refresh failed",
					slog.String("error", err.Error()))
			}

			// Successful event resets error backoff.
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("proxy file watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Exponential backoff prevents a tight loop under sustained
			// errors.
			if sleepErr := timeSleep(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
