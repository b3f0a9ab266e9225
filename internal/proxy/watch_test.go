package proxy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// mockWatcher implements fsWatcher with injectable channels.
type mockWatcher struct {
	events chan fsnotify.Event
	errs   chan error
	added  []string
}

func newMockWatcher() *mockWatcher {
	return &mockWatcher{
		events: make(chan fsnotify.Event, 16),
		errs:   make(chan error, 16),
	}
}

func (m *mockWatcher) Add(name string) error         { m.added = append(m.added, name); return nil }
func (m *mockWatcher) Close() error                  { return nil }
func (m *mockWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockWatcher) Errors() <-chan error          { return m.errs }

// startWatch runs fw.Watch with the mock watcher and returns a channel
// carrying its result.
func startWatch(ctx context.Context, fw *FileWatcher, mock *mockWatcher) <-chan error {
	fw.watcherFactory = func() (fsWatcher, error) { return mock, nil }

	done := make(chan error, 1)
	go func() {
		done <- fw.Watch(ctx)
	}()

	return done
}

func waitWatch(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
		return nil
	}
}

func TestFileWatcher_RefreshesOnTargetChange(t *testing.T) {
	t.Parallel()

	src := &fakeSource{endpoints: []Endpoint{epHTTP1}}
	pool := New(src, Options{Logger: testLogger(t)})

	if err := pool.Update(context.Background(), false); err != nil {
		t.Fatalf("priming pool: %v", err)
	}

	path := "/etc/webrequestd/proxies.txt"
	fw := NewFileWatcher(pool, path, testLogger(t))

	mock := newMockWatcher()
	done := startWatch(context.Background(), fw, mock)

	// An event for a sibling file is ignored; the target triggers a
	// forced refresh.
	mock.events <- fsnotify.Event{Name: "/etc/webrequestd/other.txt", Op: fsnotify.Write}
	mock.events <- fsnotify.Event{Name: path, Op: fsnotify.Write}

	deadline := time.Now().Add(5 * time.Second)
	for src.fetchCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pool never refreshed, fetch count = %d", src.fetchCount())
		}

		time.Sleep(5 * time.Millisecond)
	}

	close(mock.events)

	if err := waitWatch(t, done); err != nil {
		t.Errorf("Watch() error = %v", err)
	}

	if got := src.fetchCount(); got != 2 {
		t.Errorf("fetch count = %d, want 2 (sibling event must not refresh)", got)
	}
}

func TestFileWatcher_IgnoresChmod(t *testing.T) {
	t.Parallel()

	src := &fakeSource{endpoints: []Endpoint{epHTTP1}}
	pool := New(src, Options{Logger: testLogger(t)})

	path := "/etc/webrequestd/proxies.txt"
	fw := NewFileWatcher(pool, path, testLogger(t))

	mock := newMockWatcher()
	done := startWatch(context.Background(), fw, mock)

	mock.events <- fsnotify.Event{Name: path, Op: fsnotify.Chmod}
	mock.events <- fsnotify.Event{Name: path, Op: fsnotify.Create}

	deadline := time.Now().Add(5 * time.Second)
	for src.fetchCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("pool never refreshed, fetch count = %d", src.fetchCount())
		}

		time.Sleep(5 * time.Millisecond)
	}

	close(mock.events)

	if err := waitWatch(t, done); err != nil {
		t.Errorf("Watch() error = %v", err)
	}

	if got := src.fetchCount(); got != 1 {
		t.Errorf("fetch count = %d, want 1 (chmod must not refresh)", got)
	}
}

func TestFileWatcher_WatchesParentDirectory(t *testing.T) {
	t.Parallel()

	pool := New(&fakeSource{}, Options{Logger: testLogger(t)})
	path := "/etc/webrequestd/proxies.txt"
	fw := NewFileWatcher(pool, path, testLogger(t))

	mock := newMockWatcher()
	done := startWatch(context.Background(), fw, mock)

	close(mock.events)
	if err := waitWatch(t, done); err != nil {
		t.Errorf("Watch() error = %v", err)
	}

	if len(mock.added) != 1 || mock.added[0] != filepath.Dir(path) {
		t.Errorf("watched paths = %v, want [%s]", mock.added, filepath.Dir(path))
	}
}

func TestFileWatcher_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	pool := New(&fakeSource{}, Options{Logger: testLogger(t)})
	fw := NewFileWatcher(pool, "/tmp/proxies.txt", testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	mock := newMockWatcher()
	done := startWatch(ctx, fw, mock)

	cancel()

	if err := waitWatch(t, done); err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestFileWatcher_StopsWhenErrorChannelCloses(t *testing.T) {
	t.Parallel()

	pool := New(&fakeSource{}, Options{Logger: testLogger(t)})
	fw := NewFileWatcher(pool, "/tmp/proxies.txt", testLogger(t))

	mock := newMockWatcher()
	done := startWatch(context.Background(), fw, mock)

	close(mock.errs)

	if err := waitWatch(t, done); err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestFileWatcher_ErrorBackoffHonorsCancel(t *testing.T) {
	t.Parallel()

	pool := New(&fakeSource{}, Options{Logger: testLogger(t)})
	fw := NewFileWatcher(pool, "/tmp/proxies.txt", testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	mock := newMockWatcher()
	done := startWatch(ctx, fw, mock)

	// The watcher error sends the loop into its backoff sleep; cancel
	// must end the sleep rather than waiting it out.
	mock.errs <- errors.New("kernel buffer overflow")
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := waitWatch(t, done); err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestFileWatcher_FactoryErrorIsReturned(t *testing.T) {
	t.Parallel()

	pool := New(&fakeSource{}, Options{Logger: testLogger(t)})
	fw := NewFileWatcher(pool, "/tmp/proxies.txt", testLogger(t))
	fw.watcherFactory = func() (fsWatcher, error) {
		return nil, errors.New("inotify limit reached")
	}

	if err := fw.Watch(context.Background()); err == nil {
		t.Fatal("Watch() succeeded, want factory error")
	}
}
