package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher publishes EventStoreLost when a store file is removed or
// renamed away.
type StoreWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	hub     *Hub
	onError func(error)

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// WatchStore watches the directory holding path. onError receives watcher
// and publish errors and may be nil.
func WatchStore(ctx context.Context, hub *Hub, path string, onError func(error)) (*StoreWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if onError == nil {
		onError = func(error) {}
	}
	w := &StoreWatcher{
		watcher: fsw,
		path:    abs,
		hub:     hub,
		onError: onError,
		closeCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

// Path returns the absolute path being watched.
func (w *StoreWatcher) Path() string { return w.path }

func (w *StoreWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.closeCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := w.hub.Publish(context.WithoutCancel(ctx), EventStoreLost); err != nil {
				w.onError(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

// Close stops the watcher.
func (w *StoreWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.wg.Wait()
		err = w.watcher.Close()
	})
	return err
}
