package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/keyrename/internal/storage"
)

// SubscribeChanges watches the directory holding key and signals whenever
// the object file is created, replaced or removed.
func (s *Store) SubscribeChanges(namespace, key string) (storage.ChangeSubscription, error) {
	e, err := s.locate(namespace, key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(e.data)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare watch directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch directory %q: %w", dir, err)
	}
	sub := &changeSubscription{
		watcher: watcher,
		target:  filepath.Clean(e.data),
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	watcher *fsnotify.Watcher
	target  string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (c *changeSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *changeSubscription) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.watcher.Close()
	})
	return nil
}

func (c *changeSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != c.target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				c.signal()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.signal()
		}
	}
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
