package daemon

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WakeWatcher watches a directory and signals when anything in it is
// created or written. A post-submit trigger touches a file there to end the
// daemon's idle sleep early.
//
// Signals are coalesced: any number of events between two reads of Wake()
// produce one signal.
type WakeWatcher struct {
	watcher *fsnotify.Watcher
	wake    chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewWakeWatcher creates a WakeWatcher. It must be started with Start()
// before it signals.
func NewWakeWatcher() (*WakeWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &WakeWatcher{
		watcher: watcher,
		wake:    make(chan struct{}, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (w *WakeWatcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch wake directory %s: %w", dir, err)
	}

	w.dir = dir
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and blocks until the event goroutine has exited.
func (w *WakeWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()
	close(w.errors)

	return nil
}

// Wake returns the channel that receives a value after directory activity.
func (w *WakeWatcher) Wake() <-chan struct{} {
	return w.wake
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *WakeWatcher) Errors() <-chan error {
	return w.errors
}

// Dir returns the watched directory.
func (w *WakeWatcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

func (w *WakeWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			default:
			}
		}
	}
}
