package remote

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of blob change.
type EventOp int

const (
	// OpCreate indicates a new blob appeared.
	OpCreate EventOp = iota
	// OpModify indicates a blob was rewritten.
	OpModify
	// OpDelete indicates a blob was removed.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// BlobEvent reports a change to a blob of a DirStore.
type BlobEvent struct {
	// Name is the blob name (LockFileName or DataFileName).
	Name string
	// Op is the operation that occurred.
	Op EventOp
}

// BlobWatcher reports changes another device makes to a DirStore.
// It uses fsnotify for cross-platform file system event monitoring.
type BlobWatcher struct {
	watcher *fsnotify.Watcher
	events  chan BlobEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewBlobWatcher creates a watcher. It emits nothing until Start is called.
func NewBlobWatcher() (*BlobWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &BlobWatcher{
		watcher: watcher,
		events:  make(chan BlobEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Watch starts a BlobWatcher on the store's directory.
func (d *DirStore) Watch() (*BlobWatcher, error) {
	w, err := NewBlobWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Start(d.dir); err != nil {
		_ = w.watcher.Close()
		return nil, err
	}
	return w, nil
}

// Start begins watching dir.
func (bw *BlobWatcher) Start(dir string) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.running {
		return fmt.Errorf("watcher already running")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := bw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch blob directory %s: %w", dir, err)
	}
	bw.dir = abs

	bw.running = true
	bw.wg.Add(1)
	go bw.processEvents()

	return nil
}

// Stop stops watching and closes the channels. It blocks until the event
// loop has exited.
func (bw *BlobWatcher) Stop() error {
	bw.mu.Lock()
	if !bw.running {
		bw.mu.Unlock()
		return nil
	}
	bw.running = false
	bw.mu.Unlock()

	close(bw.done)

	if err := bw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	bw.wg.Wait()

	close(bw.events)
	close(bw.errors)

	return nil
}

// Events returns the channel of blob changes. It is closed by Stop.
func (bw *BlobWatcher) Events() <-chan BlobEvent {
	return bw.events
}

// Errors returns the channel of watch errors. It is closed by Stop.
func (bw *BlobWatcher) Errors() <-chan error {
	return bw.errors
}

func (bw *BlobWatcher) processEvents() {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.done:
			return

		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if blobEvent, ok := bw.convertEvent(event); ok {
				select {
				case bw.events <- blobEvent:
				case <-bw.done:
					return
				}
			}

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case bw.errors <- err:
			case <-bw.done:
				return
			}
		}
	}
}

// convertEvent keeps events on blobs of the watched directory. Temporary
// files written by Upload are ignored; their rename shows up as a create of
// the blob itself.
func (bw *BlobWatcher) convertEvent(event fsnotify.Event) (BlobEvent, bool) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return BlobEvent{}, false
	}
	if filepath.Dir(event.Name) != bw.dir {
		return BlobEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return BlobEvent{}, false
	}

	return BlobEvent{Name: name, Op: op}, true
}

// IsRunning reports whether the watcher is started.
func (bw *BlobWatcher) IsRunning() bool {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.running
}
