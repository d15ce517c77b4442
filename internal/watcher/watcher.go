// Package watcher reports changes to the settings and lookup files.
//
// Editors usually replace a file instead of writing it in place, so the
// watcher subscribes to each file's directory and filters by name. Bursts of
// events for one file are collapsed into a single Change once the file has
// been quiet for the debounce interval.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates the file was created or replaced.
	OpCreate EventOp = iota
	// OpModify indicates the file was written.
	OpModify
	// OpDelete indicates the file was removed or renamed away.
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

// Change is a debounced change of one watched file.
type Change struct {
	// Path is the absolute path of the file.
	Path string
	// Op is the last operation seen during the burst.
	Op EventOp
}

// Config holds watcher settings.
type Config struct {
	// Debounce is how long a file must be quiet before its Change is sent.
	Debounce time.Duration

	// Logger for watcher activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 300 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

type pending struct {
	op   EventOp
	last time.Time
}

// Watcher watches a fixed set of files.
type Watcher struct {
	watcher *fsnotify.Watcher
	config  *Config
	files   map[string]bool

	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	queue   map[string]pending
}

// New creates a watcher for paths. Paths whose directory does not exist are
// skipped with a warning. The watcher must be started with Start.
func New(paths []string, config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		watcher: fw,
		config:  config,
		files:   make(map[string]bool),
		changes: make(chan Change, 16),
		done:    make(chan struct{}),
		queue:   make(map[string]pending),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			config.Logger.Printf("WARNING: Not watching %s: %v", dir, err)
		}
	}
	return w, nil
}

// Start begins delivering changes on Changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.wg.Add(2)
	go w.processEvents()
	go w.processQueue()
	return nil
}

// Stop stops watching and closes Changes. It blocks until the background
// goroutines have exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.done)
	}
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	if wasRunning {
		w.wg.Wait()
		close(w.changes)
	}
	return nil
}

// Changes returns the channel of debounced changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if op, ok := w.convertEvent(event); ok {
				w.mu.Lock()
				w.queue[event.Name] = pending{op: op, last: time.Now()}
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processQueue sends the changes of files quiet for at least Debounce.
func (w *Watcher) processQueue() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			for _, c := range w.due(time.Now()) {
				w.config.Logger.Printf("Changed: %s (%s)", c.Path, c.Op)
				select {
				case w.changes <- c:
				case <-w.done:
					return
				}
			}
		}
	}
}

func (w *Watcher) due(now time.Time) []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Change
	for path, p := range w.queue {
		if now.Sub(p.last) < w.config.Debounce {
			continue
		}
		out = append(out, Change{Path: path, Op: p.op})
		delete(w.queue, path)
	}
	return out
}

// convertEvent maps an fsnotify event on a watched file to an EventOp.
func (w *Watcher) convertEvent(event fsnotify.Event) (EventOp, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || !w.files[abs] {
		return 0, false
	}
	switch {
	case event.Has(fsnotify.Create):
		return OpCreate, true
	case event.Has(fsnotify.Write):
		return OpModify, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return OpDelete, true
	default:
		return 0, false
	}
}
