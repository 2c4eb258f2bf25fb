// Package watcher observes checklist files for changes.
//
// It uses fsnotify for cross-platform file system event monitoring and
// debounces bursts: raw events for the same file arriving within the
// settle window collapse into one logical Event, so a multi-line editor
// save triggers a single sync cycle instead of one per write.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mschirtzinger/checksync/internal/model"
)

// Op is the logical operation behind an event.
type Op int

const (
	// OpModify indicates the checklist file was created or written and
	// should be re-synced from its content.
	OpModify Op = iota
	// OpRemove indicates the checklist file was deleted or renamed away.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one logical file change after debouncing.
type Event struct {
	// ChangeID is the change identifier derived from the file path.
	ChangeID string
	// Path is the absolute path to the checklist file.
	Path string
	// Op is the logical operation.
	Op Op
}

// Config holds watcher configuration.
type Config struct {
	// SettleInterval is how long a file must stay quiet before its
	// queued events are emitted as one logical event.
	SettleInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SettleInterval: 100 * time.Millisecond,
		Logger:         log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

type pendingEvent struct {
	op       Op
	queuedAt time.Time
}

// Watcher watches a changes directory for checklist file events.
type Watcher struct {
	fsw    *fsnotify.Watcher
	dir    string
	config *Config

	events chan Event
	errors chan error

	pending   map[string]pendingEvent
	pendingMu sync.Mutex

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a watcher for the given changes directory.
// The watcher must be started with Start before it emits events.
func New(dir string) (*Watcher, error) {
	return NewWithConfig(dir, DefaultConfig())
}

// NewWithConfig creates a watcher with custom configuration.
func NewWithConfig(dir string, config *Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsw:     fsw,
		dir:     dir,
		config:  config,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		pending: make(map[string]pendingEvent),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the changes directory for *.md events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.running = true
	w.wg.Add(2)
	go w.collectEvents()
	go w.flushLoop()

	return nil
}

// Stop stops the watcher and blocks until its goroutines exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of debounced file events.
// The channel is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watcher errors.
// The channel is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// collectEvents reads raw fsnotify events into the pending queue.
func (w *Watcher) collectEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			op, relevant := w.classify(event)
			if !relevant {
				continue
			}
			w.queue(event.Name, op)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// classify converts an fsnotify event into a logical Op.
// Returns false for files or operations the watcher ignores.
func (w *Watcher) classify(event fsnotify.Event) (Op, bool) {
	if filepath.Ext(event.Name) != ".md" {
		return 0, false
	}
	if filepath.Dir(event.Name) != filepath.Clean(w.dir) {
		return 0, false
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return OpModify, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Rename away behaves like removal; a rename in triggers Create.
		return OpRemove, true
	default:
		// Chmod and friends carry no content change.
		return 0, false
	}
}

// queue records a raw event, resetting the file's settle clock.
// The latest operation wins: a remove after writes stays a remove,
// a recreate after a remove becomes a modify.
func (w *Watcher) queue(path string, op Op) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending[path] = pendingEvent{op: op, queuedAt: time.Now()}
}

// flushLoop periodically emits pending events whose settle window passed.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.SettleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flushSettled()
		}
	}
}

// flushSettled emits one logical event per settled file.
func (w *Watcher) flushSettled() {
	now := time.Now()

	w.pendingMu.Lock()
	var ready []Event
	for path, pe := range w.pending {
		if now.Sub(pe.queuedAt) < w.config.SettleInterval {
			continue
		}
		ready = append(ready, Event{
			ChangeID: model.ChangeIDFromPath(path),
			Path:     path,
			Op:       pe.op,
		})
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()

	for _, ev := range ready {
		w.config.Logger.Printf("File settled: %s %s", ev.Op, ev.Path)
		select {
		case w.events <- ev:
		case <-w.done:
			return
		}
	}
}
