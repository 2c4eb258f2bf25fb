// Package engine orchestrates synchronization between checklist files
// and the record store.
//
// The engine has two entry points: file-change events (parse, diff,
// merge into the store) and API toggles (mutate the store, rewrite the
// checkbox line in the file). Operations targeting the same change are
// serialized through a per-change FIFO queue; operations on different
// changes proceed concurrently. No lock is held across file I/O.
//
// The engine recognizes its own write-backs by comparing the hash of the
// content it last wrote against the next observed file content; a match
// means the store is already authoritative and the merge is skipped.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mschirtzinger/checksync/internal/model"
	"github.com/mschirtzinger/checksync/internal/notify"
	"github.com/mschirtzinger/checksync/internal/parser"
	"github.com/mschirtzinger/checksync/internal/store"
)

// Config holds engine configuration.
type Config struct {
	// QueueDepth is the per-change operation queue capacity.
	QueueDepth int

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueDepth: 64,
		Logger:     log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine keeps checklist files and the record store converged.
type Engine struct {
	store      *store.Store
	notifier   *notify.Broadcaster
	changesDir string
	config     *Config

	// mu guards queues, closed, lastWritten, and pending. Workers for
	// different changes share the two bookkeeping maps, so every map
	// access takes the lock; it is never held across file or store I/O.
	mu     sync.Mutex
	queues map[string]chan func()
	closed bool

	// lastWritten maps change id to the hash of the content the engine
	// last wrote, for self-origin suppression.
	lastWritten map[string]string

	// pending maps change id to task id to a toggled completion value
	// that has not yet been confirmed in the file. A pending value wins
	// over a racing external edit and is re-applied on the next cycle.
	pending map[string]map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine over the given store and changes directory.
// The notifier may be nil when no push channel is attached.
func New(st *store.Store, notifier *notify.Broadcaster, changesDir string, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 64
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:       st,
		notifier:    notifier,
		changesDir:  changesDir,
		config:      config,
		queues:      make(map[string]chan func()),
		lastWritten: make(map[string]string),
		pending:     make(map[string]map[string]bool),
		done:        make(chan struct{}),
	}
}

// Stop drains the per-change workers. Queued operations already accepted
// keep running; new submissions are rejected, and callers waiting on a
// result unblock with an error.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
}

// ChangePath returns the checklist file path for a change id.
func (e *Engine) ChangePath(changeID string) string {
	return filepath.Join(e.changesDir, changeID+".md")
}

// submit enqueues an operation on the change's FIFO queue and waits for
// it to finish. The operation signals completion via the given channel.
func (e *Engine) submit(ctx context.Context, changeID string, op func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine stopped")
	}
	q, ok := e.queues[changeID]
	if !ok {
		q = make(chan func(), e.config.QueueDepth)
		e.queues[changeID] = q
		e.wg.Add(1)
		go e.worker(q)
	}
	e.mu.Unlock()

	select {
	case q <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return fmt.Errorf("engine stopped")
	}
}

// worker drains one change's queue in FIFO order.
func (e *Engine) worker(q chan func()) {
	defer e.wg.Done()
	for {
		select {
		case op := <-q:
			op()
		case <-e.done:
			// Drain what was already accepted, then exit.
			for {
				select {
				case op := <-q:
					op()
				default:
					return
				}
			}
		}
	}
}

// SyncFile runs one synchronization cycle for the checklist file at
// path: read, parse, diff against the store snapshot, merge. A missing
// file archives the change. Self-originated content is skipped.
func (e *Engine) SyncFile(ctx context.Context, path string) error {
	changeID := model.ChangeIDFromPath(path)
	errCh := make(chan error, 1)
	if err := e.submit(ctx, changeID, func() {
		errCh <- e.syncFile(changeID, path)
	}); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return fmt.Errorf("engine stopped")
	}
}

// syncFile is the file-change path. Runs on the change's worker.
func (e *Engine) syncFile(changeID, path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return e.archive(changeID)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	content := string(raw)
	hash := contentHash(content)
	e.mu.Lock()
	if hash == e.lastWritten[changeID] {
		e.mu.Unlock()
		// Self-originated event: the store is already authoritative.
		e.config.Logger.Printf("Skipping self-originated change for %s", changeID)
		return nil
	}
	// External content invalidates the recorded write.
	delete(e.lastWritten, changeID)
	e.mu.Unlock()

	groups := parser.Parse(content)
	model.AssignTaskIDs(changeID, groups)

	prev, err := e.store.GetChange(changeID)
	if errors.Is(err, store.ErrNotFound) {
		prev = nil
	} else if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	merged := &model.Change{
		ID:     changeID,
		Title:  model.TitleFromID(changeID),
		Status: model.StatusActive,
		Groups: groups,
	}

	// Pending toggle values win over the freshly parsed file; a pending
	// entry is cleared once the file agrees with it.
	stale := e.applyPending(changeID, merged)

	noDelta := prev != nil && prev.Status == model.StatusActive &&
		prev.Title == merged.Title && model.GroupsEqual(prev.Groups, merged.Groups)
	if !noDelta {
		if err := e.store.PutChange(merged); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		e.notifyDeltas(prev, merged)
	}

	// Pending toggles the file does not reflect yet are pushed back out
	// even when the store needed no update.
	if len(stale) > 0 {
		return e.reapplyPending(changeID, content, stale)
	}
	return nil
}

// applyPending overrides parsed completion flags with pending toggle
// values. It clears entries the file already agrees with and returns the
// tasks whose file lines still need a rewrite.
func (e *Engine) applyPending(changeID string, merged *model.Change) []model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	pend := e.pending[changeID]
	if len(pend) == 0 {
		return nil
	}

	var stale []model.Task
	for taskID, want := range pend {
		task := merged.Task(taskID)
		if task == nil {
			// The task vanished from the file; the file owns existence.
			delete(pend, taskID)
			continue
		}
		if task.Completed == want {
			// Write-back already visible.
			delete(pend, taskID)
			continue
		}
		task.Completed = want
		stale = append(stale, *task)
	}
	if len(pend) == 0 {
		delete(e.pending, changeID)
	}
	return stale
}

// reapplyPending rewrites checkbox lines for pending toggles the file
// does not reflect yet. A successful write clears the pending entries
// and publishes the toggle notifications deferred at failure time.
func (e *Engine) reapplyPending(changeID, content string, stale []model.Task) error {
	updated := content
	for _, task := range stale {
		next, ok := parser.ToggleLine(updated, task.Line, task.Completed)
		if !ok {
			e.config.Logger.Printf("Warning: cannot re-apply toggle to %s line %d", task.ID, task.Line)
			continue
		}
		updated = next
	}
	if updated == content {
		return nil
	}
	path := e.ChangePath(changeID)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteBackFailed, err)
	}

	e.mu.Lock()
	e.lastWritten[changeID] = contentHash(updated)
	for _, task := range stale {
		delete(e.pending[changeID], task.ID)
	}
	if len(e.pending[changeID]) == 0 {
		delete(e.pending, changeID)
	}
	e.mu.Unlock()

	if e.notifier != nil {
		for _, task := range stale {
			e.notifier.Publish(notify.Notification{
				ChangeID:  changeID,
				TaskID:    task.ID,
				Completed: task.Completed,
				Source:    notify.SourceToggle,
			})
		}
	}
	return nil
}

// archive marks a change whose file disappeared. The records are kept.
func (e *Engine) archive(changeID string) error {
	e.mu.Lock()
	delete(e.lastWritten, changeID)
	delete(e.pending, changeID)
	e.mu.Unlock()

	err := e.store.SetChangeStatus(changeID, model.StatusArchived)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.config.Logger.Printf("Archived change %s", changeID)
	return nil
}

// notifyDeltas publishes one notification per task whose completion flag
// flipped between the previous snapshot and the merged tree. Tasks that
// appeared or vanished are structural edits, not completion changes, and
// produce nothing.
func (e *Engine) notifyDeltas(prev, merged *model.Change) {
	if e.notifier == nil || prev == nil {
		return
	}
	for _, g := range merged.Groups {
		for _, t := range g.Tasks {
			old := prev.Task(t.ID)
			if old == nil || old.Completed == t.Completed {
				continue
			}
			e.notifier.Publish(notify.Notification{
				ChangeID:  merged.ID,
				TaskID:    t.ID,
				Completed: t.Completed,
				Source:    notify.SourceFile,
			})
		}
	}
}

// ToggleTask flips a task's completion flag: store first, then a
// line-targeted rewrite of the checkbox marker in the file.
//
// Returns ErrNotFound when the task does not exist. A failed rewrite
// leaves the store mutation in place and returns ErrWriteBackFailed;
// the toggled value is re-applied to the file on the next cycle.
func (e *Engine) ToggleTask(ctx context.Context, changeID, taskID string, completed bool) (*model.Task, error) {
	type result struct {
		task *model.Task
		err  error
	}
	resCh := make(chan result, 1)
	if err := e.submit(ctx, changeID, func() {
		task, err := e.toggleTask(changeID, taskID, completed)
		resCh <- result{task, err}
	}); err != nil {
		return nil, err
	}
	select {
	case res := <-resCh:
		return res.task, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, fmt.Errorf("engine stopped")
	}
}

// toggleTask is the toggle path. Runs on the change's worker.
func (e *Engine) toggleTask(changeID, taskID string, completed bool) (*model.Task, error) {
	task, err := e.store.SetTaskCompletion(changeID, taskID, completed)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.mu.Lock()
	if e.pending[changeID] == nil {
		e.pending[changeID] = make(map[string]bool)
	}
	e.pending[changeID][taskID] = completed
	e.mu.Unlock()

	if err := e.writeBack(changeID, task, completed); err != nil {
		// Store stays authoritative; the pending entry survives for the
		// next cycle to re-apply.
		return task, err
	}

	e.mu.Lock()
	delete(e.pending[changeID], taskID)
	if len(e.pending[changeID]) == 0 {
		delete(e.pending, changeID)
	}
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.Publish(notify.Notification{
			ChangeID:  changeID,
			TaskID:    taskID,
			Completed: completed,
			Source:    notify.SourceToggle,
		})
	}
	return task, nil
}

// writeBack rewrites one checkbox marker in the checklist file, leaving
// every other line untouched.
func (e *Engine) writeBack(changeID string, task *model.Task, completed bool) error {
	path := e.ChangePath(changeID)

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteBackFailed, err)
	}
	content := string(raw)

	// The stored line may be stale if the file was edited since the last
	// sync. Task identity is positional, so relocate against the current
	// content rather than trusting the stored line.
	line, ok := e.relocate(changeID, task.ID, content)
	if !ok {
		return fmt.Errorf("%w: task %s not found in %s", ErrWriteBackFailed, task.ID, path)
	}
	updated, ok := parser.ToggleLine(content, line, completed)
	if !ok {
		return fmt.Errorf("%w: task %s line %d is not a checklist item", ErrWriteBackFailed, task.ID, line)
	}

	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteBackFailed, err)
	}
	e.mu.Lock()
	e.lastWritten[changeID] = contentHash(updated)
	e.mu.Unlock()
	return nil
}

// relocate finds the current line of a task by re-parsing the content
// and matching the position-derived id.
func (e *Engine) relocate(changeID, taskID, content string) (int, bool) {
	groups := parser.Parse(content)
	model.AssignTaskIDs(changeID, groups)
	for _, g := range groups {
		for _, t := range g.Tasks {
			if t.ID == taskID {
				return t.Line, true
			}
		}
	}
	return 0, false
}

// ListChanges returns change summaries from the store.
func (e *Engine) ListChanges(ctx context.Context) ([]model.Change, error) {
	changes, err := e.store.ListChangesContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return changes, nil
}

// GetTasks returns the task groups of one change.
// Returns ErrNotFound for an unknown change.
func (e *Engine) GetTasks(ctx context.Context, changeID string) ([]model.TaskGroup, error) {
	c, err := e.store.GetChangeContext(ctx, changeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return c.Groups, nil
}

// FullSyncStats summarizes one full directory sync.
type FullSyncStats struct {
	Synced   int
	Archived int
	Failed   int
}

// FullSync reconciles every checklist file in the changes directory with
// the store, then archives active changes whose files vanished.
// Individual file failures are logged and counted, not fatal.
func (e *Engine) FullSync(ctx context.Context) (FullSyncStats, error) {
	var stats FullSyncStats

	entries, err := os.ReadDir(e.changesDir)
	if err != nil {
		return stats, fmt.Errorf("failed to read changes directory: %w", err)
	}

	present := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(e.changesDir, entry.Name())
		present[model.ChangeIDFromPath(path)] = true

		if err := e.SyncFile(ctx, path); err != nil {
			e.config.Logger.Printf("Warning: failed to sync %s: %v", entry.Name(), err)
			stats.Failed++
			continue
		}
		stats.Synced++
	}

	changes, err := e.store.ListChangesContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, c := range changes {
		if c.Status != model.StatusActive || present[c.ID] {
			continue
		}
		changeID := c.ID
		errCh := make(chan error, 1)
		if err := e.submit(ctx, changeID, func() {
			errCh <- e.archive(changeID)
		}); err != nil {
			return stats, err
		}
		select {
		case err := <-errCh:
			if err != nil {
				e.config.Logger.Printf("Warning: failed to archive %s: %v", changeID, err)
				stats.Failed++
				continue
			}
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-e.done:
			return stats, fmt.Errorf("engine stopped")
		}
		stats.Archived++
	}

	return stats, nil
}

// contentHash returns the hex SHA-256 of file content.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
