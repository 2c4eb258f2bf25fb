package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/checksync/internal/model"
	"github.com/mschirtzinger/checksync/internal/notify"
	"github.com/mschirtzinger/checksync/internal/store"
)

const sampleChecklist = `## 1. Setup

- [ ] initialize repository
- [ ] add readme

## 2. Implementation

- [x] write parser
`

func testEngine(t *testing.T) (*Engine, *store.Store, *notify.Broadcaster, string) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state", "checksync.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := notify.NewBroadcaster(log.New(io.Discard, "", 0))
	eng := New(st, b, dir, &Config{
		QueueDepth: 16,
		Logger:     log.New(io.Discard, "", 0),
	})
	t.Cleanup(eng.Stop)

	return eng, st, b, dir
}

func writeChecklist(t *testing.T, dir, changeID, content string) string {
	t.Helper()
	path := filepath.Join(dir, changeID+".md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write checklist: %v", err)
	}
	return path
}

// recvNotification waits briefly for one notification.
func recvNotification(t *testing.T, sub *notify.Subscription) notify.Notification {
	t.Helper()
	select {
	case n := <-sub.C:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return notify.Notification{}
	}
}

// expectNoNotification asserts nothing arrives within a short window.
func expectNoNotification(t *testing.T, sub *notify.Subscription) {
	t.Helper()
	select {
	case n := <-sub.C:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSyncFileCreatesChange(t *testing.T) {
	eng, st, _, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("SyncFile failed: %v", err)
	}

	c, err := st.GetChange("add-auth")
	if err != nil {
		t.Fatalf("GetChange failed: %v", err)
	}
	if c.Title != "add auth" {
		t.Errorf("expected title 'add auth', got %q", c.Title)
	}
	if c.Status != model.StatusActive {
		t.Errorf("expected active status, got %q", c.Status)
	}
	if len(c.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(c.Groups))
	}
	if c.TaskCount() != 3 {
		t.Errorf("expected 3 tasks, got %d", c.TaskCount())
	}
	task := c.Task("add-auth:2")
	if task == nil {
		t.Fatal("expected task add-auth:2")
	}
	if task.Title != "write parser" || !task.Completed {
		t.Errorf("unexpected task: %+v", task)
	}
}

func TestSyncFileIdempotent(t *testing.T) {
	eng, st, b, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	before, err := st.GetChange("add-auth")
	if err != nil {
		t.Fatalf("GetChange failed: %v", err)
	}

	sub := b.Subscribe()
	defer sub.Close()

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	after, err := st.GetChange("add-auth")
	if err != nil {
		t.Fatalf("GetChange failed: %v", err)
	}
	if !model.GroupsEqual(before.Groups, after.Groups) {
		t.Error("second sync changed stored groups")
	}
	expectNoNotification(t, sub)
}

func TestSyncFileNotifiesCompletionDeltas(t *testing.T) {
	eng, _, b, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	sub := b.Subscribe()
	defer sub.Close()

	// External edit: check the first task.
	edited := strings.Replace(sampleChecklist, "- [ ] initialize repository", "- [x] initialize repository", 1)
	if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
		t.Fatalf("failed to edit checklist: %v", err)
	}
	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync after edit failed: %v", err)
	}

	n := recvNotification(t, sub)
	if n.ChangeID != "add-auth" || n.TaskID != "add-auth:0" {
		t.Errorf("unexpected notification target: %+v", n)
	}
	if !n.Completed {
		t.Error("expected completed=true")
	}
	if n.Source != notify.SourceFile {
		t.Errorf("expected source %q, got %q", notify.SourceFile, n.Source)
	}
	expectNoNotification(t, sub)
}

func TestToggleTaskUpdatesStoreAndFile(t *testing.T) {
	eng, st, b, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	sub := b.Subscribe()
	defer sub.Close()

	task, err := eng.ToggleTask(context.Background(), "add-auth", "add-auth:1", true)
	if err != nil {
		t.Fatalf("ToggleTask failed: %v", err)
	}
	if !task.Completed {
		t.Error("returned task not completed")
	}

	stored, err := st.GetTask("add-auth", "add-auth:1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !stored.Completed {
		t.Error("store not updated")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checklist: %v", err)
	}
	if !strings.Contains(string(raw), "- [x] add readme") {
		t.Errorf("file not rewritten:\n%s", raw)
	}
	// Only the marker changes; the untouched lines survive verbatim.
	if !strings.Contains(string(raw), "## 2. Implementation") {
		t.Errorf("unrelated content lost:\n%s", raw)
	}

	n := recvNotification(t, sub)
	if n.TaskID != "add-auth:1" || !n.Completed || n.Source != notify.SourceToggle {
		t.Errorf("unexpected notification: %+v", n)
	}
}

func TestToggleTaskNotFound(t *testing.T) {
	eng, _, _, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if _, err := eng.ToggleTask(context.Background(), "add-auth", "add-auth:99", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := eng.ToggleTask(context.Background(), "no-such-change", "no-such-change:0", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown change, got %v", err)
	}
}

func TestSyncSkipsSelfOriginatedWrite(t *testing.T) {
	eng, _, b, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, err := eng.ToggleTask(context.Background(), "add-auth", "add-auth:0", true); err != nil {
		t.Fatalf("ToggleTask failed: %v", err)
	}

	sub := b.Subscribe()
	defer sub.Close()

	// The watcher would now report the engine's own write. Syncing the
	// unchanged file must produce no store churn and no notifications.
	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync of self-originated content failed: %v", err)
	}
	expectNoNotification(t, sub)
}

func TestToggleWriteBackFailureKeepsStoreValue(t *testing.T) {
	eng, st, b, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	sub := b.Subscribe()
	defer sub.Close()

	// Move the file away so the write-back cannot read it.
	hidden := path + ".away"
	if err := os.Rename(path, hidden); err != nil {
		t.Fatalf("failed to hide checklist: %v", err)
	}

	task, err := eng.ToggleTask(context.Background(), "add-auth", "add-auth:0", true)
	if !errors.Is(err, ErrWriteBackFailed) {
		t.Fatalf("expected ErrWriteBackFailed, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("write-back failure should be retryable")
	}
	if task == nil || !task.Completed {
		t.Fatalf("store mutation should survive the failure, got %+v", task)
	}

	stored, err := st.GetTask("add-auth", "add-auth:0")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !stored.Completed {
		t.Error("store lost the toggled value")
	}
	// The notification is deferred until the file reflects the toggle.
	expectNoNotification(t, sub)

	// The file comes back via an external edit that does not carry the
	// toggle. The pending value wins and is pushed back out.
	if err := os.Rename(hidden, path); err != nil {
		t.Fatalf("failed to restore checklist: %v", err)
	}
	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("reconciling sync failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checklist: %v", err)
	}
	if !strings.Contains(string(raw), "- [x] initialize repository") {
		t.Errorf("pending toggle not re-applied:\n%s", raw)
	}
	stored, err = st.GetTask("add-auth", "add-auth:0")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !stored.Completed {
		t.Error("store value reverted by external content")
	}

	n := recvNotification(t, sub)
	if n.TaskID != "add-auth:0" || !n.Completed || n.Source != notify.SourceToggle {
		t.Errorf("unexpected deferred notification: %+v", n)
	}
}

func TestSyncFileArchivesRemovedChange(t *testing.T) {
	eng, st, _, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove checklist: %v", err)
	}
	if err := eng.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync of removed file failed: %v", err)
	}

	c, err := st.GetChange("add-auth")
	if err != nil {
		t.Fatalf("GetChange failed: %v", err)
	}
	if c.Status != model.StatusArchived {
		t.Errorf("expected archived, got %q", c.Status)
	}
	if c.TaskCount() != 3 {
		t.Errorf("archive should keep the records, got %d tasks", c.TaskCount())
	}
}

func TestSyncFileReactivatesRestoredChange(t *testing.T) {
	eng, st, _, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)
	ctx := context.Background()

	if err := eng.SyncFile(ctx, path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := eng.SyncFile(ctx, path); err != nil {
		t.Fatalf("archive sync failed: %v", err)
	}

	writeChecklist(t, dir, "add-auth", sampleChecklist)
	if err := eng.SyncFile(ctx, path); err != nil {
		t.Fatalf("restore sync failed: %v", err)
	}

	c, err := st.GetChange("add-auth")
	if err != nil {
		t.Fatalf("GetChange failed: %v", err)
	}
	if c.Status != model.StatusActive {
		t.Errorf("expected active after restore, got %q", c.Status)
	}
}

func TestFullSync(t *testing.T) {
	eng, st, _, dir := testEngine(t)
	ctx := context.Background()

	writeChecklist(t, dir, "add-auth", sampleChecklist)
	writeChecklist(t, dir, "fix-login", "## Steps\n\n- [ ] reproduce bug\n")

	// A change whose file no longer exists must be archived.
	if err := st.PutChange(&model.Change{
		ID:     "stale-change",
		Title:  "stale change",
		Status: model.StatusActive,
	}); err != nil {
		t.Fatalf("PutChange failed: %v", err)
	}

	// Non-checklist files get ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0644); err != nil {
		t.Fatalf("failed to write notes: %v", err)
	}

	stats, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}
	if stats.Synced != 2 {
		t.Errorf("expected 2 synced, got %d", stats.Synced)
	}
	if stats.Archived != 1 {
		t.Errorf("expected 1 archived, got %d", stats.Archived)
	}
	if stats.Failed != 0 {
		t.Errorf("expected 0 failures, got %d", stats.Failed)
	}

	c, err := st.GetChange("stale-change")
	if err != nil {
		t.Fatalf("GetChange failed: %v", err)
	}
	if c.Status != model.StatusArchived {
		t.Errorf("expected stale change archived, got %q", c.Status)
	}
	if _, err := st.GetChange("fix-login"); err != nil {
		t.Errorf("fix-login not synced: %v", err)
	}
}

func TestGetTasksNotFound(t *testing.T) {
	eng, _, _, _ := testEngine(t)

	if _, err := eng.GetTasks(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListChanges(t *testing.T) {
	eng, _, _, dir := testEngine(t)
	ctx := context.Background()

	writeChecklist(t, dir, "add-auth", sampleChecklist)
	writeChecklist(t, dir, "fix-login", "## Steps\n\n- [ ] reproduce bug\n")
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}

	changes, err := eng.ListChanges(ctx)
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].ID != "add-auth" || changes[1].ID != "fix-login" {
		t.Errorf("unexpected order: %s, %s", changes[0].ID, changes[1].ID)
	}
}

func TestConcurrentTogglesSerialize(t *testing.T) {
	eng, st, _, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)
	ctx := context.Background()

	if err := eng.SyncFile(ctx, path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	const flips = 20
	done := make(chan error, flips)
	for i := 0; i < flips; i++ {
		completed := i%2 == 0
		go func(v bool) {
			_, err := eng.ToggleTask(ctx, "add-auth", "add-auth:0", v)
			done <- err
		}(completed)
	}
	for i := 0; i < flips; i++ {
		if err := <-done; err != nil {
			t.Fatalf("toggle failed: %v", err)
		}
	}

	// Whatever order won, the store and the file must agree.
	task, err := st.GetTask("add-auth", "add-auth:0")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checklist: %v", err)
	}
	marker := "- [ ] initialize repository"
	if task.Completed {
		marker = "- [x] initialize repository"
	}
	if !strings.Contains(string(raw), marker) {
		t.Errorf("file and store disagree (completed=%v):\n%s", task.Completed, raw)
	}
}

func TestConcurrentChangesIndependent(t *testing.T) {
	eng, st, _, dir := testEngine(t)
	ctx := context.Background()

	// Workers for different changes share the engine's bookkeeping, so
	// toggles and syncs across changes must be safe to run in parallel.
	const changes = 8
	ids := make([]string, changes)
	for i := range ids {
		ids[i] = fmt.Sprintf("change-%d", i)
		path := writeChecklist(t, dir, ids[i], sampleChecklist)
		if err := eng.SyncFile(ctx, path); err != nil {
			t.Fatalf("sync failed: %v", err)
		}
	}

	done := make(chan error, changes)
	for _, id := range ids {
		go func(changeID string) {
			path := filepath.Join(dir, changeID+".md")
			for i := 0; i < 10; i++ {
				if _, err := eng.ToggleTask(ctx, changeID, changeID+":0", i%2 == 0); err != nil {
					done <- err
					return
				}
				edited := strings.Replace(sampleChecklist, "- [x] write parser", "- [ ] write parser", 1)
				if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
					done <- err
					return
				}
				if err := eng.SyncFile(ctx, path); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(id)
	}
	for range ids {
		if err := <-done; err != nil {
			t.Fatalf("concurrent worker failed: %v", err)
		}
	}

	for _, id := range ids {
		if _, err := st.GetChange(id); err != nil {
			t.Errorf("change %s lost: %v", id, err)
		}
	}
}

func TestStopUnblocksWaiters(t *testing.T) {
	eng, _, _, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)
	ctx := context.Background()

	// Callers waiting on queued work must return once the engine stops,
	// even with a background context.
	const callers = 8
	done := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				if err := eng.SyncFile(ctx, path); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	eng.Stop()

	for i := 0; i < callers; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("caller still blocked after Stop")
		}
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	eng, _, _, dir := testEngine(t)
	path := writeChecklist(t, dir, "add-auth", sampleChecklist)

	eng.Stop()
	if err := eng.SyncFile(context.Background(), path); err == nil {
		t.Error("expected error after Stop")
	}
}
