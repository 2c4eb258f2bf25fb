// Package model defines the record types checksync keeps in sync between
// checklist files and the record store.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Status is the lifecycle state of a Change.
type Status string

const (
	// StatusActive marks a change whose checklist file is present.
	StatusActive Status = "active"

	// StatusArchived marks a change whose checklist file was moved away
	// or deleted. Archived changes are kept, never hard-deleted.
	StatusArchived Status = "archived"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusArchived
}

// Change is one tracked change proposal backed by a single checklist file.
type Change struct {
	// ID is the stable identifier, derived from the checklist file's
	// path segment (base name without extension).
	ID string

	// Title is the display title derived from the ID.
	Title string

	// Status is the lifecycle state (active or archived).
	Status Status

	// Groups holds the checklist sections in source order.
	// A change with zero groups is valid (empty or newly created file).
	Groups []TaskGroup
}

// TaskGroup is a titled checklist section within a Change.
// Groups are recomputed in full on every re-parse; section boundaries
// are structural, not identity-bearing.
type TaskGroup struct {
	// Ordinal is the group's appearance order in the file.
	Ordinal int

	// Title is the heading text with surrounding whitespace trimmed.
	Title string

	// Tasks holds the group's checklist items in source order.
	Tasks []Task
}

// Task is a single checklist line item.
type Task struct {
	// ID is the stable identifier: "<changeID>:<n>" where n is the
	// zero-based file-wide checklist-item index. Identity is position
	// derived, so reordering items remaps identities.
	ID string

	// Title is the item text with surrounding whitespace trimmed.
	Title string

	// Completed is true iff the checkbox marker is the checked variant.
	Completed bool

	// Ordinal is the item's position within its group.
	Ordinal int

	// Line is the zero-based source line of the checkbox marker,
	// used for line-targeted rewrites on toggle.
	Line int
}

// ChangeIDFromPath derives a change identifier from a checklist file path.
func ChangeIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// TitleFromID derives a display title from a change identifier by
// replacing dashes and underscores with spaces.
func TitleFromID(id string) string {
	r := strings.NewReplacer("-", " ", "_", " ")
	return r.Replace(id)
}

// TaskID builds the position-derived task identifier.
func TaskID(changeID string, n int) string {
	return fmt.Sprintf("%s:%d", changeID, n)
}

// AssignTaskIDs stamps position-derived identifiers onto every task,
// numbering items by their file-wide appearance order across groups.
func AssignTaskIDs(changeID string, groups []TaskGroup) {
	n := 0
	for gi := range groups {
		for ti := range groups[gi].Tasks {
			groups[gi].Tasks[ti].ID = TaskID(changeID, n)
			n++
		}
	}
}

// Task returns the task with the given ID, or nil if absent.
func (c *Change) Task(taskID string) *Task {
	for gi := range c.Groups {
		for ti := range c.Groups[gi].Tasks {
			if c.Groups[gi].Tasks[ti].ID == taskID {
				return &c.Groups[gi].Tasks[ti]
			}
		}
	}
	return nil
}

// TaskCount returns the number of tasks across all groups.
func (c *Change) TaskCount() int {
	n := 0
	for _, g := range c.Groups {
		n += len(g.Tasks)
	}
	return n
}

// Validate checks structural invariants: non-empty ID, known status,
// and task identifiers unique within the change.
func (c *Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	seen := make(map[string]bool)
	for _, g := range c.Groups {
		for _, t := range g.Tasks {
			if t.ID == "" {
				return fmt.Errorf("task %q has no id", t.Title)
			}
			if seen[t.ID] {
				return fmt.Errorf("duplicate task id %s", t.ID)
			}
			seen[t.ID] = true
		}
	}
	return nil
}

// GroupsEqual reports structural equality of two group slices, comparing
// titles, ordinals, and every task field.
func GroupsEqual(a, b []TaskGroup) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Title != b[i].Title || a[i].Ordinal != b[i].Ordinal {
			return false
		}
		if len(a[i].Tasks) != len(b[i].Tasks) {
			return false
		}
		for j := range a[i].Tasks {
			if a[i].Tasks[j] != b[i].Tasks[j] {
				return false
			}
		}
	}
	return true
}
