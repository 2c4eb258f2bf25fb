// Package parser turns raw checklist text into structured task groups.
//
// The parser is pure and total: it performs no I/O, never fails on
// malformed input, and skips lines it does not recognize. Only a fixed
// checklist subset is a parse target: markdown heading lines open
// sections, and "- [ ]" / "- [x]" lines become tasks.
package parser

import (
	"regexp"
	"strings"

	"github.com/mschirtzinger/checksync/internal/model"
)

var (
	headingPattern = regexp.MustCompile(`^#{1,6}\s+(.*)$`)
	itemPattern    = regexp.MustCompile(`^\s*[-*]\s*\[\s*([xX]?)\s*\]\s*(.*)$`)
)

// Parse converts raw checklist text into task groups.
//
// A heading line opens a new group and closes the previous one. A
// checklist-item line becomes a task in the currently open group; its
// completion flag is true iff the marker is the checked variant (case
// insensitive). Lines before the first heading are discarded, so no
// orphan tasks exist. Titles are trimmed. All other lines are skipped.
//
// Parsing the same text twice yields structurally identical output.
func Parse(raw string) []model.TaskGroup {
	var groups []model.TaskGroup
	var current *model.TaskGroup

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")

		if m := headingPattern.FindStringSubmatch(line); m != nil {
			if current != nil {
				groups = append(groups, *current)
			}
			current = &model.TaskGroup{
				Ordinal: len(groups),
				Title:   strings.TrimSpace(m[1]),
			}
			continue
		}

		m := itemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if current == nil {
			// No open section yet: the item has no home and is skipped.
			continue
		}
		current.Tasks = append(current.Tasks, model.Task{
			Title:     strings.TrimSpace(m[2]),
			Completed: strings.EqualFold(m[1], "x"),
			Ordinal:   len(current.Tasks),
			Line:      i,
		})
	}

	if current != nil {
		groups = append(groups, *current)
	}
	return groups
}

// Serialize renders groups back into canonical checklist text: one "##"
// heading per group followed by one "- [ ]"/"- [x]" line per task.
func Serialize(groups []model.TaskGroup) string {
	var b strings.Builder
	for i, g := range groups {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(g.Title)
		b.WriteString("\n")
		for _, t := range g.Tasks {
			if t.Completed {
				b.WriteString("- [x] ")
			} else {
				b.WriteString("- [ ] ")
			}
			b.WriteString(t.Title)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ToggleLine rewrites the checkbox marker on a single line of raw text,
// leaving every other byte intact. It returns the rewritten text and
// true when the target line exists and is a checklist item.
func ToggleLine(raw string, line int, completed bool) (string, bool) {
	lines := strings.Split(raw, "\n")
	if line < 0 || line >= len(lines) {
		return raw, false
	}
	rewritten, ok := setMarker(lines[line], completed)
	if !ok {
		return raw, false
	}
	lines[line] = rewritten
	return strings.Join(lines, "\n"), true
}

// setMarker replaces the bracket contents of one checklist-item line.
func setMarker(line string, completed bool) (string, bool) {
	loc := itemPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return line, false
	}
	marker := " "
	if completed {
		marker = "x"
	}
	lb := strings.Index(line, "[")
	rb := strings.Index(line, "]")
	if lb < 0 || rb < lb {
		return line, false
	}
	return line[:lb+1] + marker + line[rb:], true
}
