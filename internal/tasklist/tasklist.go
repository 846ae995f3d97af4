// Package tasklist parses and mutates line-oriented checklist documents.
package tasklist

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrTaskNotFound is returned by MarkDone when the literal line is absent
// from the document, typically because it was already completed or the
// caller holds a stale reference.
var ErrTaskNotFound = eris.New("tasklist: task not found")

var (
	pendingRe = regexp.MustCompile(`^(-\s)?\[\s\]\s(.+)$`)
	doneRe    = regexp.MustCompile(`^(-\s)?\[x\]\s(.+)$`)
)

// Task is one pending checklist item. Ordinal is 1-based within the
// currently pending subset and is recomputed on every listing; it is not a
// stable identifier. Line is the verbatim document line, which callers must
// pass back unchanged to MarkDone.
type Task struct {
	Ordinal int
	Text    string
	Line    string
}

// List is a parsed checklist document. Non-checklist lines are preserved
// verbatim so Serialize round-trips.
type List struct {
	lines []string
}

// Parse splits doc into lines. Lines matching "[ ] text" or "- [ ] text"
// are pending, "[x]"/"- [x]" are done, anything else is free text.
func Parse(doc string) *List {
	if doc == "" {
		return &List{}
	}
	return &List{lines: strings.Split(doc, "\n")}
}

// Serialize reassembles the document.
func (l *List) Serialize() string {
	return strings.Join(l.lines, "\n")
}

// ListPending returns pending tasks in document order with 1-based ordinals.
func (l *List) ListPending() []Task {
	var tasks []Task
	for _, line := range l.lines {
		if m := pendingRe.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, Task{
				Ordinal: len(tasks) + 1,
				Text:    m[2],
				Line:    line,
			})
		}
	}
	return tasks
}

// Progress returns the number of done items and the total checklist items.
func (l *List) Progress() (done, total int) {
	for _, line := range l.lines {
		switch {
		case doneRe.MatchString(line):
			done++
			total++
		case pendingRe.MatchString(line):
			total++
		}
	}
	return done, total
}

// MarkDone replaces the first exact literal occurrence of originalLine with
// its checked equivalent and returns the updated document. No fuzzy or
// semantic matching is performed; callers must pass back the exact line
// they were given. Returns ErrTaskNotFound if the line is absent.
func (l *List) MarkDone(originalLine string) (string, error) {
	m := pendingRe.FindStringSubmatch(originalLine)
	if m == nil {
		return "", eris.Wrapf(ErrTaskNotFound, "not a pending checklist line: %q", originalLine)
	}
	for i, line := range l.lines {
		if line == originalLine {
			l.lines[i] = m[1] + "[x] " + m[2]
			return l.Serialize(), nil
		}
	}
	return "", eris.Wrapf(ErrTaskNotFound, "line absent from document: %q", originalLine)
}
