package session

import (
	"strings"
	"time"
)

// MaxEntries caps the context kept per session.
const MaxEntries = 20

// Roles used in context entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one remembered turn.
type Entry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewEntry creates an entry stamped with t.
func NewEntry(role, content string, t time.Time) Entry {
	return Entry{Role: role, Content: content, Timestamp: t.UTC().Format(time.RFC3339)}
}

// Time parses the entry timestamp. ok is false when it is missing or
// unreadable.
func (e Entry) Time() (time.Time, bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Prune drops entries outside the duration window of p (duration mode only)
// and keeps at most limit of the most recent ones. Entries without a readable
// timestamp are kept by the window filter.
func Prune(entries []Entry, p Policy, now time.Time, limit int) []Entry {
	if len(entries) == 0 {
		return []Entry{}
	}

	var cutoff time.Time
	if minutes, ok := p.DurationMinutes(); ok {
		cutoff = now.Add(-time.Duration(minutes) * time.Minute)
	}

	pruned := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !cutoff.IsZero() {
			if ts, ok := e.Time(); ok && ts.Before(cutoff) {
				continue
			}
		}
		pruned = append(pruned, e)
	}

	if limit > 0 && len(pruned) > limit {
		pruned = pruned[len(pruned)-limit:]
	}
	return pruned
}

// Render formats entries one per line as "[timestamp] ROLE: content".
// Entries with blank content are skipped.
func Render(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		content := strings.TrimSpace(e.Content)
		if content == "" {
			continue
		}
		role := e.Role
		if role == "" {
			role = RoleUser
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if e.Timestamp != "" {
			b.WriteString("[" + e.Timestamp + "] ")
		}
		b.WriteString(strings.ToUpper(role))
		b.WriteString(": ")
		b.WriteString(content)
	}
	return b.String()
}
