// Package human provides human-friendly formatting of times and durations.
package human

import (
	"time"
)

// dateFormat is the layout used for commit dates shown to users, e.g.
// "Mar 5, 2026 4:07 PM".
const dateFormat = "Jan 2, 2006 3:04 PM"

// Date formats the given time the way it is shown in history views and
// restore commit messages.
func Date(t time.Time) string {
	return t.Format(dateFormat)
}

// ISO formats the given time as ISO 8601 with second precision.
func ISO(t time.Time) string {
	return t.Format("2006-01-02T15:04:05Z07:00")
}
