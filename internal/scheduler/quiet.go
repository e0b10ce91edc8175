package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// quietHours is a start-end hour pair, possibly wrapping midnight
// ("23-6" means quiet from 23:00 through 05:59).
type quietHours struct {
	enabled bool
	start   int
	end     int
}

// parseQuietHours parses "H-H". An empty string disables quiet hours.
func parseQuietHours(s string) (quietHours, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return quietHours{}, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return quietHours{}, fmt.Errorf("quiet hours %q: want \"start-end\"", s)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || start < 0 || start > 23 || end < 0 || end > 23 {
		return quietHours{}, fmt.Errorf("quiet hours %q: hours must be 0-23", s)
	}
	return quietHours{enabled: true, start: start, end: end}, nil
}

// contains reports whether t falls inside the quiet window.
func (q quietHours) contains(t time.Time) bool {
	if !q.enabled {
		return false
	}
	h := t.Hour()
	if q.start <= q.end {
		return h >= q.start && h < q.end
	}
	return h >= q.start || h < q.end
}

// nextEnd returns the next moment quiet hours end, at or after t.
func (q quietHours) nextEnd(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), q.end, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

// resumeDelay returns how long to wait before re-arming the poll timer:
// the lead time before quiet end, but never less than 5 seconds out.
func (q quietHours) resumeDelay(t time.Time, lead time.Duration) time.Duration {
	d := q.nextEnd(t).Add(-lead).Sub(t)
	if d < 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
