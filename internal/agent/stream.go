package agent

import (
	"fmt"
	"strings"
	"time"
)

// ExtractNewStreamSegment returns the part of incoming that extends the
// accumulated buffer. Some agents resend the whole message so far on each
// chunk; others send true deltas that may overlap the tail of the buffer.
func ExtractNewStreamSegment(buffer, incoming string) string {
	if incoming == "" {
		return ""
	}
	if buffer == "" {
		return incoming
	}
	// Full-resend: chunk repeats everything so far.
	if strings.HasPrefix(incoming, buffer) {
		return incoming[len(buffer):]
	}
	// Overlap: the longest buffer suffix that is also an incoming prefix.
	max := len(incoming)
	if len(buffer) < max {
		max = len(buffer)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(buffer, incoming[:k]) {
			return incoming[k:]
		}
	}
	return incoming
}

// formatElapsed renders a duration as "+01h02m03s", dropping leading zero
// units so short gaps read "+05m10s" or "+42s".
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	switch {
	case h > 0:
		return fmt.Sprintf("+%02dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("+%02dm%02ds", m, s)
	default:
		return fmt.Sprintf("+%02ds", s)
	}
}

// decoratePrompt prefixes a visible user message with its receive time and
// the elapsed time since the previous user turn (session start for the
// first turn), so the agent can reason about gaps between messages.
func decoratePrompt(body string, received time.Time, since time.Time) string {
	return fmt.Sprintf("[%s | %s]\n%s",
		received.Format(time.RFC3339),
		formatElapsed(received.Sub(since)),
		body,
	)
}
