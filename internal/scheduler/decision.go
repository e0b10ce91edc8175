package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is the worker's structured answer to a notify envelope.
type Decision struct {
	Decision        string `json:"decision"` // "send" or "skip"
	Title           string `json:"title,omitempty"`
	Body            string `json:"body,omitempty"`
	Tag             string `json:"tag,omitempty"`
	Reason          string `json:"reason,omitempty"`
	NextPollMinutes int    `json:"next_poll_minutes,omitempty"`
}

// parseDecision extracts the JSON decision object from raw model output.
// Models wrap answers in prose or ```json fences; we strip fences and
// take the outermost balanced object.
func parseDecision(text string) (Decision, error) {
	text = stripCodeFences(text)
	obj := outermostObject(text)
	if obj == "" {
		return Decision{}, fmt.Errorf("no JSON object in decision output")
	}

	var d Decision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return Decision{}, fmt.Errorf("parse decision: %w", err)
	}
	switch d.Decision {
	case "send", "skip":
		return d, nil
	default:
		return Decision{}, fmt.Errorf("decision %q is neither send nor skip", d.Decision)
	}
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		// Drop an optional language tag on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			first := strings.TrimSpace(rest[:nl])
			if first == "json" || first == "" {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// outermostObject returns the first balanced {...} in text, tracking
// strings and escapes so braces inside values do not confuse the scan.
func outermostObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
