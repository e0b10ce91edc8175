// Package helper invokes the external study-data helper scripts. Each call
// pipes a single {action, params} JSON object to the configured command and
// reads one JSON object back. Actions are checked against a per-surface
// allow-list before anything is spawned.
package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"
)

// contextActions are accepted on the context-event surface.
var contextActions = []string{
	"context.state_get",
	"context.state_set",
	"context.mode_get",
	"context.mode_list",
	"context.pending_list",
	"context.pending_update",
	"context.pending_create",
	"context.events_recent",
	"ai.reminder_create",
	"ai.reminder_update",
	"context.events_append",
	"summary.daily_update",
	"summary.session_update",
}

// contextAliases map squashed spellings the agent produces to canonical
// actions. Keys are lowercased with all non-alphanumerics removed.
var contextAliases = map[string]string{
	"contextstateget":       "context.state_get",
	"contextstateset":       "context.state_set",
	"contextactivate":       "context.state_set",
	"activatecontext":       "context.state_set",
	"contextmodeget":        "context.mode_get",
	"contextmodelist":       "context.mode_list",
	"contextpendingupdate":  "context.pending_update",
	"contextpendingresolve": "context.pending_update",
	"contextpendingconfirm": "context.pending_update",
	"contextpendingcancel":  "context.pending_update",
	"contextpendingcreate":  "context.pending_create",
	"contextpendinglist":    "context.pending_list",
	"airemindercreate":      "ai.reminder_create",
	"remindercreate":        "ai.reminder_create",
	"aireminderupdate":      "ai.reminder_update",
	"airemindercancel":      "ai.reminder_update",
	"remindercancel":        "ai.reminder_update",
	"contexteventsappend":   "context.events_append",
	"contexteventsrecent":   "context.events_recent",
}

// logActions are accepted on the study-log surface.
var logActions = []string{
	"summary.daily_update",
	"summary.session_update",
	"log.get",
	"log.get_entry",
	"session.active",
	"data.dashboard",
	"data.unique_subjects",
	"data.study_time_by_subject",
	"data.weekly_study_time",
	"data.this_week_study_time",
	"data.events_since",
	"data.tags",
	"data.search",
}

// readOnlyActions never mutate helper state, so concurrent identical calls
// can share one subprocess invocation.
var readOnlyActions = map[string]struct{}{
	"context.state_get":          {},
	"context.mode_get":           {},
	"context.mode_list":          {},
	"context.pending_list":       {},
	"context.events_recent":      {},
	"log.get":                    {},
	"log.get_entry":              {},
	"session.active":             {},
	"data.dashboard":             {},
	"data.unique_subjects":       {},
	"data.study_time_by_subject": {},
	"data.weekly_study_time":     {},
	"data.this_week_study_time":  {},
	"data.events_since":          {},
	"data.tags":                  {},
	"data.search":                {},
}

// Runner executes helper actions through one external command.
type Runner struct {
	argv    []string
	allowed map[string]struct{}
	aliases map[string]string
	readSf  singleflight.Group // deduplicates concurrent read-only invocations
}

// NewContextRunner creates the runner for the context helper surface.
func NewContextRunner(argv []string) *Runner {
	return newRunner(argv, contextActions, contextAliases)
}

// NewLogRunner creates the runner for the study-log helper surface.
func NewLogRunner(argv []string) *Runner {
	return newRunner(argv, logActions, nil)
}

func newRunner(argv, actions []string, aliases map[string]string) *Runner {
	allowed := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		allowed[a] = struct{}{}
	}
	return &Runner{argv: argv, allowed: allowed, aliases: aliases}
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeAction canonicalizes a raw action name and reports whether it is
// allowed on this surface. Agents emit variants like "context.state.set" or
// "contextActivate"; all collapse to the canonical dotted form.
func (r *Runner) NormalizeAction(raw string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return "", false
	}

	aliasKey := nonAlnumRe.ReplaceAllString(lower, "")
	if canonical, ok := r.aliases[aliasKey]; ok {
		if _, allowed := r.allowed[canonical]; allowed {
			return canonical, true
		}
		return "", false
	}

	candidate := strings.ReplaceAll(lower, " ", "")
	candidate = strings.ReplaceAll(candidate, ":", ".")
	candidate = strings.ReplaceAll(candidate, "-", "_")
	for strings.Contains(candidate, "__") {
		candidate = strings.ReplaceAll(candidate, "__", "_")
	}
	for strings.Contains(candidate, "..") {
		candidate = strings.ReplaceAll(candidate, "..", ".")
	}

	if _, ok := r.allowed[candidate]; ok {
		return candidate, true
	}
	return "", false
}

// Execute runs one allowed action. The raw action is normalized first; a
// disallowed action fails before any process is spawned.
func (r *Runner) Execute(ctx context.Context, rawAction string, params map[string]any) (json.RawMessage, error) {
	action, ok := r.NormalizeAction(rawAction)
	if !ok {
		return nil, fmt.Errorf("action not allowed: %q", rawAction)
	}

	params = normalizeParams(action, params)

	payload, err := json.Marshal(map[string]any{"action": action, "params": params})
	if err != nil {
		return nil, fmt.Errorf("marshal helper payload: %w", err)
	}

	if len(r.argv) == 0 {
		return nil, fmt.Errorf("helper command not configured")
	}

	if _, readOnly := readOnlyActions[action]; readOnly {
		out, err, _ := r.readSf.Do(string(payload), func() (any, error) {
			return r.invoke(ctx, action, payload)
		})
		if err != nil {
			return nil, err
		}
		return out.(json.RawMessage), nil
	}
	return r.invoke(ctx, action, payload)
}

// invoke spawns the helper command once and parses its JSON reply.
func (r *Runner) invoke(ctx context.Context, action string, payload []byte) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return nil, fmt.Errorf("helper %s failed: %s: %w", action, detail, err)
		}
		return nil, fmt.Errorf("helper %s failed: %w", action, err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return json.RawMessage(`{}`), nil
	}

	block := extractJSONObject(out)
	if block == "" {
		return nil, fmt.Errorf("helper %s returned no JSON object", action)
	}
	if !json.Valid([]byte(block)) {
		return nil, fmt.Errorf("helper %s returned malformed JSON", action)
	}
	return json.RawMessage(block), nil
}

// normalizeParams applies per-action parameter fixups. Summary updates
// accept "summary" or "body" in place of "text".
func normalizeParams(action string, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	if action == "summary.daily_update" || action == "summary.session_update" {
		text, _ := out["text"].(string)
		if strings.TrimSpace(text) == "" {
			if s, ok := out["summary"].(string); ok && s != "" {
				out["text"] = strings.TrimSpace(s)
			} else if b, ok := out["body"].(string); ok && b != "" {
				out["text"] = strings.TrimSpace(b)
			}
		} else {
			out["text"] = strings.TrimSpace(text)
		}
	}
	return out
}

// extractJSONObject returns the first balanced {...} block in text, which
// lets helpers print banners before their JSON output.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
