// Package history computes bounded conversation deltas for background
// prompt envelopes, tracking per-task watermarks so each worker task sees
// every visible message at least once.
package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
)

const (
	// MaxChars bounds the serialized size of a delta payload.
	MaxChars = 800000
	// RecentFallbackCount is the window used when the full delta exceeds
	// MaxChars.
	RecentFallbackCount = 20
	// MaxStringLength bounds any single record's content.
	MaxStringLength = 35000
)

// Item is one record inside a delta payload.
type Item struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// Delta is a prepared, uncommitted history delta. Commit persists the
// watermark; until then re-preparing yields the same records again, which
// gives at-least-once delivery.
type Delta struct {
	Key                string `json:"-"`
	ConversationID     string `json:"conversationId"`
	TaskType           string `json:"taskType"`
	Records            []Item `json:"records"`
	SkippedToolRecords int    `json:"skippedToolRecords,omitempty"`
	Fallback           bool   `json:"fallback,omitempty"`

	newWatermark int64
}

// Empty reports whether the delta carries no records.
func (d *Delta) Empty() bool {
	return len(d.Records) == 0
}

// Synchronizer prepares and commits history deltas against the store.
type Synchronizer struct {
	store *store.Store
}

// NewSynchronizer creates a Synchronizer backed by st.
func NewSynchronizer(st *store.Store) *Synchronizer {
	return &Synchronizer{store: st}
}

// CursorKey builds the watermark key for a conversation/task pair.
func CursorKey(conversationID, taskType string) string {
	return conversationID + "::" + taskType
}

// Prepare builds the delta of records past the committed watermark.
// Tool records are excluded and counted. Oversized record contents are
// truncated. When the serialized payload would exceed MaxChars the delta
// falls back to a shrinking recent window. A synthetic system record
// describing any omissions is appended last.
func (s *Synchronizer) Prepare(conversationID, taskType string) (*Delta, error) {
	key := CursorKey(conversationID, taskType)

	watermark, err := s.store.GetCursor(key)
	if err != nil {
		return nil, fmt.Errorf("prepare delta: %w", err)
	}

	records, err := s.store.ListHistoryAfter(conversationID, watermark)
	if err != nil {
		return nil, fmt.Errorf("prepare delta: %w", err)
	}

	d := &Delta{
		Key:            key,
		ConversationID: conversationID,
		TaskType:       taskType,
		Records:        []Item{},
		newWatermark:   watermark,
	}

	truncatedAny := false
	for _, rec := range records {
		if rec.ID > d.newWatermark {
			d.newWatermark = rec.ID
		}
		if rec.Kind == "tool" {
			d.SkippedToolRecords++
			continue
		}
		content, truncated := truncateString(rec.Content, MaxStringLength)
		if truncated {
			truncatedAny = true
		}
		d.Records = append(d.Records, Item{
			Role:      rec.Role,
			Content:   content,
			CreatedAt: rec.CreatedAt,
		})
	}

	droppedToWindow := 0
	if payloadSize(d.Records) > MaxChars {
		d.Fallback = true
		full := len(d.Records)
		window := RecentFallbackCount
		if window > full {
			window = full
		}
		d.Records = d.Records[full-window:]
		for payloadSize(d.Records) > MaxChars && len(d.Records) > 1 {
			d.Records = d.Records[1:]
		}
		droppedToWindow = full - len(d.Records)
	}

	if summary := summaryText(d.SkippedToolRecords, truncatedAny, d.Fallback, droppedToWindow); summary != "" {
		d.Records = append(d.Records, Item{Role: "system", Content: summary})
	}

	return d, nil
}

// Commit persists the delta's watermark. Call only after the prompt that
// carried the delta succeeded.
func (s *Synchronizer) Commit(d *Delta) error {
	if err := s.store.SetCursor(d.Key, d.newWatermark); err != nil {
		return fmt.Errorf("commit delta: %w", err)
	}
	return nil
}

// truncateString caps s at max runes, appending a marker with the number
// of characters removed.
func truncateString(s string, max int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	removed := len(runes) - max
	return string(runes[:max]) + fmt.Sprintf("… [truncated %d chars]", removed), true
}

func payloadSize(items []Item) int {
	data, err := json.Marshal(items)
	if err != nil {
		return 0
	}
	return len(data)
}

func summaryText(skippedTools int, truncated, fallback bool, droppedToWindow int) string {
	var parts []string
	if skippedTools > 0 {
		parts = append(parts, fmt.Sprintf("%d tool records omitted", skippedTools))
	}
	if truncated {
		parts = append(parts, "some long messages were shortened")
	}
	if fallback {
		parts = append(parts, fmt.Sprintf("delta too large, reduced to the most recent messages (%d older dropped)", droppedToWindow))
	}
	if len(parts) == 0 {
		return ""
	}
	return "[history summary] " + strings.Join(parts, "; ")
}
