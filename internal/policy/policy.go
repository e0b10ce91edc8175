// Package policy persists the allow/deny command-key lists that back
// permission auto-decisions.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Verdict is the stored stance on a command key.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictNone  Verdict = ""
)

type fileFormat struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Store holds the in-memory policy and persists changes to a JSON file.
// Writes go through a temp file and rename so a crash never leaves a
// truncated policy. Concurrent processes writing the same file are
// last-writer-wins.
type Store struct {
	path string

	mu    sync.Mutex
	allow map[string]bool
	deny  map[string]bool
}

// Load reads the policy file. A missing file yields an empty policy.
func Load(path string) (*Store, error) {
	s := &Store{
		path:  path,
		allow: make(map[string]bool),
		deny:  make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	for _, k := range f.Allow {
		s.allow[k] = true
	}
	for _, k := range f.Deny {
		s.deny[k] = true
	}
	return s, nil
}

// Verdict returns the stored stance for key. Deny wins over allow.
func (s *Store) Verdict(key string) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny[key] {
		return VerdictDeny
	}
	if s.allow[key] {
		return VerdictAllow
	}
	return VerdictNone
}

// AllowAlways records key on the allow list and persists before returning.
func (s *Store) AllowAlways(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		return fmt.Errorf("empty command key")
	}
	s.allow[key] = true
	delete(s.deny, key)
	return s.saveLocked()
}

// DenyAlways records key on the deny list and persists before returning.
func (s *Store) DenyAlways(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		return fmt.Errorf("empty command key")
	}
	s.deny[key] = true
	delete(s.allow, key)
	return s.saveLocked()
}

// saveLocked writes the policy atomically. Caller holds s.mu.
func (s *Store) saveLocked() error {
	f := fileFormat{
		Allow: sortedKeys(s.allow),
		Deny:  sortedKeys(s.deny),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".policy-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp policy: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp policy: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
