package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// NotifySettings holds runtime-tunable notification behavior, loaded from a
// TOML file and hot-reloaded when the file changes.
type NotifySettings struct {
	// QuietHours is an hour range like "23-6". Empty disables quiet hours.
	QuietHours string `toml:"quiet_hours"`
	// DailyCap limits sends per calendar day. 0 disables the cap.
	DailyCap int `toml:"daily_cap"`
	// DedupeWindowMinutes suppresses repeat sends with the same tag.
	DedupeWindowMinutes int `toml:"dedupe_window_minutes"`
	// CooldownGraceMinutes is the minimum gap after a visible turn ends
	// before a proactive run may fire.
	CooldownGraceMinutes int `toml:"cooldown_grace_minutes"`
	// MaxPollIntervalHours bounds the self-rescheduling poll, 0.25-24.
	MaxPollIntervalHours float64 `toml:"max_poll_interval_hours"`
	// QuietResumeLeadMinutes is how early before quiet hours end the
	// poll timer re-arms, so a trigger is ready right at the boundary.
	QuietResumeLeadMinutes int `toml:"quiet_resume_lead_minutes"`
	// DailySummaryTime is "HH:MM" local time for the daily summary run.
	DailySummaryTime string `toml:"daily_summary_time"`
	// Force bypasses the guardrail re-check on decisions. Test use only.
	Force bool `toml:"force"`
	// Cron holds additional trigger schedules, 5-field expressions.
	Cron []CronEntry `toml:"cron"`
}

// CronEntry is a scheduled proactive trigger.
type CronEntry struct {
	Expr string `toml:"expr"`
	Kind string `toml:"kind"`
	Tag  string `toml:"tag"`
}

// DefaultNotifySettings returns the settings used when no file exists.
func DefaultNotifySettings() NotifySettings {
	return NotifySettings{
		QuietHours:             "23-6",
		DailyCap:               10,
		DedupeWindowMinutes:    120,
		CooldownGraceMinutes:   3,
		MaxPollIntervalHours:   8,
		QuietResumeLeadMinutes: 15,
		DailySummaryTime:       "23:00",
	}
}

// CooldownGrace returns the cooldown grace as a duration.
func (s NotifySettings) CooldownGrace() time.Duration {
	m := s.CooldownGraceMinutes
	if m <= 0 {
		m = 3
	}
	return time.Duration(m) * time.Minute
}

// DedupeWindow returns the per-tag dedupe window as a duration.
func (s NotifySettings) DedupeWindow() time.Duration {
	return time.Duration(s.DedupeWindowMinutes) * time.Minute
}

// MaxPollInterval clamps the configured poll ceiling to 15 minutes - 24 hours.
func (s NotifySettings) MaxPollInterval() time.Duration {
	h := s.MaxPollIntervalHours
	if h <= 0 {
		h = 8
	}
	if h < 0.25 {
		h = 0.25
	}
	if h > 24 {
		h = 24
	}
	return time.Duration(h * float64(time.Hour))
}

// QuietResumeLead returns how early before quiet hours end the poll
// timer re-arms.
func (s NotifySettings) QuietResumeLead() time.Duration {
	m := s.QuietResumeLeadMinutes
	if m <= 0 {
		m = 15
	}
	return time.Duration(m) * time.Minute
}

// LoadNotifySettings reads the TOML settings file. A missing file yields
// defaults without error; a malformed file returns an error.
func LoadNotifySettings(path string) (NotifySettings, error) {
	s := DefaultNotifySettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := toml.Unmarshal(data, &s); err != nil {
		return DefaultNotifySettings(), fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// SettingsStore holds the current notification settings and reloads them
// when the backing file changes on disk.
type SettingsStore struct {
	path string

	mu       sync.RWMutex
	current  NotifySettings
	onChange []func(NotifySettings)
}

// NewSettingsStore loads the file (or defaults) and returns the store.
func NewSettingsStore(path string) (*SettingsStore, error) {
	s, err := LoadNotifySettings(path)
	if err != nil {
		return nil, err
	}
	return &SettingsStore{path: path, current: s}, nil
}

// Current returns a copy of the active settings.
func (st *SettingsStore) Current() NotifySettings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// OnChange registers a callback invoked after each successful reload.
func (st *SettingsStore) OnChange(fn func(NotifySettings)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onChange = append(st.onChange, fn)
}

// Reload re-reads the file and notifies subscribers. A parse failure keeps
// the previous settings.
func (st *SettingsStore) Reload() error {
	s, err := LoadNotifySettings(st.path)
	if err != nil {
		slog.Warn("Settings reload failed, keeping previous", "path", st.path, "error", err)
		return err
	}

	st.mu.Lock()
	st.current = s
	callbacks := make([]func(NotifySettings), len(st.onChange))
	copy(callbacks, st.onChange)
	st.mu.Unlock()

	for _, fn := range callbacks {
		fn(s)
	}
	slog.Info("Notification settings reloaded", "path", st.path)
	return nil
}

// Watch starts an fsnotify watcher on the settings file's directory and
// reloads on writes, debounced. Blocks until stopCh closes.
func (st *SettingsStore) Watch(stopCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomically-replaced files are still seen.
	dir := filepath.Dir(st.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var debounce *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case <-stopCh:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(st.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})
		case <-debounceCh:
			_ = st.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Settings watcher error", "error", err)
		}
	}
}
