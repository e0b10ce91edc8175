package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadNotifySettingsMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	s, err := LoadNotifySettings(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, "23-6", s.QuietHours)
	require.Equal(t, 10, s.DailyCap)
	require.Equal(t, "23:00", s.DailySummaryTime)
}

func TestLoadNotifySettingsParsesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.toml")
	content := `
quiet_hours = "22-7"
daily_cap = 3
dedupe_window_minutes = 60
cooldown_grace_minutes = 5
max_poll_interval_hours = 2.0
quiet_resume_lead_minutes = 30
daily_summary_time = "21:30"
force = true

[[cron]]
expr = "0 9 * * 1-5"
kind = "morning_checkin"
tag = "checkin"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadNotifySettings(path)
	require.NoError(t, err)
	require.Equal(t, "22-7", s.QuietHours)
	require.Equal(t, 3, s.DailyCap)
	require.Equal(t, 5*time.Minute, s.CooldownGrace())
	require.Equal(t, 2*time.Hour, s.MaxPollInterval())
	require.Equal(t, 30*time.Minute, s.QuietResumeLead())
	require.True(t, s.Force)
	require.Len(t, s.Cron, 1)
	require.Equal(t, "0 9 * * 1-5", s.Cron[0].Expr)
}

func TestLoadNotifySettingsMalformedKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("quiet_hours = ["), 0o644))

	s, err := LoadNotifySettings(path)
	require.Error(t, err)
	require.Equal(t, DefaultNotifySettings(), s)
}

func TestMaxPollIntervalClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hours float64
		want  time.Duration
	}{
		{0, 8 * time.Hour},
		{0.1, 15 * time.Minute},
		{8, 8 * time.Hour},
		{48, 24 * time.Hour},
	}
	for _, tc := range tests {
		s := NotifySettings{MaxPollIntervalHours: tc.hours}
		require.Equal(t, tc.want, s.MaxPollInterval(), "hours=%v", tc.hours)
	}
}

func TestQuietResumeLeadDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, 15*time.Minute, NotifySettings{}.QuietResumeLead())
	require.Equal(t, 15*time.Minute, DefaultNotifySettings().QuietResumeLead())
	require.Equal(t, 5*time.Minute, NotifySettings{QuietResumeLeadMinutes: 5}.QuietResumeLead())
}

func TestSettingsStoreReloadNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(`daily_cap = 1`), 0o644))

	st, err := NewSettingsStore(path)
	require.NoError(t, err)
	require.Equal(t, 1, st.Current().DailyCap)

	var seen []int
	st.OnChange(func(s NotifySettings) { seen = append(seen, s.DailyCap) })

	require.NoError(t, os.WriteFile(path, []byte(`daily_cap = 7`), 0o644))
	require.NoError(t, st.Reload())

	require.Equal(t, 7, st.Current().DailyCap)
	require.Equal(t, []int{7}, seen)
}

func TestSettingsStoreReloadKeepsPreviousOnParseError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(`daily_cap = 4`), 0o644))

	st, err := NewSettingsStore(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`daily_cap = [`), 0o644))
	require.Error(t, st.Reload())
	require.Equal(t, 4, st.Current().DailyCap)
}
