package scheduler

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	// 2026-03-04 is a Wednesday.
	return time.Date(2026, 3, 4, hour, minute, 0, 0, time.UTC)
}

func TestCompileCronMatches(t *testing.T) {
	tests := []struct {
		expr  string
		at    time.Time
		match bool
	}{
		{"* * * * *", at(10, 30), true},
		{"30 9 * * *", at(9, 30), true},
		{"30 9 * * *", at(9, 31), false},
		{"30 9 * * *", at(10, 30), false},
		{"*/15 * * * *", at(8, 0), true},
		{"*/15 * * * *", at(8, 45), true},
		{"*/15 * * * *", at(8, 10), false},
		{"0 9-17 * * *", at(12, 0), true},
		{"0 9-17 * * *", at(18, 0), false},
		{"0,30 21 * * 1-5", at(21, 30), true}, // Wednesday
		{"0 12 * * 0,6", at(12, 0), false},    // weekend only
		{"0 12 4 3 *", at(12, 0), true},       // March 4th
		{"0 12 5 3 *", at(12, 0), false},
	}
	for _, tt := range tests {
		sched, err := compileCron(tt.expr)
		if err != nil {
			t.Fatalf("compileCron(%q): %v", tt.expr, err)
		}
		if got := sched.matches(tt.at); got != tt.match {
			t.Errorf("(%q).matches(%v) = %v, want %v", tt.expr, tt.at, got, tt.match)
		}
	}
}

func TestCompileCronRejectsInvalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
	} {
		if _, err := compileCron(expr); err == nil {
			t.Errorf("compileCron(%q) succeeded, want error", expr)
		}
	}
}

func TestCronMinuteKeyChangesPerMinute(t *testing.T) {
	sched, err := compileCron("* * * * *")
	if err != nil {
		t.Fatal(err)
	}
	a := sched.minuteKey(at(10, 30))
	b := sched.minuteKey(at(10, 30).Add(30 * time.Second))
	c := sched.minuteKey(at(10, 31))
	if a != b {
		t.Errorf("same minute should share a key: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("different minutes should differ: %q", a)
	}
}

func TestQuietHoursWraparound(t *testing.T) {
	q, err := parseQuietHours("23-6")
	if err != nil {
		t.Fatal(err)
	}

	quiet := map[int]bool{23: true, 0: true, 1: true, 2: true, 3: true, 4: true, 5: true}
	for h := 0; h < 24; h++ {
		got := q.contains(at(h, 0))
		if got != quiet[h] {
			t.Errorf("hour %d: quiet = %v, want %v", h, got, quiet[h])
		}
	}

	// Exact boundaries.
	if !q.contains(at(23, 0)) {
		t.Error("23:00 should be quiet")
	}
	if q.contains(at(6, 0)) {
		t.Error("06:00 should not be quiet")
	}
}

func TestQuietHoursNonWrapping(t *testing.T) {
	q, err := parseQuietHours("9-17")
	if err != nil {
		t.Fatal(err)
	}
	if !q.contains(at(12, 0)) {
		t.Error("noon should be quiet for 9-17")
	}
	if q.contains(at(8, 59)) || q.contains(at(17, 0)) {
		t.Error("8:59 and 17:00 should not be quiet for 9-17")
	}
}

func TestQuietHoursDisabledAndInvalid(t *testing.T) {
	q, err := parseQuietHours("")
	if err != nil {
		t.Fatal(err)
	}
	if q.contains(at(3, 0)) {
		t.Error("empty setting should disable quiet hours")
	}

	for _, bad := range []string{"23", "23-25", "x-6", "23-6-2"} {
		if _, err := parseQuietHours(bad); err == nil {
			t.Errorf("parseQuietHours(%q) succeeded, want error", bad)
		}
	}
}

func TestQuietHoursResumeDelay(t *testing.T) {
	q, err := parseQuietHours("23-6")
	if err != nil {
		t.Fatal(err)
	}

	// At 02:00 the next end is 06:00; lead of 15m means resume at 05:45.
	d := q.resumeDelay(at(2, 0), 15*time.Minute)
	if want := 3*time.Hour + 45*time.Minute; d != want {
		t.Errorf("resumeDelay = %v, want %v", d, want)
	}

	// Very close to the end, the delay floors at 5s.
	d = q.resumeDelay(at(5, 50), 15*time.Minute)
	if d != 5*time.Second {
		t.Errorf("resumeDelay near end = %v, want 5s", d)
	}
}
