// Package scheduler decides when the assistant may proactively reach the
// user: timer and cron triggers, deferral against visible chat activity,
// a background-worker decision step, and local guardrails that can veto
// a send.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mu0510/FlexiStudy-sub000/internal/busy"
	"github.com/Mu0510/FlexiStudy-sub000/internal/config"
	"github.com/Mu0510/FlexiStudy-sub000/internal/helper"
	"github.com/Mu0510/FlexiStudy-sub000/internal/history"
	"github.com/Mu0510/FlexiStudy-sub000/internal/notify"
	"github.com/Mu0510/FlexiStudy-sub000/internal/retry"
	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
)

const (
	minPollInterval  = 30 * time.Second
	reminderInterval = time.Minute
	maxRunSources    = 4
)

// Worker runs one hidden decision prompt at a time.
type Worker interface {
	PromptWithTimeout(ctx context.Context, text string, timeout time.Duration) (string, error)
}

// ChatState exposes the foreground bridge activity the deferral gate
// needs.
type ChatState interface {
	VisibleTurnActive() bool
	Streaming() bool
	LastVisibleTurnEnd() time.Time
	OnVisibleTurnEnd(fn func(time.Time))
}

// Pusher delivers a notification to subscribed browsers.
type Pusher interface {
	Send(msg notify.Message) (int, error)
}

// Sink broadcasts server events to connected UI clients.
type Sink interface {
	Broadcast(method string, params any)
}

// Config holds the static scheduler knobs; the dynamic ones live in the
// watched settings file.
type Config struct {
	ConversationID  string
	PollInterval    time.Duration // base AI poll cadence
	DecisionTimeout time.Duration
}

// RunRequest asks for one proactive notification decision.
type RunRequest struct {
	Source  string
	Intent  string
	Tag     string
	Context map[string]any
	Force   bool
}

// pendingRun is the single coalesced deferred run.
type pendingRun struct {
	sources     []string
	intent      string
	tag         string
	context     map[string]any
	requestedAt time.Time
	force       bool
}

// Scheduler owns the proactive-notification state machine. Start, Reload,
// and Stop bound its lifecycle; it never writes chat history.
type Scheduler struct {
	cfg      Config
	settings *config.SettingsStore
	store    *store.Store
	delta    *history.Synchronizer
	worker   Worker
	chat     ChatState
	hidden   *busy.Tracker
	ctxHelp  *helper.Runner
	logHelp  *helper.Runner
	pusher   Pusher
	sink     Sink

	now func() time.Time

	jobs   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	started       bool
	pending       *pendingRun
	pollTimer     *time.Timer
	summaryTimer  *time.Timer
	cooldownTimer *time.Timer
	pollOverride  time.Duration
	cronCompiled  map[string]*cronSchedule
	cronLastFire  map[string]string
}

// New wires a Scheduler. All dependencies are required except pusher and
// sink, which may be nil in tests.
func New(cfg Config, settings *config.SettingsStore, st *store.Store, delta *history.Synchronizer,
	worker Worker, chat ChatState, hidden *busy.Tracker, ctxHelp, logHelp *helper.Runner,
	pusher Pusher, sink Sink) *Scheduler {

	if cfg.ConversationID == "" {
		cfg.ConversationID = "main"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 2 * time.Minute
	}
	return &Scheduler{
		cfg:          cfg,
		settings:     settings,
		store:        st,
		delta:        delta,
		worker:       worker,
		chat:         chat,
		hidden:       hidden,
		ctxHelp:      ctxHelp,
		logHelp:      logHelp,
		pusher:       pusher,
		sink:         sink,
		now:          time.Now,
		jobs:         make(chan func(), 32),
		stopCh:       make(chan struct{}),
		cronCompiled: make(map[string]*cronSchedule),
		cronLastFire: make(map[string]string),
	}
}

// Start arms the timers and begins draining the job queue.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.chat.OnVisibleTurnEnd(func(time.Time) { s.tryRunPending() })
	s.hidden.OnIdle(func() { s.tryRunPending() })
	s.settings.OnChange(func(config.NotifySettings) { s.Reload() })

	s.wg.Add(2)
	go s.jobLoop()
	go s.tickLoop()

	s.schedulePoll()
	s.scheduleSummary()
}

// Reload re-arms the poll and summary timers against current settings.
func (s *Scheduler) Reload() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	slog.Info("Scheduler reloading settings")
	s.schedulePoll()
	s.scheduleSummary()
}

// Stop tears the scheduler down. Queued jobs are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, t := range []*time.Timer{s.pollTimer, s.summaryTimer, s.cooldownTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// jobLoop runs queued work strictly one job at a time.
func (s *Scheduler) jobLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case job := <-s.jobs:
			job()
		}
	}
}

// tickLoop drives the cron evaluator and the reminder due-poll.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	cronTick := time.NewTicker(15 * time.Second)
	reminderTick := time.NewTicker(reminderInterval)
	defer cronTick.Stop()
	defer reminderTick.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-cronTick.C:
			s.evaluateCron(s.now())
		case <-reminderTick.C:
			s.pollReminders()
		}
	}
}

// evaluateCron fires every settings cron entry matching this minute, at
// most once per minute per expression.
func (s *Scheduler) evaluateCron(now time.Time) {
	entries := s.settings.Current().Cron

	s.mu.Lock()
	var due []config.CronEntry
	for _, entry := range entries {
		sched, ok := s.cronCompiled[entry.Expr]
		if !ok {
			var err error
			sched, err = compileCron(entry.Expr)
			if err != nil {
				slog.Warn("Skipping invalid cron entry", "expr", entry.Expr, "error", err)
				s.cronCompiled[entry.Expr] = nil
				continue
			}
			s.cronCompiled[entry.Expr] = sched
		}
		if sched == nil || !sched.matches(now) {
			continue
		}
		key := sched.minuteKey(now)
		if s.cronLastFire[entry.Expr] == key {
			continue
		}
		s.cronLastFire[entry.Expr] = key
		due = append(due, entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		intent := entry.Kind
		if intent == "" {
			intent = "cron"
		}
		slog.Info("Cron trigger fired", "expr", entry.Expr, "intent", intent)
		s.RequestNotifyRun(RunRequest{Source: "cron", Intent: intent, Tag: entry.Tag})
	}
}

// pollReminders asks the context helper for due reminders and queues a
// context event per item.
func (s *Scheduler) pollReminders() {
	if s.ctxHelp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	out, err := s.ctxHelp.Execute(ctx, "context.pending_list", map[string]any{"due_only": true})
	if err != nil {
		slog.Warn("Reminder poll failed", "error", err)
		return
	}
	var res struct {
		Due []map[string]any `json:"due"`
	}
	if err := json.Unmarshal(out, &res); err != nil || len(res.Due) == 0 {
		return
	}
	for _, item := range res.Due {
		s.EnqueueContextEvent(map[string]any{"type": "reminder", "reminder": item})
	}
}

// RequestNotifyRun coalesces the request into the single pending run and
// launches it if nothing defers it.
func (s *Scheduler) RequestNotifyRun(req RunRequest) {
	s.mu.Lock()
	if s.pending == nil {
		s.pending = &pendingRun{
			sources:     []string{req.Source},
			intent:      req.Intent,
			tag:         req.Tag,
			context:     cloneContext(req.Context),
			requestedAt: s.now(),
			force:       req.Force,
		}
	} else {
		p := s.pending
		if !containsStr(p.sources, req.Source) && len(p.sources) < maxRunSources {
			p.sources = append(p.sources, req.Source)
		}
		if p.context == nil {
			p.context = cloneContext(req.Context)
		} else {
			for k, v := range req.Context {
				p.context[k] = v
			}
		}
		if p.tag == "" {
			p.tag = req.Tag
		}
		p.force = p.force || req.Force
		// requestedAt stays at the earliest request.
	}
	s.mu.Unlock()

	s.tryRunPending()
}

// tryRunPending launches the pending run unless a deferral condition
// holds. Deferred runs are retried on turn end, hidden idle, or when the
// cooldown deadline passes.
func (s *Scheduler) tryRunPending() {
	s.mu.Lock()
	if !s.started || s.pending == nil {
		s.mu.Unlock()
		return
	}
	reason, until := s.deferReasonLocked()
	if reason != "" {
		slog.Debug("Notify run deferred", "reason", reason, "sources", s.pending.sources)
		if reason == "cooldown" {
			s.armCooldownTimerLocked(until)
		}
		s.mu.Unlock()
		return
	}
	run := *s.pending
	s.pending = nil
	s.mu.Unlock()

	select {
	case s.jobs <- func() { s.executeNotifyRun(run) }:
	default:
		slog.Warn("Job queue full, re-queueing notify run", "sources", run.sources)
		s.mu.Lock()
		if s.pending == nil {
			s.pending = &run
		}
		s.mu.Unlock()
	}
}

// deferReasonLocked evaluates the deferral gate. Caller holds s.mu.
func (s *Scheduler) deferReasonLocked() (string, time.Time) {
	if s.hidden.Active() {
		return "hidden_active", time.Time{}
	}
	if s.chat.Streaming() {
		return "assistant_streaming", time.Time{}
	}
	if s.chat.VisibleTurnActive() {
		return "chat_active", time.Time{}
	}
	if last := s.chat.LastVisibleTurnEnd(); !last.IsZero() {
		deadline := last.Add(s.settings.Current().CooldownGrace())
		if s.now().Before(deadline) {
			return "cooldown", deadline
		}
	}
	return "", time.Time{}
}

func (s *Scheduler) armCooldownTimerLocked(deadline time.Time) {
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
	}
	d := deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.cooldownTimer = time.AfterFunc(d, s.tryRunPending)
}

// executeNotifyRun performs one decision: envelope, worker prompt,
// guardrails, delivery. Runs on the job loop; holds a suppressed hidden
// slot so no second hidden turn overlaps.
func (s *Scheduler) executeNotifyRun(run pendingRun) {
	done := s.hidden.Begin("notify:"+run.intent, true)
	defer done()

	if err := s.runEnvelope(run.intent, run.tag, run.context, run.sources, run.requestedAt, run.force); err != nil {
		slog.Warn("Notify run failed", "intent", run.intent, "sources", run.sources, "error", err)
	}
}

// envelope is the structured payload handed to the decision worker.
type envelope struct {
	Version      string         `json:"version"`
	Kind         string         `json:"kind"`
	TS           string         `json:"ts"`
	Data         map[string]any `json:"data,omitempty"`
	HistoryDelta *history.Delta `json:"history_delta,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// runEnvelope builds and delivers one worker envelope, then applies the
// decision. Transport failures return an error (retryable); a malformed
// or negative decision resolves to a recorded skip.
func (s *Scheduler) runEnvelope(kind, fallbackTag string, data map[string]any, sources []string, requestedAt time.Time, force bool) error {
	delta, err := s.delta.Prepare(s.cfg.ConversationID, "notify")
	if err != nil {
		return fmt.Errorf("prepare history delta: %w", err)
	}

	env := envelope{
		Version: "1.0",
		Kind:    kind,
		TS:      s.now().UTC().Format(time.RFC3339),
		Data:    data,
		Meta: map[string]any{
			"sources":     sources,
			"requestedAt": requestedAt.UTC().Format(time.RFC3339),
			"force":       force,
		},
	}
	if !delta.Empty() {
		env.HistoryDelta = delta
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	prompt := "Decide whether to notify the user now. Reply with one JSON object " +
		`{"decision":"send"|"skip","title","body","tag","reason","next_poll_minutes"}.` +
		"\n" + string(payload)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DecisionTimeout)
	defer cancel()
	out, err := s.worker.PromptWithTimeout(ctx, prompt, s.cfg.DecisionTimeout)
	if err != nil {
		s.recordDecision(kind, fallbackTag, Decision{Decision: "skip", Reason: "worker_error: " + err.Error()}, force)
		return fmt.Errorf("worker decision: %w", err)
	}

	if err := s.delta.Commit(delta); err != nil {
		slog.Warn("Failed to commit history delta", "error", err)
	}

	dec, err := parseDecision(out)
	if err != nil {
		slog.Warn("Malformed worker decision, skipping", "error", err)
		dec = Decision{Decision: "skip", Reason: "malformed_decision"}
	}

	s.applyPollOverride(dec.NextPollMinutes)
	s.recordDecision(kind, fallbackTag, dec, force)
	return nil
}

// recordDecision applies local guardrails, logs the outcome, and delivers
// the notification when it survives as a send.
func (s *Scheduler) recordDecision(kind, fallbackTag string, dec Decision, force bool) {
	tag := dec.Tag
	if tag == "" {
		tag = fallbackTag
	}
	if tag == "" {
		tag = kind
	}

	settings := s.settings.Current()
	force = force || settings.Force

	if dec.Decision == "send" && !force {
		if reason := s.guardrailVeto(settings, tag); reason != "" {
			slog.Info("Guardrail downgraded send to skip", "tag", tag, "reason", reason)
			dec.Decision = "skip"
			dec.Reason = reason
		}
	}

	if err := s.store.RecordNotification(store.NotificationEntry{
		Tag:      tag,
		Decision: dec.Decision,
		Reason:   dec.Reason,
		Title:    dec.Title,
		Body:     dec.Body,
	}); err != nil {
		slog.Warn("Failed to record notify decision", "error", err)
	}

	if dec.Decision != "send" {
		slog.Info("Notify decision: skip", "kind", kind, "tag", tag, "reason", dec.Reason)
		return
	}

	slog.Info("Notify decision: send", "kind", kind, "tag", tag, "title", dec.Title)
	if s.pusher != nil {
		if _, err := s.pusher.Send(notify.Message{
			Title:    dec.Title,
			Body:     dec.Body,
			Tag:      tag,
			Renotify: true,
		}); err != nil {
			slog.Warn("Web push delivery failed", "tag", tag, "error", err)
		}
	}
	if s.sink != nil {
		s.sink.Broadcast("notify", map[string]any{
			"title": dec.Title,
			"body":  dec.Body,
			"tag":   tag,
			"kind":  kind,
		})
	}
}

// guardrailVeto re-checks a send against quiet hours, the daily cap, and
// the per-tag dedupe window. Returns the veto reason or "".
func (s *Scheduler) guardrailVeto(settings config.NotifySettings, tag string) string {
	now := s.now()

	quiet, err := parseQuietHours(settings.QuietHours)
	if err != nil {
		slog.Warn("Invalid quiet hours setting", "value", settings.QuietHours, "error", err)
	} else if quiet.contains(now) {
		return "quiet_hours"
	}

	if settings.DailyCap > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		count, err := s.store.CountSentSince(midnight)
		if err != nil {
			slog.Warn("Daily cap query failed", "error", err)
		} else if count >= settings.DailyCap {
			return "daily_cap"
		}
	}

	if window := settings.DedupeWindow(); window > 0 && tag != "" {
		last, ok, err := s.store.LastSentWithTag(tag)
		if err != nil {
			slog.Warn("Dedupe window query failed", "error", err)
		} else if ok && now.Sub(last) < window {
			return "dedupe_window"
		}
	}

	return ""
}

// applyPollOverride adopts the decision's requested next-poll delay.
func (s *Scheduler) applyPollOverride(minutes int) {
	if minutes <= 0 {
		return
	}
	s.mu.Lock()
	s.pollOverride = time.Duration(minutes) * time.Minute
	s.mu.Unlock()
	s.schedulePoll()
}

// schedulePoll (re)arms the self-rescheduling AI poll. During quiet hours
// the poll suspends and a resume timer is armed shortly before quiet end.
func (s *Scheduler) schedulePoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}

	settings := s.settings.Current()
	now := s.now()

	if quiet, err := parseQuietHours(settings.QuietHours); err == nil && quiet.contains(now) {
		delay := quiet.resumeDelay(now, settings.QuietResumeLead())
		slog.Debug("Quiet hours, poll suspended", "resumeIn", delay.Round(time.Second))
		s.pollTimer = time.AfterFunc(delay, s.schedulePoll)
		return
	}

	interval := s.cfg.PollInterval
	if s.pollOverride > 0 {
		interval = s.pollOverride
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if ceiling := settings.MaxPollInterval(); interval > ceiling {
		interval = ceiling
	}

	s.pollTimer = time.AfterFunc(interval, func() {
		s.RequestNotifyRun(RunRequest{Source: "ai_poll", Intent: "ai_poll"})
		s.schedulePoll()
	})
}

// scheduleSummary arms the one-shot daily summary timer for the next
// configured HH:MM.
func (s *Scheduler) scheduleSummary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.summaryTimer != nil {
		s.summaryTimer.Stop()
	}

	at := s.settings.Current().DailySummaryTime
	target, err := time.Parse("15:04", at)
	if err != nil {
		slog.Warn("Invalid daily summary time", "value", at, "error", err)
		return
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), target.Hour(), target.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}

	s.summaryTimer = time.AfterFunc(next.Sub(now), func() {
		s.fireDailySummary()
		s.scheduleSummary()
	})
}

// fireDailySummary refreshes the study-log summary via the helper, then
// requests a summary notification run.
func (s *Scheduler) fireDailySummary() {
	if s.logHelp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		date := s.now().Format("2006-01-02")
		if _, err := s.logHelp.Execute(ctx, "summary.daily_update", map[string]any{"date": date}); err != nil {
			slog.Warn("Daily summary helper failed", "error", err)
		}
	}
	s.RequestNotifyRun(RunRequest{Source: "daily_summary", Intent: "daily_summary", Tag: "daily_summary"})
}

// EnqueueContextEvent queues one background-worker invocation for a
// context event. Events run strictly in order with bounded retry; a job
// that exhausts its retries is dropped with a logged failure.
func (s *Scheduler) EnqueueContextEvent(event map[string]any) {
	job := func() {
		done := s.hidden.Begin("context_event", true)
		defer done()

		err := retry.Do(context.Background(), retry.Config{
			InitialDelay: 2 * time.Second,
			MaxDelay:     15 * time.Second,
			MaxAttempts:  3,
			Linear:       true,
		}, "context event", func(ctx context.Context) error {
			return s.runEnvelope("context_event", "context_event", event, []string{"context_event"}, s.now(), false)
		})
		if err != nil {
			slog.Error("Context event dropped after retries", "error", err)
		}
	}

	select {
	case s.jobs <- job:
	case <-s.stopCh:
	}
}

func cloneContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
