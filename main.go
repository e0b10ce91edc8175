// FlexiStudy bridge - agent session supervisor and notification scheduler
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mu0510/FlexiStudy-sub000/internal/agent"
	"github.com/Mu0510/FlexiStudy-sub000/internal/busy"
	"github.com/Mu0510/FlexiStudy-sub000/internal/config"
	"github.com/Mu0510/FlexiStudy-sub000/internal/helper"
	"github.com/Mu0510/FlexiStudy-sub000/internal/history"
	"github.com/Mu0510/FlexiStudy-sub000/internal/logging"
	"github.com/Mu0510/FlexiStudy-sub000/internal/notify"
	"github.com/Mu0510/FlexiStudy-sub000/internal/policy"
	"github.com/Mu0510/FlexiStudy-sub000/internal/scheduler"
	"github.com/Mu0510/FlexiStudy-sub000/internal/server"
	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
	"github.com/Mu0510/FlexiStudy-sub000/internal/worker"
)

// workerSeedPrompt is delivered to the background agent once per prompt
// revision. It defines the decision contract the scheduler relies on.
const workerSeedPrompt = `You are the notification decision engine for a study assistant.
You will receive JSON envelopes describing a potential notification moment:
upcoming or overdue study goals, schedule reminders, and recent conversation
history. For each envelope, decide whether interrupting the user is worth it.

Reply with a single JSON object and nothing else:
{"decision": "send" | "skip", "title": "...", "body": "...", "tag": "...",
 "reason": "...", "next_poll_minutes": <optional number>}

Keep titles under 40 characters and bodies under 120. Prefer skipping when
the envelope shows the user was recently active or the moment is marginal.`

// lateSink lets the bridge and scheduler broadcast through a hub that is
// constructed after them.
type lateSink struct {
	hub *server.Hub
}

func (s *lateSink) Broadcast(method string, params any) {
	if s.hub != nil {
		s.hub.Broadcast(method, params)
	}
}

func main() {
	logging.Setup()

	if err := run(); err != nil {
		slog.Error("Bridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load permission policy: %w", err)
	}

	settings, err := config.NewSettingsStore(cfg.SettingsPath)
	if err != nil {
		return fmt.Errorf("load notify settings: %w", err)
	}

	push, err := notify.NewService(cfg.VAPIDKeyPath, cfg.SubscriptionsPath, "")
	if err != nil {
		return fmt.Errorf("init push service: %w", err)
	}

	sink := &lateSink{}
	hidden := busy.New(func(reason string, active bool) {
		sink.Broadcast("notifyBusy", map[string]any{"busy": active, "reason": reason})
	})

	bridge := agent.NewBridge(agent.BridgeConfig{
		Process: agent.ProcessConfig{
			Command: cfg.AgentCommand,
			Args:    cfg.AgentArgs,
			Dir:     cfg.AgentWorkDir,
		},
		ConversationID:     "main",
		YoloMode:           cfg.YoloMode,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
	}, st, pol, hidden, sink)

	wrk := worker.New(worker.Config{
		Process: agent.ProcessConfig{
			Command: cfg.WorkerCommand,
			Args:    cfg.WorkerArgs,
			Dir:     cfg.AgentWorkDir,
		},
		PromptTimeout: cfg.NotifyDecisionTimeout,
	}, st)

	delta := history.NewSynchronizer(st)
	ctxHelp := helper.NewContextRunner(cfg.ContextHelperCommand)
	logHelp := helper.NewLogRunner(cfg.LogHelperCommand)

	sched := scheduler.New(scheduler.Config{
		ConversationID:  "main",
		DecisionTimeout: cfg.NotifyDecisionTimeout,
	}, settings, st, delta, wrk, bridge, hidden, ctxHelp, logHelp, push, sink)

	srv := server.New(cfg, server.Options{
		Chat:     bridge,
		Handover: handoverFunc(bridge, delta),
		Push:     push,
	})
	sink.hub = srv.Hub()

	ctx := context.Background()
	if err := wrk.Start(ctx); err != nil {
		return fmt.Errorf("start worker agent: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		wrk.Stop()
		return fmt.Errorf("start chat agent: %w", err)
	}

	// At-least-once, so a crash between prompt and mark re-delivers.
	if err := wrk.EnsureInitialPrompt(ctx, workerSeedPrompt); err != nil {
		slog.Warn("Worker seed prompt failed, continuing", "error", err)
	}

	// Start registers the scheduler's own settings-change subscriber.
	sched.Start()

	settingsStop := make(chan struct{})
	go func() {
		if err := settings.Watch(settingsStop); err != nil {
			slog.Warn("Settings watcher stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	// Shutdown order: stop producing notification work, then the agents,
	// then the UI surface, then the store.
	close(settingsStop)
	sched.Stop()
	wrk.Stop()
	bridge.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("Error during server shutdown", "error", err)
	}

	if err := st.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}

	slog.Info("Bridge stopped")
	return nil
}

// handoverFunc builds the chat.handover implementation: a fresh session
// seeded with the history the previous session accumulated.
func handoverFunc(bridge *agent.Bridge, delta *history.Synchronizer) func(context.Context) error {
	return func(ctx context.Context) error {
		return bridge.Handover(ctx, func(sessionID string) (string, func() error, error) {
			d, err := delta.Prepare(bridge.ConversationID(), "handover")
			if err != nil {
				return "", nil, err
			}

			var seed string
			if d.Empty() {
				seed = "A new session has started. There is no earlier conversation to carry over."
			} else {
				payload, err := json.Marshal(d)
				if err != nil {
					return "", nil, err
				}
				seed = "A new session has started. Earlier conversation, for continuity:\n" + string(payload)
			}
			return seed, func() error { return delta.Commit(d) }, nil
		})
	}
}
