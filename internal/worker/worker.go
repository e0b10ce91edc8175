// Package worker supervises the background decision agent: a second agent
// subprocess that evaluates notification triggers and other hidden jobs
// without ever touching the visible chat.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mu0510/FlexiStudy-sub000/internal/agent"
	"github.com/Mu0510/FlexiStudy-sub000/internal/cmdkey"
	"github.com/Mu0510/FlexiStudy-sub000/internal/jsonrpc"
	"github.com/Mu0510/FlexiStudy-sub000/internal/retry"
	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
)

// helperAutoAllow mirrors the hidden-turn arbitration of the chat bridge:
// the worker has no UI to ask, so only internal helper scripts may run.
var helperAutoAllow = map[string]bool{
	"python3:manage_log":     true,
	"python3:manage_context": true,
	"python3:notify_tool":    true,
}

// Config configures the worker supervisor.
type Config struct {
	Process       agent.ProcessConfig
	PromptTimeout time.Duration // default per-job timeout when the job carries none
}

type job struct {
	text    string
	timeout time.Duration
	done    chan jobResult
}

type jobResult struct {
	text string
	err  error
}

// Worker owns the background agent subprocess and a FIFO prompt queue.
// Jobs run one at a time in submission order. A crash mid-job fails that
// job; queued jobs survive the restart.
type Worker struct {
	cfg   Config
	store *store.Store

	jobs chan *job
	stop chan struct{}

	mu         sync.Mutex
	proc       *agent.Process
	conn       *jsonrpc.Conn
	connCancel context.CancelFunc
	sessionID  string
	disposed   bool
	turnBuf    string
}

// New creates a Worker. Call Start to spawn the agent and begin draining.
func New(cfg Config, st *store.Store) *Worker {
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 45 * time.Second
	}
	return &Worker{
		cfg:   cfg,
		store: st,
		jobs:  make(chan *job, 64),
		stop:  make(chan struct{}),
	}
}

// Start spawns the worker agent and begins draining the queue.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	err := w.startLocked(ctx)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	go w.drain()
	return nil
}

// startLocked spawns the process and initializes a session. Caller holds
// w.mu. Initialization gets a few attempts since agents can be slow to
// come up on a cold start.
func (w *Worker) startLocked(ctx context.Context) error {
	proc, err := agent.StartProcess(w.cfg.Process)
	if err != nil {
		return err
	}

	conn := jsonrpc.NewConn(proc.Stdout(), proc.Stdin())
	conn.HandleNotify("session/update", w.handleSessionUpdate)
	conn.Handle("session/request_permission", w.handlePermissionRequest)

	readCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = conn.ReadLoop(readCtx) }()
	go proc.DrainStderr("worker")
	go w.monitor(proc, conn)

	w.proc = proc
	w.conn = conn
	w.connCancel = cancel

	initErr := retry.Do(ctx, retry.Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  3,
	}, "worker initialize", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		_, err := conn.Call(callCtx, "initialize", map[string]any{
			"protocolVersion":    1,
			"clientCapabilities": map[string]any{},
		})
		return err
	})
	if initErr != nil {
		_ = proc.Stop()
		return fmt.Errorf("initialize worker agent: %w", initErr)
	}

	callCtx, callCancel := context.WithTimeout(ctx, 15*time.Second)
	defer callCancel()
	raw, err := conn.Call(callCtx, "session/new", map[string]any{
		"cwd": w.cfg.Process.Dir,
	})
	if err != nil {
		_ = proc.Stop()
		return fmt.Errorf("create worker session: %w", err)
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("parse worker session id: %w", err)
	}
	w.sessionID = res.SessionID
	return nil
}

// Stop shuts the worker down permanently. Queued jobs fail.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	proc := w.proc
	cancel := w.connCancel
	w.mu.Unlock()

	close(w.stop)
	if cancel != nil {
		cancel()
	}
	if proc != nil {
		_ = proc.Stop()
	}
}

// monitor restarts the worker after a crash unless it was disposed.
// In-flight calls fail immediately; the drain loop keeps the queue.
func (w *Worker) monitor(proc *agent.Process, conn *jsonrpc.Conn) {
	err := proc.Wait()

	w.mu.Lock()
	if w.proc != proc {
		w.mu.Unlock()
		return
	}
	disposed := w.disposed
	w.mu.Unlock()

	conn.FailPending(jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "worker agent exited"))

	if disposed {
		return
	}
	if err != nil {
		slog.Warn("Worker agent exited unexpectedly", "error", err)
	}

	time.Sleep(time.Second)

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	startErr := w.startLocked(context.Background())
	w.mu.Unlock()

	if startErr != nil {
		slog.Error("Worker agent restart failed", "error", startErr)
	}
}

// Prompt enqueues a job and waits for its result. The job inherits the
// default timeout unless ctx expires first.
func (w *Worker) Prompt(ctx context.Context, text string) (string, error) {
	return w.PromptWithTimeout(ctx, text, 0)
}

// PromptWithTimeout enqueues a job with an explicit per-job timeout.
func (w *Worker) PromptWithTimeout(ctx context.Context, text string, timeout time.Duration) (string, error) {
	w.mu.Lock()
	disposed := w.disposed
	w.mu.Unlock()
	if disposed {
		return "", jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "worker is shut down")
	}

	j := &job{text: text, timeout: timeout, done: make(chan jobResult, 1)}
	select {
	case w.jobs <- j:
	case <-w.stop:
		return "", jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "worker is shut down")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.text, r.err
	case <-w.stop:
		return "", jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "worker is shut down")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EnsureInitialPrompt sends seed to the current worker session unless the
// same content was already delivered to it. Delivery is recorded only
// after the prompt succeeds, so a crash mid-prompt resends on the next
// session (at-least-once).
func (w *Worker) EnsureInitialPrompt(ctx context.Context, seed string) error {
	w.mu.Lock()
	sessionID := w.sessionID
	w.mu.Unlock()
	if sessionID == "" {
		return jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "worker has no session")
	}

	sum := sha256.Sum256([]byte(seed))
	hash := hex.EncodeToString(sum[:])

	sent, err := w.store.HasWorkerPrompt(sessionID, hash)
	if err != nil {
		return err
	}
	if sent {
		return nil
	}

	if _, err := w.PromptWithTimeout(ctx, seed, 2*time.Minute); err != nil {
		return err
	}
	return w.store.MarkWorkerPrompt(sessionID, hash)
}

// drain runs queued jobs one at a time until Stop signals shutdown, then
// rejects whatever is still queued. The job queue itself is never closed,
// so a submission racing a shutdown cannot panic.
func (w *Worker) drain() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- w.run(j)
		case <-w.stop:
			w.failQueued()
			return
		}
	}
}

// failQueued rejects every job still sitting in the queue at shutdown.
func (w *Worker) failQueued() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- jobResult{err: jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "worker is shut down")}
		default:
			return
		}
	}
}

func (w *Worker) run(j *job) jobResult {
	w.mu.Lock()
	conn := w.conn
	sessionID := w.sessionID
	w.turnBuf = ""
	w.mu.Unlock()

	if conn == nil || sessionID == "" {
		return jobResult{err: jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "worker agent not running")}
	}

	timeout := j.timeout
	if timeout <= 0 {
		timeout = w.cfg.PromptTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := conn.Call(ctx, "session/prompt", map[string]any{
		"sessionId": sessionID,
		"prompt":    []agent.ContentBlock{{Type: "text", Text: j.text}},
		"hidden":    true,
	})

	w.mu.Lock()
	out := w.turnBuf
	w.turnBuf = ""
	w.mu.Unlock()

	if ctx.Err() == context.DeadlineExceeded {
		return jobResult{err: jsonrpc.NewError(jsonrpc.CodeTimeout, "worker prompt timed out")}
	}
	if err != nil {
		return jobResult{err: err}
	}
	return jobResult{text: strings.TrimSpace(out)}
}

func (w *Worker) handleSessionUpdate(params json.RawMessage) {
	var n agent.SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		slog.Warn("Malformed worker session update", "error", err)
		return
	}
	if n.Update.SessionUpdate != agent.UpdateMessageChunk || n.Update.Content == nil {
		return
	}
	w.mu.Lock()
	w.turnBuf += agent.ExtractNewStreamSegment(w.turnBuf, n.Update.Content.Text)
	w.mu.Unlock()
}

// handlePermissionRequest auto-arbitrates: the worker has no user to ask.
func (w *Worker) handlePermissionRequest(_ context.Context, params json.RawMessage) (any, error) {
	var req agent.PermissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed permission request")
	}

	key := cmdkey.Derive(req.ToolCall.Title, req.ToolCall.CommandInput())
	kind := agent.OptionRejectOnce
	if helperAutoAllow[key] {
		kind = agent.OptionAllowOnce
	} else {
		slog.Info("Worker denied tool permission", "cmdKey", key)
	}

	if opt, ok := agent.OptionByKind(req.Options, kind); ok {
		return agent.SelectedOutcome(opt.OptionID), nil
	}
	return agent.CancelledOutcome(), nil
}
