package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mu0510/FlexiStudy-sub000/internal/busy"
	"github.com/Mu0510/FlexiStudy-sub000/internal/cmdkey"
	"github.com/Mu0510/FlexiStudy-sub000/internal/jsonrpc"
	"github.com/Mu0510/FlexiStudy-sub000/internal/policy"
	"github.com/Mu0510/FlexiStudy-sub000/internal/retry"
	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
)

// EventSink receives server->client events for fan-out to UI clients.
type EventSink interface {
	Broadcast(method string, params any)
}

// helperAutoAllow are the command keys hidden turns may run without user
// confirmation. Everything else is denied while a turn is hidden.
var helperAutoAllow = map[string]bool{
	"python3:manage_log":     true,
	"python3:manage_context": true,
	"python3:notify_tool":    true,
}

// ToolCallRecord tracks one tool invocation's lifecycle for the UI.
type ToolCallRecord struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title"`
	Kind       string `json:"kind,omitempty"`
	Status     string `json:"status"`
	Command    string `json:"command,omitempty"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

// BridgeConfig configures the foreground bridge.
type BridgeConfig struct {
	Process            ProcessConfig
	ConversationID     string
	YoloMode           bool
	MaxRestartAttempts int
}

type permissionWaiter struct {
	cmdKey  string
	options []PermissionOption
	ch      chan string // receives the chosen outcome exactly once
}

// Bridge drives the interactive chat agent: visible and hidden prompt
// turns, streaming output, tool calls, and permission arbitration.
type Bridge struct {
	cfg    BridgeConfig
	store  *store.Store
	policy *policy.Store
	hidden *busy.Tracker
	sink   EventSink

	// turnSem serializes prompt turns: visible sends fail fast when it is
	// held, hidden sends wait their turn.
	turnSem chan struct{}

	mu           sync.Mutex
	proc         *Process
	conn         *jsonrpc.Conn
	connCancel   context.CancelFunc
	sessionID    string
	sessionStart time.Time
	restartCount int
	disposed     bool

	turnActive  bool
	turnHidden  bool
	streamBuf   string
	streamMsgID string
	hiddenBuf   string

	toolCalls map[string]*ToolCallRecord
	waiters   map[string]*permissionWaiter

	lastUserTurn       time.Time
	lastVisibleTurnEnd time.Time
	onVisibleTurnEnd   []func(time.Time)

	exclusive bool // a refresh or handover is in flight
}

// NewBridge creates the foreground bridge. Call Start to spawn the agent.
func NewBridge(cfg BridgeConfig, st *store.Store, pol *policy.Store, hidden *busy.Tracker, sink EventSink) *Bridge {
	if cfg.ConversationID == "" {
		cfg.ConversationID = "main"
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = 5
	}
	return &Bridge{
		cfg:       cfg,
		store:     st,
		policy:    pol,
		hidden:    hidden,
		sink:      sink,
		turnSem:   make(chan struct{}, 1),
		toolCalls: make(map[string]*ToolCallRecord),
		waiters:   make(map[string]*permissionWaiter),
	}
}

// ConversationID returns the conversation this bridge appends history to.
func (b *Bridge) ConversationID() string {
	return b.cfg.ConversationID
}

// Start spawns the agent and opens a session.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx)
}

// startLocked spawns, initializes, and opens a session. Caller holds b.mu.
func (b *Bridge) startLocked(ctx context.Context) error {
	proc, err := StartProcess(b.cfg.Process)
	if err != nil {
		return err
	}

	conn := jsonrpc.NewConn(proc.Stdout(), proc.Stdin())
	conn.HandleNotify("session/update", b.handleSessionUpdate)
	conn.Handle("session/request_permission", b.handlePermissionRequest)
	conn.Handle("fs/read_text_file", b.handleReadTextFile)
	conn.Handle("fs/write_text_file", b.handleWriteTextFile)

	readCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = conn.ReadLoop(readCtx) }()
	go proc.DrainStderr("chat")
	go b.monitor(proc, conn)

	b.proc = proc
	b.conn = conn
	b.connCancel = cancel

	sessionID, err := b.handshake(ctx, conn)
	if err != nil {
		_ = proc.Stop()
		return err
	}

	b.sessionID = sessionID
	b.sessionStart = time.Now()
	b.lastUserTurn = time.Time{}
	return nil
}

// handshake runs initialize + session/new, retrying the pair a bounded
// number of times before giving up on this spawn.
func (b *Bridge) handshake(ctx context.Context, conn *jsonrpc.Conn) (string, error) {
	var sessionID string
	err := retry.Do(ctx, retry.Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  3,
	}, "chat initialize", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if _, err := conn.Call(callCtx, "initialize", map[string]any{
			"protocolVersion": 1,
			"clientCapabilities": map[string]any{
				"fs": map[string]bool{"readTextFile": true, "writeTextFile": true},
			},
		}); err != nil {
			return err
		}

		raw, err := conn.Call(callCtx, "session/new", map[string]any{
			"cwd": b.cfg.Process.Dir,
		})
		if err != nil {
			return err
		}
		var res newSessionResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return retry.Permanent(err)
		}
		sessionID = res.SessionID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("initialize agent: %w", err)
	}
	return sessionID, nil
}

// Stop shuts down the agent process permanently.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.disposed = true
	proc := b.proc
	cancel := b.connCancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc != nil {
		_ = proc.Stop()
	}
}

// monitor handles agent process exit: fails pending calls, marks running
// tool calls as errored, and restarts the agent unless disposed.
func (b *Bridge) monitor(proc *Process, conn *jsonrpc.Conn) {
	err := proc.Wait()

	b.mu.Lock()
	if b.proc != proc {
		b.mu.Unlock()
		return
	}
	disposed := b.disposed
	b.mu.Unlock()

	conn.FailPending(jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "agent process exited"))
	b.markRunningToolCallsError()

	if disposed {
		return
	}
	if err != nil {
		slog.Warn("Chat agent exited unexpectedly", "error", err)
	}

	b.broadcast("geminiRestarting", map[string]any{})

	b.mu.Lock()
	// Rapid exits count against the restart budget; a long-lived process
	// earns it back.
	if proc.Uptime() > time.Minute {
		b.restartCount = 0
	}
	b.restartCount++
	attempts := b.restartCount
	b.mu.Unlock()

	if attempts > b.cfg.MaxRestartAttempts {
		slog.Error("Chat agent exceeded max restart attempts", "attempts", attempts)
		b.broadcast("aiStatus", map[string]any{"state": "error", "detail": "agent crashed and could not be restarted"})
		return
	}

	time.Sleep(time.Second)

	b.mu.Lock()
	startErr := b.startLocked(context.Background())
	b.mu.Unlock()

	if startErr != nil {
		slog.Error("Chat agent restart failed", "error", startErr)
		b.broadcast("aiStatus", map[string]any{"state": "error", "detail": startErr.Error()})
		return
	}

	b.broadcast("geminiReady", map[string]any{})
}

// markRunningToolCallsError transitions every still-running tool call to
// error, exactly once each.
func (b *Bridge) markRunningToolCallsError() {
	b.mu.Lock()
	var errored []*ToolCallRecord
	for _, rec := range b.toolCalls {
		if rec.Status == ToolStatusRunning {
			rec.Status = ToolStatusError
			rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
			errored = append(errored, rec)
		}
	}
	b.mu.Unlock()

	for _, rec := range errored {
		b.broadcast("updateToolCall", rec)
	}
}

// SendUserMessage starts a visible turn. It returns the new message id
// immediately; streaming and completion arrive as broadcasts. A second
// send while a turn is active is rejected.
func (b *Bridge) SendUserMessage(ctx context.Context, text string) (string, error) {
	if b.hidden.Active() {
		return "", jsonrpc.NewError(jsonrpc.CodeTurnRejected, "a background task is holding the agent")
	}

	select {
	case b.turnSem <- struct{}{}:
	default:
		return "", jsonrpc.NewError(jsonrpc.CodeTurnRejected, "a turn is already in progress")
	}

	received := time.Now()

	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		<-b.turnSem
		return "", jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "agent not running")
	}
	conn := b.conn
	sessionID := b.sessionID
	// The elapsed label measures the gap since the previous user turn;
	// the first turn of a session measures from session start.
	since := b.lastUserTurn
	if since.IsZero() {
		since = b.sessionStart
	}
	b.lastUserTurn = received
	b.turnActive = true
	b.turnHidden = false
	b.streamBuf = ""
	b.streamMsgID = uuid.NewString()
	msgID := uuid.NewString()
	b.mu.Unlock()

	createdAt := received.UTC().Format(time.RFC3339Nano)

	recID, err := b.store.AppendHistory(store.HistoryRecord{
		ConversationID: b.cfg.ConversationID,
		Role:           "user",
		Kind:           "message",
		Content:        text,
		CreatedAt:      createdAt,
	})
	if err != nil {
		slog.Warn("Failed to append user message to history", "error", err)
		recID = 0
	}

	b.broadcast("addMessage", map[string]any{
		"id":        msgID,
		"role":      "user",
		"content":   text,
		"createdAt": createdAt,
	})
	b.broadcast("aiStatus", map[string]any{"state": "responding"})

	go b.runVisibleTurn(conn, sessionID, decoratePrompt(text, received, since), recID, msgID)

	return msgID, nil
}

// runVisibleTurn drives session/prompt for a visible turn and finalizes
// when the prompt resolves. A failed prompt rolls back the optimistic
// user-history entry so deltas never carry a message the agent never saw.
func (b *Bridge) runVisibleTurn(conn *jsonrpc.Conn, sessionID, decorated string, userRecID int64, userMsgID string) {
	defer func() { <-b.turnSem }()

	_, err := conn.Call(context.Background(), "session/prompt", promptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: decorated}},
	})

	b.finalizeAssistant(true)

	b.mu.Lock()
	b.turnActive = false
	b.lastVisibleTurnEnd = time.Now()
	callbacks := make([]func(time.Time), len(b.onVisibleTurnEnd))
	copy(callbacks, b.onVisibleTurnEnd)
	end := b.lastVisibleTurnEnd
	b.mu.Unlock()

	if err != nil {
		slog.Warn("Visible turn failed", "error", err)
		if userRecID != 0 {
			if delErr := b.store.DeleteHistory(b.cfg.ConversationID, userRecID); delErr != nil {
				slog.Warn("Failed to roll back user message", "error", delErr)
			}
		}
		b.broadcast("removeMessage", map[string]any{"id": userMsgID})
		b.broadcast("aiStatus", map[string]any{"state": "error", "detail": err.Error()})
	} else {
		b.broadcast("aiStatus", map[string]any{"state": "idle"})
	}

	for _, fn := range callbacks {
		fn(end)
	}
}

// CancelSend asks the agent to stop the current turn. The local state is
// settled immediately, without waiting for the agent to acknowledge: any
// streamed text is flushed into history and still-running tool calls are
// marked error, so a deaf agent cannot leave the UI hanging.
func (b *Bridge) CancelSend() error {
	b.mu.Lock()
	conn := b.conn
	sessionID := b.sessionID
	b.mu.Unlock()

	if conn == nil {
		return jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "agent not running")
	}
	err := conn.Notify("session/cancel", map[string]any{"sessionId": sessionID})

	b.finalizeAssistant(true)
	b.markRunningToolCallsError()
	return err
}

// PromptHidden runs a hidden turn and returns the assistant's final text.
// Hidden turns wait for any active turn, produce no UI stream and no
// history records, and auto-arbitrate permissions.
func (b *Bridge) PromptHidden(ctx context.Context, reason, text string, suppressBusy bool) (string, error) {
	done := b.hidden.Begin(reason, suppressBusy)
	defer done()

	select {
	case b.turnSem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-b.turnSem }()

	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return "", jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "agent not running")
	}
	conn := b.conn
	sessionID := b.sessionID
	b.turnActive = true
	b.turnHidden = true
	b.streamBuf = ""
	b.hiddenBuf = ""
	b.mu.Unlock()

	_, err := conn.Call(ctx, "session/prompt", promptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
		Hidden:    true,
	})

	b.mu.Lock()
	out := b.hiddenBuf
	b.hiddenBuf = ""
	b.streamBuf = ""
	b.turnActive = false
	b.turnHidden = false
	b.mu.Unlock()

	if err != nil {
		return "", err
	}
	return out, nil
}

// handleSessionUpdate dispatches session/update notifications.
func (b *Bridge) handleSessionUpdate(params json.RawMessage) {
	var n SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		slog.Warn("Malformed session update", "error", err)
		return
	}

	switch n.Update.SessionUpdate {
	case UpdateThoughtChunk:
		b.mu.Lock()
		hidden := b.turnHidden
		b.mu.Unlock()
		if !hidden {
			b.broadcast("aiStatus", map[string]any{"state": "thinking"})
		}

	case UpdateMessageChunk:
		if n.Update.Content == nil {
			return
		}
		b.appendChunk(n.Update.Content.Text)

	case UpdateToolCall:
		b.handleToolCall(n.Update)

	case UpdateToolCallUpd:
		b.handleToolCallUpdate(n.Update)

	case UpdateEndOfTurn:
		b.finalizeAssistant(true)

	default:
		slog.Debug("Unknown session update", "sessionUpdate", n.Update.SessionUpdate)
	}
}

// appendChunk folds a message chunk into the stream buffer, deduping any
// overlap, and streams the new segment to the UI on visible turns.
func (b *Bridge) appendChunk(text string) {
	b.mu.Lock()
	seg := ExtractNewStreamSegment(b.streamBuf, text)
	b.streamBuf += seg
	if b.turnHidden {
		b.hiddenBuf += seg
		b.mu.Unlock()
		return
	}
	msgID := b.streamMsgID
	b.mu.Unlock()

	if seg != "" {
		b.broadcast("streamAssistantMessageChunk", map[string]any{
			"messageId": msgID,
			"chunk":     seg,
		})
	}
}

// finalizeAssistant flushes the stream buffer into history. terminal is
// false when a tool call interrupts the stream mid-turn. The finalized
// record is skipped when identical to the immediately preceding history
// record, so retries and chunk replays never produce consecutive
// duplicates.
func (b *Bridge) finalizeAssistant(terminal bool) {
	b.mu.Lock()
	text := strings.TrimSpace(b.streamBuf)
	hidden := b.turnHidden
	msgID := b.streamMsgID
	b.streamBuf = ""
	if !terminal {
		// The next stream segment gets its own message id.
		b.streamMsgID = uuid.NewString()
	}
	b.mu.Unlock()

	if text == "" || hidden {
		return
	}

	last, err := b.store.LastHistory(b.cfg.ConversationID)
	if err != nil {
		slog.Warn("Failed to read last history record", "error", err)
	}
	duplicate := last != nil && last.Role == "assistant" && last.Kind == "message" && last.Content == text
	if !duplicate {
		if _, err := b.store.AppendHistory(store.HistoryRecord{
			ConversationID: b.cfg.ConversationID,
			Role:           "assistant",
			Kind:           "message",
			Content:        text,
		}); err != nil {
			slog.Warn("Failed to append assistant message", "error", err)
		}
	}

	b.broadcast("messageCompleted", map[string]any{
		"messageId": msgID,
		"content":   text,
	})
}

// handleToolCall records a new tool call. Any streamed text so far is
// flushed as a partial assistant message first.
func (b *Bridge) handleToolCall(u SessionUpdate) {
	b.finalizeAssistant(false)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rec := &ToolCallRecord{
		ToolCallID: u.ToolCallID,
		Title:      u.Title,
		Kind:       u.Kind,
		Status:     ToolStatusRunning,
		Command:    u.CommandInput(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if u.Status != "" {
		rec.Status = u.Status
	}

	b.mu.Lock()
	hidden := b.turnHidden
	b.toolCalls[rec.ToolCallID] = rec
	b.mu.Unlock()

	if hidden {
		return
	}

	data, _ := json.Marshal(rec)
	if _, err := b.store.AppendHistory(store.HistoryRecord{
		ConversationID: b.cfg.ConversationID,
		Role:           "assistant",
		Kind:           "tool",
		Content:        string(data),
	}); err != nil {
		slog.Warn("Failed to append tool record", "error", err)
	}

	b.broadcast("pushToolCall", map[string]any{"toolCall": rec})
}

// handleToolCallUpdate patches an existing tool call record.
func (b *Bridge) handleToolCallUpdate(u SessionUpdate) {
	b.mu.Lock()
	rec, ok := b.toolCalls[u.ToolCallID]
	if !ok {
		b.mu.Unlock()
		slog.Debug("Update for unknown tool call", "toolCallId", u.ToolCallID)
		return
	}
	if u.Status != "" {
		rec.Status = u.Status
	}
	if u.Title != "" {
		rec.Title = u.Title
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	hidden := b.turnHidden
	snapshot := *rec
	b.mu.Unlock()

	if !hidden {
		b.broadcast("updateToolCall", &snapshot)
	}
}

// handlePermissionRequest arbitrates session/request_permission. The
// handler blocks while a waiter is parked, which is safe because jsonrpc
// runs request handlers on their own goroutines.
func (b *Bridge) handlePermissionRequest(ctx context.Context, params json.RawMessage) (any, error) {
	var req PermissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed permission request")
	}

	key := cmdkey.Derive(req.ToolCall.Title, req.ToolCall.CommandInput())

	switch b.policy.Verdict(key) {
	case policy.VerdictDeny:
		slog.Info("Permission auto-denied by policy", "cmdKey", key)
		return b.selectOutcome(req.Options, OptionRejectOnce), nil
	case policy.VerdictAllow:
		slog.Info("Permission auto-allowed by policy", "cmdKey", key)
		return b.selectOutcome(req.Options, OptionAllowOnce), nil
	}

	if b.cfg.YoloMode {
		return b.selectOutcome(req.Options, OptionAllowOnce), nil
	}

	b.mu.Lock()
	hidden := b.turnHidden
	b.mu.Unlock()

	if hidden {
		// Hidden turns get no UI prompt: internal helper scripts pass,
		// everything else is refused.
		if helperAutoAllow[key] {
			return b.selectOutcome(req.Options, OptionAllowOnce), nil
		}
		slog.Info("Permission denied on hidden turn", "cmdKey", key)
		return b.selectOutcome(req.Options, OptionRejectOnce), nil
	}

	// Park a waiter and ask the user.
	w := &permissionWaiter{cmdKey: key, options: req.Options, ch: make(chan string, 1)}
	b.mu.Lock()
	b.waiters[req.ToolCall.ToolCallID] = w
	b.mu.Unlock()

	b.broadcast("pushToolCall", map[string]any{
		"toolCall": map[string]any{
			"toolCallId": req.ToolCall.ToolCallID,
			"title":      req.ToolCall.Title,
			"kind":       req.ToolCall.Kind,
			"status":     "awaiting_permission",
			"command":    req.ToolCall.CommandInput(),
		},
		"options": req.Options,
		"cmdKey":  key,
	})

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, req.ToolCall.ToolCallID)
		b.mu.Unlock()
		return CancelledOutcome(), nil
	case outcome := <-w.ch:
		switch outcome {
		case "allow_once":
			return b.selectOutcome(req.Options, OptionAllowOnce), nil
		case "allow_always":
			return b.selectOutcome(req.Options, OptionAllowAlways), nil
		case "deny_always":
			return b.selectOutcome(req.Options, OptionRejectAlways), nil
		default:
			return b.selectOutcome(req.Options, OptionRejectOnce), nil
		}
	}
}

// selectOutcome picks the agent-offered option matching kind, preferring
// the requested kind but falling back to its _once sibling.
func (b *Bridge) selectOutcome(options []PermissionOption, kind string) PermissionResponse {
	if opt, ok := OptionByKind(options, kind); ok {
		return SelectedOutcome(opt.OptionID)
	}
	return CancelledOutcome()
}

// ConfirmToolCall resolves a parked permission waiter. Outcomes are
// "allow_once", "allow_always", "deny_once", "deny_always". The *_always
// outcomes persist the command key to the policy before the waiter is
// released, so a crash right after persisting still leaves the decision
// durable. Confirming an unknown tool call is a no-op.
func (b *Bridge) ConfirmToolCall(toolCallID, outcome string) error {
	b.mu.Lock()
	w, ok := b.waiters[toolCallID]
	if ok {
		delete(b.waiters, toolCallID)
	}
	b.mu.Unlock()

	if !ok {
		slog.Debug("Confirm for unknown or already-resolved waiter", "toolCallId", toolCallID)
		return nil
	}

	switch outcome {
	case "allow_always":
		if err := b.policy.AllowAlways(w.cmdKey); err != nil {
			slog.Warn("Failed to persist allow_always", "cmdKey", w.cmdKey, "error", err)
		}
	case "deny_always":
		if err := b.policy.DenyAlways(w.cmdKey); err != nil {
			slog.Warn("Failed to persist deny_always", "cmdKey", w.cmdKey, "error", err)
		}
	}

	w.ch <- outcome
	return nil
}

// FetchHistory returns up to limit recent records, oldest first.
func (b *Bridge) FetchHistory(limit int) ([]store.HistoryRecord, error) {
	return b.store.ListHistory(b.cfg.ConversationID, limit)
}

// ClearHistory wipes the conversation and tells every client.
func (b *Bridge) ClearHistory() error {
	if err := b.store.ClearHistory(b.cfg.ConversationID); err != nil {
		return err
	}
	b.broadcast("historyCleared", map[string]any{})
	return nil
}

// Refresh restarts the agent session, keeping history. Only one refresh
// or handover may run at a time.
func (b *Bridge) Refresh(ctx context.Context) error {
	release, err := b.beginExclusive()
	if err != nil {
		return err
	}
	defer release()

	select {
	case b.turnSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.turnSem }()

	b.broadcast("geminiRestarting", map[string]any{})

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "agent not running")
	}

	raw, err := conn.Call(ctx, "session/new", map[string]any{"cwd": b.cfg.Process.Dir})
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	var res newSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("parse session/new result: %w", err)
	}

	b.mu.Lock()
	b.sessionID = res.SessionID
	b.sessionStart = time.Now()
	b.lastUserTurn = time.Time{}
	b.mu.Unlock()

	b.broadcast("geminiReady", map[string]any{})
	return nil
}

// SessionSeed is the hidden prompt text injected right after a session is
// created by Handover.
type SessionSeed func(sessionID string) (string, func() error, error)

// Handover starts a fresh session seeded with context from the previous
// one. seed builds the hidden prompt (and a commit hook run after the
// seed prompt succeeds, typically committing a history delta watermark).
func (b *Bridge) Handover(ctx context.Context, seed SessionSeed) error {
	release, err := b.beginExclusive()
	if err != nil {
		return err
	}
	defer release()

	b.broadcast("geminiRestarting", map[string]any{})

	select {
	case b.turnSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		<-b.turnSem
		return jsonrpc.NewError(jsonrpc.CodeAgentUnavailable, "agent not running")
	}

	raw, err := conn.Call(ctx, "session/new", map[string]any{"cwd": b.cfg.Process.Dir})
	if err != nil {
		<-b.turnSem
		return fmt.Errorf("handover session: %w", err)
	}
	var res newSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		<-b.turnSem
		return fmt.Errorf("parse session/new result: %w", err)
	}

	b.mu.Lock()
	b.sessionID = res.SessionID
	b.sessionStart = time.Now()
	b.lastUserTurn = time.Time{}
	b.mu.Unlock()
	<-b.turnSem

	text, commit, err := seed(res.SessionID)
	if err != nil {
		return fmt.Errorf("build handover seed: %w", err)
	}
	if text != "" {
		if _, err := b.PromptHidden(ctx, "handover", text, true); err != nil {
			return fmt.Errorf("seed handover session: %w", err)
		}
		if commit != nil {
			if err := commit(); err != nil {
				slog.Warn("Handover commit failed", "error", err)
			}
		}
	}

	b.broadcast("geminiReady", map[string]any{})
	return nil
}

func (b *Bridge) beginExclusive() (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exclusive {
		return nil, jsonrpc.NewError(jsonrpc.CodeTurnRejected, "a refresh or handover is already in progress")
	}
	b.exclusive = true
	return func() {
		b.mu.Lock()
		b.exclusive = false
		b.mu.Unlock()
	}, nil
}

// OnVisibleTurnEnd registers a callback invoked whenever a visible turn
// completes. The scheduler uses this to extend the notify cooldown.
func (b *Bridge) OnVisibleTurnEnd(fn func(time.Time)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onVisibleTurnEnd = append(b.onVisibleTurnEnd, fn)
}

// LastVisibleTurnEnd returns when the most recent visible turn finished
// (zero when none has).
func (b *Bridge) LastVisibleTurnEnd() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastVisibleTurnEnd
}

// VisibleTurnActive reports whether a visible turn is running.
func (b *Bridge) VisibleTurnActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turnActive && !b.turnHidden
}

// Streaming reports whether assistant output is mid-stream on a visible
// turn.
func (b *Bridge) Streaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turnActive && !b.turnHidden && b.streamBuf != ""
}

// Status returns the UI-facing status snapshot.
func (b *Bridge) Status() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := "idle"
	if b.turnActive && !b.turnHidden {
		state = "responding"
	}
	return map[string]any{
		"state":      state,
		"hiddenBusy": b.hidden.Active(),
		"busyReason": b.hidden.Reason(),
	}
}

func (b *Bridge) broadcast(method string, params any) {
	if b.sink != nil {
		b.sink.Broadcast(method, params)
	}
}

// resolveWorkPath confines an agent-supplied path to the working root.
// Relative paths resolve against the root; anything that escapes it,
// via ".." or an absolute path outside, is rejected.
func (b *Bridge) resolveWorkPath(p string) (string, error) {
	root := b.cfg.Process.Dir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", jsonrpc.NewError(jsonrpc.CodePermissionDenied, "path escapes the working root")
	}
	return abs, nil
}

// handleReadTextFile serves fs/read_text_file requests from the agent.
func (b *Bridge) handleReadTextFile(_ context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Path == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "path is required")
	}
	path, err := b.resolveWorkPath(req.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
	return map[string]string{"content": string(data)}, nil
}

// handleWriteTextFile serves fs/write_text_file requests from the agent.
func (b *Bridge) handleWriteTextFile(_ context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Path == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "path is required")
	}
	path, err := b.resolveWorkPath(req.Path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
	return map[string]any{}, nil
}
