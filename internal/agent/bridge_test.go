package agent

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mu0510/FlexiStudy-sub000/internal/busy"
	"github.com/Mu0510/FlexiStudy-sub000/internal/jsonrpc"
	"github.com/Mu0510/FlexiStudy-sub000/internal/policy"
	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
)

type recordedEvent struct {
	Method string
	Params any
}

type testSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *testSink) Broadcast(method string, params any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Method: method, Params: params})
}

func (s *testSink) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Method
	}
	return out
}

func (s *testSink) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Method == method {
			n++
		}
	}
	return n
}

func newTestBridge(t *testing.T) (*Bridge, *testSink, *store.Store, *policy.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pol, err := policy.Load(filepath.Join(dir, "policy.json"))
	require.NoError(t, err)

	sink := &testSink{}
	b := NewBridge(BridgeConfig{ConversationID: "main"}, st, pol, busy.New(nil), sink)
	return b, sink, st, pol
}

func permissionParams(t *testing.T, toolCallID, title, command string) json.RawMessage {
	t.Helper()
	req := PermissionRequest{
		SessionID: "sess-1",
		ToolCall: PermissionToolCall{
			ToolCallID: toolCallID,
			Title:      title,
			Kind:       "execute",
		},
		Options: []PermissionOption{
			{OptionID: "opt-allow", Name: "Allow", Kind: OptionAllowOnce},
			{OptionID: "opt-allow-always", Name: "Always allow", Kind: OptionAllowAlways},
			{OptionID: "opt-reject", Name: "Reject", Kind: OptionRejectOnce},
			{OptionID: "opt-reject-always", Name: "Always reject", Kind: OptionRejectAlways},
		},
	}
	if command != "" {
		req.ToolCall.RawInput = json.RawMessage(`{"command":` + mustJSON(t, command) + `}`)
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func outcomeOption(t *testing.T, res any) string {
	t.Helper()
	resp, ok := res.(PermissionResponse)
	require.True(t, ok, "result should be a PermissionResponse, got %T", res)
	return resp.Outcome.OptionID
}

func TestPermissionPolicyAutoResolve(t *testing.T) {
	b, _, _, pol := newTestBridge(t)

	require.NoError(t, pol.AllowAlways("shell:git"))
	require.NoError(t, pol.DenyAlways("shell:rm"))

	res, err := b.handlePermissionRequest(context.Background(), permissionParams(t, "tc-1", "Run git", "git status"))
	require.NoError(t, err)
	assert.Equal(t, "opt-allow", outcomeOption(t, res))

	res, err = b.handlePermissionRequest(context.Background(), permissionParams(t, "tc-2", "Remove files", "rm -rf build"))
	require.NoError(t, err)
	assert.Equal(t, "opt-reject", outcomeOption(t, res))
}

func TestPermissionDenyWinsOverAllow(t *testing.T) {
	b, _, _, pol := newTestBridge(t)

	require.NoError(t, pol.AllowAlways("shell:git"))
	require.NoError(t, pol.DenyAlways("shell:git"))

	res, err := b.handlePermissionRequest(context.Background(), permissionParams(t, "tc-1", "Run git", "git push"))
	require.NoError(t, err)
	assert.Equal(t, "opt-reject", outcomeOption(t, res))
}

func TestPermissionYoloAllows(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	b.cfg.YoloMode = true

	res, err := b.handlePermissionRequest(context.Background(), permissionParams(t, "tc-1", "Remove files", "rm -rf build"))
	require.NoError(t, err)
	assert.Equal(t, "opt-allow", outcomeOption(t, res))
}

func TestPermissionHiddenTurnArbitration(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	b.mu.Lock()
	b.turnHidden = true
	b.mu.Unlock()

	// Internal helper scripts pass without a user prompt.
	res, err := b.handlePermissionRequest(context.Background(), permissionParams(t, "tc-1", "Run script", "python3 manage_log.py log.get"))
	require.NoError(t, err)
	assert.Equal(t, "opt-allow", outcomeOption(t, res))

	// Anything else is refused.
	res, err = b.handlePermissionRequest(context.Background(), permissionParams(t, "tc-2", "Run command", "curl http://example.com"))
	require.NoError(t, err)
	assert.Equal(t, "opt-reject", outcomeOption(t, res))
}

func TestPermissionParkAndConfirm(t *testing.T) {
	b, sink, _, pol := newTestBridge(t)

	type result struct {
		res any
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := b.handlePermissionRequest(context.Background(), permissionParams(t, "tc-1", "Run git", "git push"))
		done <- result{res, err}
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.waiters["tc-1"]
		return ok
	}, time.Second, 5*time.Millisecond, "waiter should be parked")

	assert.Equal(t, 1, sink.count("pushToolCall"))

	require.NoError(t, b.ConfirmToolCall("tc-1", "allow_always"))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "opt-allow-always", outcomeOption(t, r.res))
	case <-time.After(time.Second):
		t.Fatal("permission request did not resolve")
	}

	// allow_always persisted the command key before the waiter resolved.
	assert.Equal(t, policy.VerdictAllow, pol.Verdict("shell:git"))

	// A second confirm for the same tool call is a no-op.
	require.NoError(t, b.ConfirmToolCall("tc-1", "deny_always"))
	assert.Equal(t, policy.VerdictAllow, pol.Verdict("shell:git"))
}

func TestPermissionParkedCancelledOnContext(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan any, 1)
	go func() {
		res, _ := b.handlePermissionRequest(ctx, permissionParams(t, "tc-1", "Run git", "git push"))
		done <- res
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.waiters["tc-1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case res := <-done:
		resp, ok := res.(PermissionResponse)
		require.True(t, ok)
		assert.Equal(t, "cancelled", resp.Outcome.Outcome)
	case <-time.After(time.Second):
		t.Fatal("permission request did not resolve after cancel")
	}

	b.mu.Lock()
	_, stillParked := b.waiters["tc-1"]
	b.mu.Unlock()
	assert.False(t, stillParked)
}

func TestConfirmUnknownToolCallIsNoop(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	assert.NoError(t, b.ConfirmToolCall("no-such-tool-call", "allow_once"))
}

func TestFinalizeAssistantDeduplicates(t *testing.T) {
	b, _, st, _ := newTestBridge(t)
	b.mu.Lock()
	b.turnActive = true
	b.streamMsgID = "msg-1"
	b.mu.Unlock()

	b.appendChunk("same answer")
	b.finalizeAssistant(true)

	b.mu.Lock()
	b.streamMsgID = "msg-2"
	b.mu.Unlock()
	b.appendChunk("same answer")
	b.finalizeAssistant(true)

	recs, err := st.ListHistory("main", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "assistant", recs[0].Role)
	assert.Equal(t, "same answer", recs[0].Content)
}

func TestToolCallFlushesPartialMessage(t *testing.T) {
	b, sink, st, _ := newTestBridge(t)
	b.mu.Lock()
	b.turnActive = true
	b.streamMsgID = "msg-1"
	b.mu.Unlock()

	b.appendChunk("let me check that")
	b.handleToolCall(SessionUpdate{
		SessionUpdate: UpdateToolCall,
		ToolCallID:    "tc-1",
		Title:         "Read file",
		Kind:          "read",
	})

	recs, err := st.ListHistory("main", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "message", recs[0].Kind)
	assert.Equal(t, "let me check that", recs[0].Content)
	assert.Equal(t, "tool", recs[1].Kind)

	assert.Equal(t, 1, sink.count("messageCompleted"))
	assert.Equal(t, 1, sink.count("pushToolCall"))

	// Stream buffer was reset and the next segment gets a fresh id.
	b.mu.Lock()
	assert.Empty(t, b.streamBuf)
	assert.NotEqual(t, "msg-1", b.streamMsgID)
	b.mu.Unlock()
}

func TestHiddenTurnProducesNoHistoryOrBroadcast(t *testing.T) {
	b, sink, st, _ := newTestBridge(t)
	b.mu.Lock()
	b.turnActive = true
	b.turnHidden = true
	b.mu.Unlock()

	b.appendChunk("internal reasoning output")
	b.finalizeAssistant(true)

	recs, err := st.ListHistory("main", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, sink.methods())

	b.mu.Lock()
	assert.Equal(t, "internal reasoning output", b.hiddenBuf)
	b.mu.Unlock()
}

func TestStreamOverlapDedupeAcrossChunks(t *testing.T) {
	b, sink, _, _ := newTestBridge(t)
	b.mu.Lock()
	b.turnActive = true
	b.streamMsgID = "msg-1"
	b.mu.Unlock()

	// Full resends should only stream the new tail.
	b.appendChunk("Study plan:")
	b.appendChunk("Study plan: review chapter 3")

	b.mu.Lock()
	assert.Equal(t, "Study plan: review chapter 3", b.streamBuf)
	b.mu.Unlock()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	second, ok := sink.events[1].Params.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, " review chapter 3", second["chunk"])
}

func TestMarkRunningToolCallsError(t *testing.T) {
	b, sink, _, _ := newTestBridge(t)
	b.mu.Lock()
	b.toolCalls["tc-1"] = &ToolCallRecord{ToolCallID: "tc-1", Status: ToolStatusRunning}
	b.toolCalls["tc-2"] = &ToolCallRecord{ToolCallID: "tc-2", Status: ToolStatusCompleted}
	b.mu.Unlock()

	b.markRunningToolCallsError()
	b.markRunningToolCallsError()

	b.mu.Lock()
	assert.Equal(t, ToolStatusError, b.toolCalls["tc-1"].Status)
	assert.Equal(t, ToolStatusCompleted, b.toolCalls["tc-2"].Status)
	b.mu.Unlock()

	// The running call errored exactly once, the completed one never.
	assert.Equal(t, 1, sink.count("updateToolCall"))
}

func TestVisibleTurnEndCallbacks(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	var got []time.Time
	var mu sync.Mutex
	b.OnVisibleTurnEnd(func(at time.Time) {
		mu.Lock()
		got = append(got, at)
		mu.Unlock()
	})

	b.mu.Lock()
	b.lastVisibleTurnEnd = time.Now()
	callbacks := b.onVisibleTurnEnd
	end := b.lastVisibleTurnEnd
	b.mu.Unlock()
	for _, fn := range callbacks {
		fn(end)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, end, got[0])
	assert.Equal(t, end, b.LastVisibleTurnEnd())
}

// pipeBridgeConn wires a bridge-side conn to a scripted agent conn over
// in-memory pipes, with read loops running until the test ends.
func pipeBridgeConn(t *testing.T) (*jsonrpc.Conn, *jsonrpc.Conn) {
	t.Helper()

	toBridgeR, toBridgeW := io.Pipe()
	toAgentR, toAgentW := io.Pipe()
	conn := jsonrpc.NewConn(toBridgeR, toAgentW)
	agentConn := jsonrpc.NewConn(toAgentR, toBridgeW)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = conn.ReadLoop(ctx) }()
	go func() { _ = agentConn.ReadLoop(ctx) }()

	return conn, agentConn
}

func TestFileAccessConfinedToWorkRoot(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	root := t.TempDir()
	b.cfg.Process.Dir = root
	ctx := context.Background()

	_, err := b.handleWriteTextFile(ctx, json.RawMessage(`{"path":"notes.txt","content":"review chapter 3"}`))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "review chapter 3", string(data))

	// Absolute paths inside the root are fine too.
	res, err := b.handleReadTextFile(ctx, json.RawMessage(`{"path":`+mustJSON(t, filepath.Join(root, "notes.txt"))+`}`))
	require.NoError(t, err)
	out, ok := res.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "review chapter 3", out["content"])

	for _, p := range []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/hostname",
		filepath.Join(root, "..", "outside.txt"),
	} {
		var rpcErr *jsonrpc.Error
		_, err := b.handleReadTextFile(ctx, json.RawMessage(`{"path":`+mustJSON(t, p)+`}`))
		require.ErrorAs(t, err, &rpcErr, "read %q", p)
		assert.Equal(t, jsonrpc.CodePermissionDenied, rpcErr.Code, "read %q", p)

		_, err = b.handleWriteTextFile(ctx, json.RawMessage(`{"path":`+mustJSON(t, p)+`,"content":"x"}`))
		require.ErrorAs(t, err, &rpcErr, "write %q", p)
		assert.Equal(t, jsonrpc.CodePermissionDenied, rpcErr.Code, "write %q", p)
	}
}

func TestCancelSendSettlesLocally(t *testing.T) {
	b, sink, st, _ := newTestBridge(t)
	b.mu.Lock()
	b.conn = jsonrpc.NewConn(strings.NewReader(""), io.Discard)
	b.sessionID = "sess-test"
	b.turnActive = true
	b.streamMsgID = "msg-1"
	b.toolCalls["tc-1"] = &ToolCallRecord{ToolCallID: "tc-1", Status: ToolStatusRunning}
	b.mu.Unlock()

	b.appendChunk("partial answer")

	require.NoError(t, b.CancelSend())

	// Streamed text is flushed into history even if the agent never
	// acknowledges the cancel.
	recs, err := st.ListHistory("main", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "assistant", recs[0].Role)
	assert.Equal(t, "partial answer", recs[0].Content)

	b.mu.Lock()
	assert.Equal(t, ToolStatusError, b.toolCalls["tc-1"].Status)
	b.mu.Unlock()

	assert.Equal(t, 1, sink.count("messageCompleted"))
	assert.Equal(t, 1, sink.count("updateToolCall"))
}

func TestSendUserMessageRejectedDuringHiddenWork(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	done := b.hidden.Begin("notification decision", false)
	_, err := b.SendUserMessage(context.Background(), "are you there?")
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeTurnRejected, rpcErr.Code)
	done()

	// Once the background work ends the send proceeds to the agent
	// check instead of being rejected at the gate.
	_, err = b.SendUserMessage(context.Background(), "are you there?")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeAgentUnavailable, rpcErr.Code)
}

func TestElapsedLabelMeasuresFromLastUserTurn(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	conn, agentConn := pipeBridgeConn(t)

	var mu sync.Mutex
	var prompts []string
	agentConn.Handle("session/prompt", func(_ context.Context, params json.RawMessage) (any, error) {
		var req promptParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		mu.Lock()
		prompts = append(prompts, req.Prompt[0].Text)
		mu.Unlock()
		return map[string]string{"stopReason": "end_turn"}, nil
	})

	now := time.Now()
	b.mu.Lock()
	b.conn = conn
	b.sessionID = "sess-test"
	b.sessionStart = now.Add(-2 * time.Hour)
	b.lastUserTurn = now.Add(-42 * time.Second)
	b.mu.Unlock()

	_, err := b.SendUserMessage(context.Background(), "next question")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prompts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	decorated := prompts[0]
	mu.Unlock()
	// The label counts from the previous user turn, not session start.
	assert.Contains(t, decorated, "+42s]")
	assert.NotContains(t, decorated, "02h")

	b.mu.Lock()
	assert.False(t, b.lastUserTurn.Before(now))
	b.mu.Unlock()
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestFailedPromptRollsBackUserHistory(t *testing.T) {
	b, sink, st, _ := newTestBridge(t)
	b.mu.Lock()
	b.conn = jsonrpc.NewConn(strings.NewReader(""), errWriter{})
	b.sessionID = "sess-test"
	b.mu.Unlock()

	msgID, err := b.SendUserMessage(context.Background(), "did you get this?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.count("removeMessage") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The optimistic user record is gone and the UI was told to drop
	// the matching message.
	recs, err := st.ListHistory("main", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, e := range sink.events {
		if e.Method != "removeMessage" {
			continue
		}
		params, ok := e.Params.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, msgID, params["id"])
	}
}

func TestHandshakeRetriesAfterInitializeFailure(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	conn, agentConn := pipeBridgeConn(t)

	var initCalls atomic.Int32
	agentConn.Handle("initialize", func(_ context.Context, _ json.RawMessage) (any, error) {
		if initCalls.Add(1) == 1 {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "still warming up")
		}
		return map[string]any{"protocolVersion": 1}, nil
	})
	agentConn.Handle("session/new", func(_ context.Context, _ json.RawMessage) (any, error) {
		return newSessionResult{SessionID: "sess-retry"}, nil
	})

	sessionID, err := b.handshake(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "sess-retry", sessionID)
	assert.Equal(t, int32(2), initCalls.Load())
}
