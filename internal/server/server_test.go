package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mu0510/FlexiStudy-sub000/internal/config"
	"github.com/Mu0510/FlexiStudy-sub000/internal/jsonrpc"
	"github.com/Mu0510/FlexiStudy-sub000/internal/notify"
	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
)

// fakeChat records dispatched calls.
type fakeChat struct {
	mu        sync.Mutex
	sent      []string
	confirmed [][2]string
	cancelled int
	cleared   int
	refreshed int
	sendErr   error
}

func (f *fakeChat) SendUserMessage(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return "msg-1", nil
}

func (f *fakeChat) CancelSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeChat) ConfirmToolCall(toolCallID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, [2]string{toolCallID, outcome})
	return nil
}

func (f *fakeChat) FetchHistory(limit int) ([]store.HistoryRecord, error) {
	return []store.HistoryRecord{{Role: "user", Kind: "message", Content: "hi"}}, nil
}

func (f *fakeChat) ClearHistory() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeChat) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return nil
}

func (f *fakeChat) Status() map[string]any {
	return map[string]any{"state": "idle"}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		AllowedOrigins:    []string{"*"},
		SubscriptionsPath: filepath.Join(dir, "subs.json"),
		VAPIDKeyPath:      filepath.Join(dir, "vapid.json"),
		HTTPReadTimeout:   5 * time.Second,
		HTTPWriteTimeout:  5 * time.Second,
		HTTPIdleTimeout:   10 * time.Second,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
	}
}

func newTestServer(t *testing.T, chat *fakeChat) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	push, err := notify.NewService(cfg.VAPIDKeyPath, cfg.SubscriptionsPath, "")
	require.NoError(t, err)

	s := New(cfg, Options{Chat: chat, Push: push})
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRPC(t *testing.T, conn *websocket.Conn, id int, method string, params any) {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, conn.WriteJSON(req))
}

type wsMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc.Error  `json:"error"`
}

// readResponse reads frames until the response carrying the given id
// arrives, returning any notifications seen along the way.
func readResponse(t *testing.T, conn *websocket.Conn, id int) (wsMessage, []wsMessage) {
	t.Helper()
	var notifications []wsMessage
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.ID == nil {
			notifications = append(notifications, msg)
			continue
		}
		var gotID int
		require.NoError(t, json.Unmarshal(msg.ID, &gotID))
		if gotID == id {
			return msg, notifications
		}
	}
	t.Fatalf("no response for id %d", id)
	return wsMessage{}, nil
}

func TestSendUserMessageOverWS(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "sendUserMessage", map[string]string{"content": "what is 2+2"})
	resp, _ := readResponse(t, conn, 1)
	require.Nil(t, resp.Error)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "msg-1", result["messageId"])

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Equal(t, []string{"what is 2+2"}, chat.sent)
}

func TestSendUserMessageRequiresContent(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "sendUserMessage", map[string]string{})
	resp, _ := readResponse(t, conn, 1)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestSendUserMessageBusyError(t *testing.T) {
	chat := &fakeChat{sendErr: jsonrpc.NewError(jsonrpc.CodeTurnRejected, "a turn is already running")}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "sendUserMessage", map[string]string{"content": "hi"})
	resp, _ := readResponse(t, conn, 1)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeTurnRejected, resp.Error.Code)
}

func TestConfirmToolCallOutcomeMapping(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "confirmToolCall", map[string]string{"toolCallId": "tc-1", "result": "allow", "mode": "always"})
	resp, _ := readResponse(t, conn, 1)
	require.Nil(t, resp.Error)

	sendRPC(t, conn, 2, "confirmToolCall", map[string]string{"toolCallId": "tc-2", "outcome": "deny_once"})
	resp, _ = readResponse(t, conn, 2)
	require.Nil(t, resp.Error)

	sendRPC(t, conn, 3, "confirmToolCall", map[string]string{"toolCallId": "tc-3", "result": "reject"})
	resp, _ = readResponse(t, conn, 3)
	require.Nil(t, resp.Error)

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Equal(t, [][2]string{
		{"tc-1", "allow_always"},
		{"tc-2", "deny_once"},
		{"tc-3", "deny_once"},
	}, chat.confirmed)
}

func TestConfirmToolCallRejectsMissingID(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "confirmToolCall", map[string]string{"result": "allow"})
	resp, _ := readResponse(t, conn, 1)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "doesNotExist", nil)
	resp, _ := readResponse(t, conn, 1)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestRequestAiStatusRepliesAndBroadcasts(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "requestAiStatus", nil)
	resp, notifications := readResponse(t, conn, 1)
	require.Nil(t, resp.Error)

	var status map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	assert.Equal(t, "idle", status["state"])

	// The broadcast may arrive before or after the reply.
	if len(notifications) == 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		notifications = append(notifications, msg)
	}
	assert.Equal(t, "aiStatus", notifications[0].Method)
}

func TestFetchHistoryDefaultLimit(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "fetchHistory", nil)
	resp, _ := readResponse(t, conn, 1)
	require.Nil(t, resp.Error)

	var result struct {
		Records []store.HistoryRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Records, 1)
	assert.Equal(t, "hi", result.Records[0].Content)
}

func TestHandoverNotConfigured(t *testing.T) {
	chat := &fakeChat{}
	_, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	sendRPC(t, conn, 1, "chat.handover", nil)
	resp, _ := readResponse(t, conn, 1)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestHubBroadcastReachesClient(t *testing.T) {
	chat := &fakeChat{}
	s, ts := newTestServer(t, chat)
	conn := dialWS(t, ts)

	require.Eventually(t, func() bool {
		return s.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Hub().Broadcast("notifyBusy", map[string]bool{"busy": true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "notifyBusy", msg.Method)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeChat{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestPushSubscribeLifecycle(t *testing.T) {
	_, ts := newTestServer(t, &fakeChat{})

	resp, err := http.Get(ts.URL + "/push/public-key")
	require.NoError(t, err)
	var keyBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keyBody))
	resp.Body.Close()
	assert.NotEmpty(t, keyBody["publicKey"])

	sub := strings.NewReader(`{"endpoint":"https://push.example/abc","keys":{"p256dh":"k1","auth":"a1"}}`)
	resp, err = http.Post(ts.URL+"/push/subscribe", "application/json", sub)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	focus := strings.NewReader(`{"endpoint":"https://push.example/abc","focused":true}`)
	resp, err = http.Post(ts.URL+"/push/focus", "application/json", focus)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	remove := strings.NewReader(`{"endpoint":"https://push.example/abc"}`)
	resp, err = http.Post(ts.URL+"/push/unsubscribe", "application/json", remove)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPushSubscribeRejectsIncomplete(t *testing.T) {
	_, ts := newTestServer(t, &fakeChat{})

	sub := strings.NewReader(`{"endpoint":"https://push.example/abc"}`)
	resp, err := http.Post(ts.URL+"/push/subscribe", "application/json", sub)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"https://evil.com/.example.com", "https://*.example.com", false},
		{"http://foo.example.com", "https://*.example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchWildcardOrigin(tt.origin, tt.pattern), "%s vs %s", tt.origin, tt.pattern)
	}
}

func TestBroadcastDropsSlowClientWithoutClosingSend(t *testing.T) {
	h := NewHub()
	c := newClient(nil)
	h.register(c)
	require.Equal(t, 1, h.ClientCount())

	for i := 0; i < clientSendSize; i++ {
		c.send <- []byte("backlog")
	}

	// The full buffer gets the client dropped rather than stalling the
	// broadcast.
	h.Broadcast("aiStatus", map[string]any{"state": "idle"})
	assert.Equal(t, 0, h.ClientCount())

	select {
	case <-c.done:
	default:
		t.Fatal("dropped client should have its done channel closed")
	}

	// A responder racing the drop can still offer to send without
	// panicking; the channel is merely abandoned, never closed.
	select {
	case c.send <- []byte("late reply"):
	default:
	}

	// Dropping again is a no-op.
	h.unregister(c)
	c.drop()
}
