package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mu0510/FlexiStudy-sub000/internal/jsonrpc"
	"github.com/Mu0510/FlexiStudy-sub000/internal/store"
)

// Chat is the slice of the foreground bridge the UI channel drives.
type Chat interface {
	SendUserMessage(ctx context.Context, text string) (string, error)
	CancelSend() error
	ConfirmToolCall(toolCallID, outcome string) error
	FetchHistory(limit int) ([]store.HistoryRecord, error)
	ClearHistory() error
	Refresh(ctx context.Context) error
	Status() map[string]any
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

// handleChatWS upgrades the UI WebSocket and serves JSON-RPC on it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.hub.register(c)
	go c.writePump()

	slog.Info("UI client connected", "clients", s.hub.ClientCount())
	defer func() {
		s.hub.unregister(c)
		slog.Info("UI client disconnected", "clients", s.hub.ClientCount())
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(raw, &req); err != nil || req.Method == "" {
			s.reply(c, rpcResponse{JSONRPC: "2.0", Error: jsonrpc.NewError(jsonrpc.CodeParseError, "malformed request")})
			continue
		}

		// Dispatch on its own goroutine; sendUserMessage returns fast,
		// but refresh and handover can take a while.
		go func(req rpcRequest) {
			result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
			if req.ID == nil {
				return
			}
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
			if rpcErr != nil {
				resp.Result = nil
				resp.Error = rpcErr
			}
			s.reply(c, resp)
		}(req)
	}
}

func (s *Server) reply(c *client, resp rpcResponse) {
	msg, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("Failed to marshal RPC response", "error", err)
		return
	}
	select {
	case c.send <- msg:
	default:
		slog.Warn("Client send buffer full, response dropped")
	}
}

// dispatch routes one UI request.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error) {
	switch method {
	case "sendUserMessage":
		var p struct {
			Content string `json:"content"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "content is required")
		}
		text := p.Content
		if text == "" {
			text = p.Text
		}
		if text == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "content is required")
		}
		id, err := s.chat.SendUserMessage(ctx, text)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]string{"messageId": id}, nil

	case "cancelSendMessage":
		if err := s.chat.CancelSend(); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{}, nil

	case "confirmToolCall":
		var p struct {
			ToolCallID string `json:"toolCallId"`
			Outcome    string `json:"outcome"`
			Result     string `json:"result"`
			Mode       string `json:"mode"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ToolCallID == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "toolCallId is required")
		}
		outcome := p.Outcome
		if outcome == "" {
			outcome = confirmOutcome(p.Result, p.Mode)
		}
		if outcome == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "result must be allow or deny")
		}
		if err := s.chat.ConfirmToolCall(p.ToolCallID, outcome); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{}, nil

	case "fetchHistory":
		var p struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Limit <= 0 {
			p.Limit = 200
		}
		records, err := s.chat.FetchHistory(p.Limit)
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{"records": records}, nil

	case "clearHistory":
		if err := s.chat.ClearHistory(); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{}, nil

	case "chat.refresh":
		if err := s.chat.Refresh(ctx); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{}, nil

	case "chat.handover":
		if s.handover == nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "handover is not configured")
		}
		if err := s.handover(ctx); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{}, nil

	case "requestAiStatus":
		status := s.chat.Status()
		s.hub.Broadcast("aiStatus", status)
		return status, nil

	default:
		return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "unknown method "+method)
	}
}

// confirmOutcome maps the two-field confirm form (result + mode) onto the
// canonical outcome strings.
func confirmOutcome(result, mode string) string {
	switch result {
	case "allow":
		if mode == "always" {
			return "allow_always"
		}
		return "allow_once"
	case "deny", "reject":
		if mode == "always" {
			return "deny_always"
		}
		return "deny_once"
	}
	return ""
}

func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
}
