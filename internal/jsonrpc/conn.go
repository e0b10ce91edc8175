// Package jsonrpc implements line-delimited JSON-RPC 2.0 over a byte
// stream, as spoken by agent subprocesses on stdio.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Standard and bridge-specific error codes.
const (
	CodeParseError       = -32700
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeAgentUnavailable = -32000
	CodeTurnRejected     = -32001
	CodePermissionDenied = -32002
	CodeTimeout          = -32003
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// message is the wire representation of any JSON-RPC message.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Handler processes an incoming request and returns a result or an error.
// Handlers run on their own goroutine, so a handler may block (for example
// while waiting for a user to confirm a permission request).
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// NotifyHandler processes an incoming notification (no response expected).
type NotifyHandler func(params json.RawMessage)

// Conn is a bidirectional line-delimited JSON-RPC connection.
type Conn struct {
	writeMu sync.Mutex
	w       io.Writer
	r       io.Reader

	nextID atomic.Int64

	mu             sync.Mutex
	pending        map[int64]chan response
	handlers       map[string]Handler
	notifyHandlers map[string]NotifyHandler
	closed         bool
}

// NewConn creates a connection over the given reader/writer pair.
// Call ReadLoop to start dispatching incoming messages.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		r:              r,
		w:              w,
		pending:        make(map[int64]chan response),
		handlers:       make(map[string]Handler),
		notifyHandlers: make(map[string]NotifyHandler),
	}
}

// Handle registers a request handler for method.
func (c *Conn) Handle(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// HandleNotify registers a notification handler for method.
func (c *Conn) HandleNotify(method string, h NotifyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandlers[method] = h
}

// Call sends a request and waits for the matching response or ctx done.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, NewError(CodeAgentUnavailable, "connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(message{JSONRPC: "2.0", ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		return resp.result, resp.err
	}
}

// Notify sends a notification (no id, no response).
func (c *Conn) Notify(method string, params any) error {
	return c.write(message{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// FailPending rejects every in-flight Call with err. Used when the remote
// process exits so callers do not hang.
func (c *Conn) FailPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.closed = true
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: err}
	}
}

// ReadLoop reads newline-delimited messages until the reader fails or ctx
// is done. Blank and non-JSON lines are skipped. Returns the read error
// (io.EOF on clean close).
func (c *Conn) ReadLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Debug("Skipping non-JSON line from agent", "line", truncateForLog(line))
			continue
		}
		c.dispatch(ctx, msg)
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Conn) dispatch(ctx context.Context, msg message) {
	// Response to one of our calls
	if msg.Method == "" && msg.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			slog.Debug("Dropping response with unknown id", "id", *msg.ID)
			return
		}
		if msg.Error != nil {
			ch <- response{err: msg.Error}
		} else {
			ch <- response{result: msg.Result}
		}
		return
	}

	// Notification
	if msg.ID == nil {
		c.mu.Lock()
		h := c.notifyHandlers[msg.Method]
		c.mu.Unlock()
		if h == nil {
			slog.Debug("No handler for notification", "method", msg.Method)
			return
		}
		h(msg.Params)
		return
	}

	// Incoming request; handlers may block, so each runs on its own goroutine.
	c.mu.Lock()
	h := c.handlers[msg.Method]
	c.mu.Unlock()

	id := *msg.ID
	if h == nil {
		_ = c.write(message{JSONRPC: "2.0", ID: &id, Error: NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))})
		return
	}

	go func() {
		result, err := h(ctx, msg.Params)
		if err != nil {
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				rpcErr = NewError(CodeInternalError, err.Error())
			}
			_ = c.write(message{JSONRPC: "2.0", ID: &id, Error: rpcErr})
			return
		}
		raw, err := json.Marshal(result)
		if err != nil {
			_ = c.write(message{JSONRPC: "2.0", ID: &id, Error: NewError(CodeInternalError, err.Error())})
			return
		}
		_ = c.write(message{JSONRPC: "2.0", ID: &id, Result: raw})
	}()
}

// write marshals msg and writes it as a single line.
func (c *Conn) write(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(params)
	if err != nil {
		slog.Warn("Failed to marshal params", "error", err)
		return nil
	}
	return data
}

func truncateForLog(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
