package agent

import "encoding/json"

// Session update kinds emitted by the agent on session/update.
const (
	UpdateThoughtChunk = "agent_thought_chunk"
	UpdateMessageChunk = "agent_message_chunk"
	UpdateEndOfTurn    = "end_of_turn"
	UpdateToolCall     = "tool_call"
	UpdateToolCallUpd  = "tool_call_update"
)

// Tool call statuses.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission option kinds offered by the agent.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

// ContentBlock is a typed content fragment inside updates and prompts.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SessionNotification is the params payload of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one update inside a session/update notification. The
// SessionUpdate field discriminates which of the remaining fields apply.
type SessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       *ContentBlock   `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	StopReason    string          `json:"stopReason,omitempty"`
}

// CommandInput extracts the "command" field of a tool call's raw input.
func (u SessionUpdate) CommandInput() string {
	if len(u.RawInput) == 0 {
		return ""
	}
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(u.RawInput, &in); err != nil {
		return ""
	}
	return in.Command
}

// PermissionOption is one choice offered on session/request_permission.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionRequest is the params payload of session/request_permission.
type PermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  PermissionToolCall `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionToolCall identifies the tool call awaiting permission.
type PermissionToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// CommandInput extracts the "command" field of the pending tool call.
func (tc PermissionToolCall) CommandInput() string {
	return SessionUpdate{RawInput: tc.RawInput}.CommandInput()
}

// PermissionOutcome is the outcome object in the permission response.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// PermissionResponse is the result payload for session/request_permission.
type PermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// SelectedOutcome builds a response selecting optionID.
func SelectedOutcome(optionID string) PermissionResponse {
	return PermissionResponse{Outcome: PermissionOutcome{Outcome: "selected", OptionID: optionID}}
}

// CancelledOutcome builds a cancelled response.
func CancelledOutcome() PermissionResponse {
	return PermissionResponse{Outcome: PermissionOutcome{Outcome: "cancelled"}}
}

// promptParams is the params payload of session/prompt.
type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
	Hidden    bool           `json:"hidden,omitempty"`
}

// promptResult is the result payload of session/prompt.
type promptResult struct {
	StopReason string `json:"stopReason"`
}

// newSessionResult is the result payload of session/new.
type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

// OptionByKind returns the first option with the given kind, or the first
// option at all when none matches.
func OptionByKind(options []PermissionOption, kind string) (PermissionOption, bool) {
	for _, o := range options {
		if o.Kind == kind {
			return o, true
		}
	}
	if len(options) > 0 {
		return options[0], true
	}
	return PermissionOption{}, false
}
