package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"pushagent/internal/agent"
)

// Frame is the universal WebSocket message format.
// Both sides may send "req"; the peer answers with a "res" carrying the same ID.
// "event" frames are one-way, server to client.
type Frame struct {
	Type    string          `json:"type"`              // "req" | "res" | "event"
	ID      string          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // req only
	Params  json.RawMessage `json:"params,omitempty"`  // req only
	OK      *bool           `json:"ok,omitempty"`      // res only
	Payload json.RawMessage `json:"payload,omitempty"` // res and event
	Error   *ErrorPayload   `json:"error,omitempty"`   // failed res
	Event   string          `json:"event,omitempty"`   // event only
	Seq     uint64          `json:"seq,omitempty"`     // event only
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Connection roles.
const (
	// RoleWindow is an open application window. It reports its locator and
	// renders notifications.
	RoleWindow = "window"
	// RoleShell is the host process able to open new windows.
	RoleShell = "shell"
)

// Methods and events.
const (
	MethodConnect           = "connect"
	MethodNavigate          = "navigate"           // window -> agent: locator changed
	MethodNotificationClick = "notification.click" // window or shell -> agent
	MethodNotificationClose = "notification.close" // window or shell -> agent: dismissed by the user
	MethodWindowFocus       = "window.focus"       // agent -> window
	MethodWindowOpen        = "window.open"        // agent -> shell

	EventNotificationShow  = "notification.show"  // to the first shell, else every window
	EventNotificationClose = "notification.close" // to every connection
	EventClaim             = "agent.claim"
)

// Error codes.
const (
	CodeHandshakeRequired = "HANDSHAKE_REQUIRED"
	CodeInvalidParams     = "INVALID_PARAMS"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeUnknownMethod     = "UNKNOWN_METHOD"
	CodeUnavailable       = "UNAVAILABLE"
)

// ConnectParams is the first request of every connection.
type ConnectParams struct {
	Role  string `json:"role"`
	Token string `json:"token,omitempty"`
	URL   string `json:"url,omitempty"` // window only
}

type NavigateParams struct {
	URL string `json:"url"`
}

type ClickParams struct {
	Action       string             `json:"action,omitempty"`
	Notification agent.Notification `json:"notification"`
}

type CloseParams struct {
	Notification agent.Notification `json:"notification"`
}

type OpenParams struct {
	URL string `json:"url"`
}

type CloseEvent struct {
	ID string `json:"id"`
}

type HelloPayload struct {
	ConnID     string `json:"connId"`
	Protocol   int    `json:"protocol"`
	Controlled bool   `json:"controlled"`
}

const protocolVersion = 1

func ResOK(id string, payload any) Frame {
	data, _ := json.Marshal(payload)
	ok := true
	return Frame{Type: "res", ID: id, OK: &ok, Payload: data}
}

func ResErr(id string, code, message string) Frame {
	ok := false
	return Frame{Type: "res", ID: id, OK: &ok, Error: &ErrorPayload{Code: code, Message: message}}
}

func EventFrame(event string, seq uint64, payload any) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Type: "event", Event: event, Seq: seq, Payload: data}
}

func ReqFrame(id, method string, params any) Frame {
	data, _ := json.Marshal(params)
	return Frame{Type: "req", ID: id, Method: method, Params: data}
}

// ErrMalformedFrame wraps a message that is not a JSON frame. The
// connection itself is still usable.
var ErrMalformedFrame = errors.New("malformed frame")

// ReadFrame reads and parses one WebSocket message.
func ReadFrame(ws *websocket.Conn) (Frame, error) {
	var frame Frame
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}
