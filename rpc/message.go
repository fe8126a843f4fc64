// Package rpc defines the JSON-RPC 2.0 message model spoken with fleet servers.
//
// Messages are framed one per line: every encoded message is a single JSON
// object terminated by '\n'. A server signals readiness by sending an
// unsolicited message with method "ready" and id "init" before any responses.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

const (
	// ReadyMethod is the reserved method name of the handshake message a
	// server emits once it is ready to accept calls.
	ReadyMethod = "ready"

	// ReadyID is the reserved id carried by the handshake message.
	ReadyID = "init"
)

// Message represents a single JSON-RPC 2.0 message: a request, a
// notification (no id), or a response (result or error set).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a structured JSON-RPC error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NewRequest builds a request message with the given correlation id.
// params may be nil for parameterless methods.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a fire-and-forget message with no id.
func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPC: Version,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// IsResponse reports whether the message is a response (result or error set
// with a correlation id).
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsReady reports whether the message is the reserved handshake message.
func (m *Message) IsReady() bool {
	if m.Method != ReadyMethod {
		return false
	}
	// Servers send the handshake id as a string; tolerate a missing id.
	id, ok := m.ID.(string)
	return !ok || id == ReadyID
}

// CorrelationID returns the message id normalized to uint64.
// JSON numbers decode as float64; string ids are not correlation ids and
// return false.
func (m *Message) CorrelationID() (uint64, bool) {
	switch v := m.ID.(type) {
	case float64:
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		return uint64(v), true
	default:
		return 0, false
	}
}

// ReadyParams is the payload of the handshake message.
type ReadyParams struct {
	Server string `json:"server,omitempty"`
}

// ServerName extracts the server's self-reported name from a handshake
// message. Returns empty string if absent or malformed.
func (m *Message) ServerName() string {
	if len(m.Params) == 0 {
		return ""
	}
	var p ReadyParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return ""
	}
	return p.Server
}
