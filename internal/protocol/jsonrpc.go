// ABOUTME: JSON-RPC 2.0 message envelopes and newline-delimited framing.
// ABOUTME: Provides encoding for outbound requests and classification of inbound frames.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version sent in every message.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no id, no response).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is the decoded form of an inbound frame. It exposes only the fields
// the connection layer needs: the correlation id and the method name. Result,
// Error and Params are carried through uninterpreted.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message is a response to a request.
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null")) && m.Method == ""
}

// IsNotification reports whether the message is a server-initiated notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (len(m.ID) == 0 || bytes.Equal(m.ID, []byte("null")))
}

// CorrelationID returns the message id in canonical string form. Both string
// and numeric ids are accepted; anything else returns ok=false.
func (m *Message) CorrelationID() (string, bool) {
	if len(m.ID) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// NewRequest builds an encoded request frame for the given id and method.
// params may be nil for methods taking no arguments.
func NewRequest(id, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  raw,
	})
}

// NewNotification builds an encoded notification frame for the given method.
func NewNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return raw, nil
}

// DecodeMessage parses a single inbound frame.
func DecodeMessage(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("unexpected jsonrpc version %q", msg.JSONRPC)
	}
	return &msg, nil
}
