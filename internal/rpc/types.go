package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried on every envelope.
const Version = "2.0"

// Errors
var (
	ErrTimeout        = errors.New("rpc: request timed out")
	ErrDisconnected   = errors.New("rpc: connection lost before response")
	ErrRateLimited    = errors.New("rpc: rejected by venue rate limit")
	ErrReauthRequired = errors.New("rpc: venue requires re-authentication")
)

// Params are named request parameters. The venue accepts named parameters
// only, so params always encode as a JSON object.
type Params map[string]any

// Request is an outbound JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// NewRequest builds a request envelope. Nil params encode as {}.
func NewRequest(id int64, method string, params Params) Request {
	if params == nil {
		params = Params{}
	}
	return Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Encode marshals the request to a text frame.
func (r Request) Encode() ([]byte, error) {
	if r.Params == nil {
		r.Params = Params{}
	}
	return json.Marshal(r)
}

// Error is a venue error object. It is returned to callers unmodified; Kind
// is computed locally by a Classifier and never sent on the wire.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	Kind ErrorKind `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is lets callers test classification with errors.Is without the original
// error being wrapped or replaced.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrReauthRequired:
		return e.Kind == KindReauth
	}
	return false
}

// Frame is any inbound text frame: a response (id + result|error) or a
// notification (method + params, no id).
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// DecodeFrame parses an inbound text frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// IsNotification reports whether the frame carries no correlation id.
func (f *Frame) IsNotification() bool {
	return f.Method != "" && !f.hasID()
}

// RequestID returns the correlation id. String ids are accepted when they
// hold a decimal integer, since only integer ids are ever issued.
func (f *Frame) RequestID() (int64, bool) {
	if !f.hasID() {
		return 0, false
	}

	var n int64
	if err := json.Unmarshal(f.ID, &n); err == nil {
		return n, true
	}

	var s string
	if err := json.Unmarshal(f.ID, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func (f *Frame) hasID() bool {
	id := bytes.TrimSpace(f.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Outcome is what a waiting caller receives: a raw result or an error.
type Outcome struct {
	Result json.RawMessage
	Err    error
}
