// Package ipc is a small symmetric JSON-RPC channel over a websocket. Either
// side may register request handlers, call the other side and emit events.
//
// Requests are dispatched concurrently. Events are delivered in arrival order
// on the read loop, so an event handler must not block on a Call to the same
// peer.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates the three kinds of frames on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// Frame is the envelope for every message on the wire.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Error codes shared by every protocol on top of ipc.
const (
	CodeMethodNotFound = "method_not_found"
	CodeBadRequest     = "bad_request"
)

var (
	ErrClosed = errors.New("ipc: peer closed")
)

// CodedError attaches a machine-readable code to a handler error so that the
// caller can rebuild a typed error on its side of the channel.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }

func (e *CodedError) Unwrap() error { return e.Err }

// WithCode wraps err with a code. A nil err stays nil.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// RemoteError is what Call returns when the other side's handler failed.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Method, e.Message, e.Code)
}

// RemoteCode returns the code carried by a RemoteError in err's chain, or "".
func RemoteCode(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Decode unmarshals a handler payload, mapping failures to CodeBadRequest.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return WithCode(CodeBadRequest, fmt.Errorf("decode payload: %w", err))
	}
	return nil
}
