// Package jsonrpc implements the JSON-RPC 2.0 envelope spoken between the
// host and external plugin processes, in both directions.
package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the protocol version string.
const Version = "2.0"

// Standard and server error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Message is a request, notification or response. Requests carry Method;
// responses carry Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsRequest reports whether m is a request or notification.
func (m *Message) IsRequest() bool { return m.Method != "" }

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MethodNotFound builds a -32601 error.
func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "method not found: " + method}
}

// InvalidParams builds a -32602 error.
func InvalidParams(err error) *Error {
	return &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
}

// NewRequest builds a request with a numeric id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, Method: method, ID: json.RawMessage(strconv.FormatInt(id, 10))}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params for %s: %w", method, err)
		}
		m.Params = raw
	}
	return m, nil
}

// Decode unmarshals a response result into v, or returns the response error.
func (m *Message) Decode(v any) error {
	if m.Error != nil {
		return m.Error
	}
	if v == nil || len(m.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

// Handler serves requests addressed to one side of the bridge.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// Dispatch runs req through h and builds the response. A *Error returned by
// h is passed through; any other error becomes -32000.
func Dispatch(ctx context.Context, h Handler, req *Message) *Message {
	resp := &Message{JSONRPC: Version, ID: req.ID}
	if req.JSONRPC != Version || req.Method == "" {
		resp.Error = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
		return resp
	}
	result, err := h.Handle(ctx, req.Method, req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		} else {
			resp.Error = &Error{Code: CodeServerError, Message: err.Error()}
		}
		return resp
	}
	if result == nil {
		result = struct{}{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternalError, Message: "encoding result: " + err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}
