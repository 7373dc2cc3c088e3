// Package gateway exposes the planner over JSON-RPC 2.0 websockets and a
// companion REST surface.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// JSONRPCRequest is a JSON-RPC 2.0 request. A nil ID marks a
// notification; notifications receive no response.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no usable id. An
// explicit null id is treated as a notification too: there is no id to
// echo back, so no response is owed.
func (r *JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a server-originated one-way message.
type JSONRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func newResponse(id json.RawMessage, result any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func newErrorResponse(id json.RawMessage, code int, message string) *JSONRPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

func newNotification(method string, params any) *JSONRPCNotification {
	return &JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: params}
}

// decodeRequest parses one inbound frame. Batches are rejected with
// invalid request; malformed JSON with parse error. The returned
// response, when non-nil, should be sent back as-is.
func decodeRequest(raw []byte) (*JSONRPCRequest, *JSONRPCResponse) {
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		return nil, newErrorResponse(nil, ErrCodeInvalidRequest, "batch requests not supported")
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, newErrorResponse(nil, ErrCodeParseError, "parse error")
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return nil, newErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid request")
	}
	if len(req.Params) > 0 && firstNonSpace(req.Params) == '[' {
		return nil, newErrorResponse(req.ID, ErrCodeInvalidParams, "positional parameters not supported")
	}
	return &req, nil
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}
