// Package rpc exposes the memory tools over an HTTP JSON protocol.
// Requests are {operation, args} envelopes; responses are
// {success, data, error} with stable error kinds.
package rpc

import (
	"encoding/json"

	"github.com/engramkit/engram/internal/types"
)

// Operation names accepted on the wire.
const (
	OpRemember = "remember"
	OpRecall   = "recall"
	OpForget   = "forget"
	OpStatus   = "status"

	OpHealth = "health"
	OpPing   = "ping"

	// Admin: drop and rebuild the derived graph tables from relational truth.
	OpRebuildGraph = "rebuild_graph"
)

// Request is one tool invocation.
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
}

// WireError carries a stable kind plus a human-readable message.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response is the envelope for every operation.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// HealthResponse is the payload of the health operation and endpoints.
type HealthResponse struct {
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptime_seconds"`
	Error   string  `json:"error,omitempty"`
}

func okResponse(v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errResponse(types.NewToolError(types.KindStorageError, "encode response: %v", err))
	}
	return &Response{Success: true, Data: data}
}

func errResponse(err error) *Response {
	return &Response{Success: false, Error: &WireError{
		Kind:    types.KindOf(err),
		Message: err.Error(),
	}}
}
