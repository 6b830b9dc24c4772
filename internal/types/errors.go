package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to tool clients. These strings are part of the wire
// contract and must stay stable.
const (
	KindInvalidInput       = "InvalidInput"
	KindNotFound           = "NotFound"
	KindTransientEmbedding = "TransientEmbeddingError"
	KindPermanentEmbedding = "PermanentEmbeddingError"
	KindLLMInvalidResponse = "LLMInvalidResponse"
	KindLLMRateLimited     = "LLMRateLimited"
	KindJobConflict        = "JobConflict"
	KindGraphUnavailable   = "GraphUnavailable"
	KindStorageError       = "StorageError"
)

// ToolError is an error with a stable kind that can be surfaced to tool
// clients as {"error":{"kind","message"}}.
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewToolError builds a ToolError with a formatted message.
func NewToolError(kind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Invalidf builds an InvalidInput error.
func Invalidf(format string, args ...any) *ToolError {
	return NewToolError(KindInvalidInput, format, args...)
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *ToolError {
	return NewToolError(KindNotFound, format, args...)
}

// KindOf extracts the stable kind from an error chain, defaulting to
// StorageError for unclassified failures.
func KindOf(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindStorageError
}
