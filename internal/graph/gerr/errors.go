// Package gerr defines the engine's typed errors and the RPC error codes
// they map to: a small set of sentinel-ish typed errors that carry enough
// context (field, node id, expected value) for a calling agent to
// self-correct, with a Code method the RPC layer uses to fill error.code on
// the wire.
package gerr

import (
	"errors"
	"fmt"
)

// Code is one of the closed set of RPC error codes.
type Code string

const (
	CodeValidation            Code = "validation_error"
	CodeNotFound              Code = "not_found"
	CodeProjectNotFound       Code = "project_not_found"
	CodeCycleDetected         Code = "cycle_detected"
	CodeDuplicateEdge         Code = "duplicate_edge"
	CodeCrossProjectEdge      Code = "cross_project_edge"
	CodeDiscoveryPending      Code = "discovery_pending"
	CodeResolveRequiresEvidence Code = "resolve_requires_evidence"
	CodeBlockedRequiresReason Code = "blocked_requires_reason"
	CodeRevMismatch           Code = "rev_mismatch"
	CodeFreeTierLimit         Code = "free_tier_limit"
	CodeInvalidCategory       Code = "invalid_category"
	CodeEngineError           Code = "engine_error"
)

// Error is the engine's typed error: a code plus a human message that names
// the offending field/node/value, satisfying the standard error interface.
type Error struct {
	Code    Code
	Message string
	NodeID  string
	Field   string
}

func (e *Error) Error() string {
	switch {
	case e.NodeID != "" && e.Field != "":
		return fmt.Sprintf("%s: %s (node=%s field=%s)", e.Code, e.Message, e.NodeID, e.Field)
	case e.NodeID != "":
		return fmt.Sprintf("%s: %s (node=%s)", e.Code, e.Message, e.NodeID)
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.Field)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// New builds a plain engine error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode annotates the error with the node id it concerns.
func (e *Error) WithNode(id string) *Error {
	e.NodeID = id
	return e
}

// WithField annotates the error with the field name it concerns.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// NotFound builds a not_found error for the given node id.
func NotFound(id string) *Error {
	return &Error{Code: CodeNotFound, Message: "node not found", NodeID: id}
}

// Validation builds a validation_error naming the offending field.
func Validation(field, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), Field: field}
}

// CodeOf extracts the Code from err, defaulting to engine_error for errors
// that did not originate in this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeEngineError
}
