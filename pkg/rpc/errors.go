package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Host error codes.
const (
	// ProgramNotFound indicates no stored program matches the reference.
	ProgramNotFound = -32001

	// RunNotFound indicates the run ID is not journaled.
	RunNotFound = -32002

	// JournalDisabled indicates the host runs without a journal.
	JournalDisabled = -32003

	// InvalidProgram indicates a submitted image failed to load.
	InvalidProgram = -32004
)

// Common error messages.
var (
	ErrParseError      = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest  = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound  = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams   = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError   = NewRPCError(InternalError, "Internal error")
	ErrJournalDisabled = NewRPCError(JournalDisabled, "Journal is not enabled on this host")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ProgramNotFoundError creates an error for an unknown program reference.
func ProgramNotFoundError(ref string) *RPCError {
	return NewRPCErrorWithData(ProgramNotFound,
		fmt.Sprintf("Program not found: %s", ref),
		map[string]string{"program": ref})
}

// RunNotFoundError creates an error for an unknown run ID.
func RunNotFoundError(id uint64) *RPCError {
	return NewRPCErrorWithData(RunNotFound,
		fmt.Sprintf("Run %d not found", id),
		map[string]uint64{"runId": id})
}
