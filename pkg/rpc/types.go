// Package rpc provides the JSON-RPC 2.0 API of a bpfvm host.
package rpc

import (
	"encoding/json"
	"time"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for program images and context buffers.
type Encoding string

const (
	EncodingHex        Encoding = "hex"
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// Version is the result of getVersion.
type Version struct {
	BPFVM              string `json:"bpfvm"`
	OpcodeTableVersion int    `json:"opcode-table"`
}

// ProgramInfo describes a stored program.
type ProgramInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Instructions int       `json:"instructions"`
	ImageSize    int       `json:"imageSize"`
	StoredSize   int       `json:"storedSize"`
	StoredAt     time.Time `json:"storedAt"`
	Image        []string  `json:"image,omitempty"` // [data, encoding]
}

// ImageConfig selects the image encoding of getProgram.
type ImageConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	// WithImage includes the image in the response.
	WithImage bool `json:"withImage,omitempty"`
}

// RunConfig holds the optional parameters of runProgram.
type RunConfig struct {
	Context         uint64   `json:"context,omitempty"`
	Data            string   `json:"data,omitempty"`
	Encoding        Encoding `json:"encoding,omitempty"`
	MaxCU           *uint64  `json:"maxComputeUnits,omitempty"`
	StackSize       *int     `json:"stackSize,omitempty"`
	WritableContext bool     `json:"writableContext,omitempty"`
	Record          bool     `json:"record,omitempty"`
}

// FaultInfo describes an aborted run.
type FaultInfo struct {
	Kind    string `json:"kind"`
	PC      int    `json:"pc"`
	Opcode  uint8  `json:"opcode"`
	Addr    uint64 `json:"addr,omitempty"`
	Message string `json:"message"`
}

// RunInfo is the outcome of a run, live or journaled.
type RunInfo struct {
	RunID       uint64     `json:"runId,omitempty"`
	Program     string     `json:"program"`
	Value       uint64     `json:"value"`
	ExitReason  string     `json:"exitReason,omitempty"`
	Fault       *FaultInfo `json:"fault,omitempty"`
	Error       string     `json:"error,omitempty"`
	Steps       uint64     `json:"steps"`
	ComputeUsed uint64     `json:"computeUnitsConsumed"`
	StartedAt   time.Time  `json:"startedAt"`
	DurationNs  int64      `json:"durationNs"`
}
