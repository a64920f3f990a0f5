package ebpf

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrDecode          = errors.New("malformed instruction")
	ErrUnimplemented   = errors.New("unimplemented instruction")
	ErrUnsupportedMode = errors.New("unsupported addressing mode")
	ErrHelperIndex     = errors.New("helper index out of range")
	ErrHelperFailed    = errors.New("helper failed")
	ErrOutOfBounds     = errors.New("memory access out of bounds")
	ErrInvalidOperand  = errors.New("invalid operand")
	ErrPCOutOfRange    = errors.New("program counter out of range")
	ErrComputeExceeded = errors.New("compute budget exceeded")
	ErrEmptyProgram    = errors.New("empty program")
)

// FaultKind classifies why a run aborted.
type FaultKind uint8

const (
	FaultDecode FaultKind = iota + 1
	FaultUnimplemented
	FaultUnsupportedMode
	FaultHelperIndex
	FaultHelper
	FaultOutOfBounds
	FaultInvalidOperand
	FaultPCOutOfRange
	FaultComputeExceeded
)

func (k FaultKind) String() string {
	switch k {
	case FaultDecode:
		return "decode"
	case FaultUnimplemented:
		return "unimplemented"
	case FaultUnsupportedMode:
		return "unsupported mode"
	case FaultHelperIndex:
		return "helper index"
	case FaultHelper:
		return "helper"
	case FaultOutOfBounds:
		return "out of bounds"
	case FaultInvalidOperand:
		return "invalid operand"
	case FaultPCOutOfRange:
		return "pc out of range"
	case FaultComputeExceeded:
		return "compute exceeded"
	}
	return fmt.Sprintf("FaultKind(%d)", uint8(k))
}

// Fault is returned when a run aborts. Err wraps one of the package
// sentinel errors, so callers can match with errors.Is.
type Fault struct {
	Kind   FaultKind
	PC     int    // slot of the faulting instruction
	Opcode uint8  // opcode byte of the faulting instruction
	Addr   uint64 // faulting address, for memory faults
	Err    error
}

func (f *Fault) Error() string {
	// Helper faults carry the address in Err.
	if f.Kind == FaultOutOfBounds && !errors.Is(f.Err, ErrHelperFailed) {
		return fmt.Sprintf("ebpf: %v at pc %d (opcode 0x%02x, addr 0x%x)", f.Err, f.PC, f.Opcode, f.Addr)
	}
	return fmt.Sprintf("ebpf: %v at pc %d (opcode 0x%02x)", f.Err, f.PC, f.Opcode)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// AsFault extracts a *Fault from err's chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
