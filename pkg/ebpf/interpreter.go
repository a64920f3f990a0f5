package ebpf

import (
	"errors"
	"fmt"
	"math/bits"
)

// Virtual memory region base addresses.
const (
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrContext = uint64(0x4_0000_0000) // Host-supplied context buffer
)

// Stack size limits.
const (
	DefaultStackSize = 512
	MaxStackSize     = 1 << 20
)

// ExitReason tells how a successful run ended.
type ExitReason uint8

const (
	// ExitNormal means the program executed exit.
	ExitNormal ExitReason = iota
	// ExitDivideByZero means a divide or modulo by zero ended the run with
	// value 0.
	ExitDivideByZero
)

func (r ExitReason) String() string {
	if r == ExitDivideByZero {
		return "divide-by-zero"
	}
	return "exit"
}

// Result describes a completed run.
type Result struct {
	Value       uint64
	Reason      ExitReason
	Steps       uint64 // instructions executed
	ComputeUsed uint64
}

// InterpreterOpts configures an Interpreter.
type InterpreterOpts struct {
	Helpers   HelperTable
	StackSize int    // zero selects DefaultStackSize
	MaxCU     uint64 // zero disables metering

	// WritableContext allows stores into the context buffer passed to
	// ExecuteData.
	WritableContext bool
}

// Interpreter executes one program. It only holds read-only inputs, so a
// single Interpreter may run on many goroutines at once; each run gets its
// own registers, stack and meter.
type Interpreter struct {
	text  []uint64
	opts  InterpreterOpts
	stack int
}

// NewInterpreter creates an interpreter for text.
func NewInterpreter(text []uint64, opts InterpreterOpts) *Interpreter {
	stack := opts.StackSize
	if stack <= 0 {
		stack = DefaultStackSize
	}
	if stack > MaxStackSize {
		stack = MaxStackSize
	}
	return &Interpreter{
		text:  text,
		opts:  opts,
		stack: stack,
	}
}

// Run executes text with the given helper table and context value and returns
// r0 on exit. A divide or modulo by zero ends the run with 0 and no error.
func Run(text []uint64, helpers HelperTable, ctx uint64) (uint64, error) {
	return NewInterpreter(text, InterpreterOpts{Helpers: helpers}).Run(ctx)
}

// Run executes the program with r1 set to ctx and returns r0 on exit.
func (ip *Interpreter) Run(ctx uint64) (uint64, error) {
	res, err := ip.Execute(ctx)
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// Execute is Run with full run statistics.
func (ip *Interpreter) Execute(ctx uint64) (*Result, error) {
	return ip.newMachine(ctx, nil).run()
}

// ExecuteData runs the program with data mapped at VaddrContext and r1
// pointing at it.
func (ip *Interpreter) ExecuteData(data []byte) (*Result, error) {
	return ip.newMachine(VaddrContext, data).run()
}

func (ip *Interpreter) newMachine(ctx uint64, data []byte) *machine {
	m := &machine{
		text:        ip.text,
		helpers:     ip.opts.Helpers,
		stack:       make([]byte, ip.stack),
		ctx:         ctx,
		ctxData:     data,
		ctxWritable: ip.opts.WritableContext,
		meter:       NewComputeMeter(ip.opts.MaxCU),
	}
	m.reg[R1] = ctx
	m.reg[R10] = VaddrStack + uint64(ip.stack)
	return m
}

// step outcomes
type step uint8

const (
	stepNext step = iota
	stepExit
	stepDivideByZero
)

// machine is the state of a single run.
type machine struct {
	text    []uint64
	helpers HelperTable
	reg     [NumRegisters]uint64
	pc      int
	stack   []byte

	ctx         uint64
	ctxData     []byte
	ctxWritable bool

	meter *ComputeMeter
	steps uint64
}

// Context implements VM.
func (m *machine) Context() uint64 {
	return m.ctx
}

// ComputeMeter implements VM.
func (m *machine) ComputeMeter() *ComputeMeter {
	return m.meter
}

func (m *machine) run() (*Result, error) {
	if len(m.text) == 0 {
		return nil, &Fault{Kind: FaultPCOutOfRange, Err: ErrEmptyProgram}
	}
	for {
		pc := m.pc
		ins, n, err := Fetch(m.text, pc)
		if err != nil {
			kind := FaultDecode
			if errors.Is(err, ErrPCOutOfRange) {
				kind = FaultPCOutOfRange
			}
			return nil, &Fault{Kind: kind, PC: pc, Opcode: ins.Opcode, Err: err}
		}
		if err := m.meter.Consume(instructionCost(ins)); err != nil {
			return nil, &Fault{Kind: FaultComputeExceeded, PC: pc, Opcode: ins.Opcode, Err: err}
		}
		m.steps++
		m.pc = pc + n

		var st step
		switch ins.Class {
		case ClassAlu:
			st, err = m.alu(ins, false)
		case ClassAlu64:
			st, err = m.alu(ins, true)
		case ClassJmp:
			st, err = m.jump(ins, true)
		case ClassJmp32:
			st, err = m.jump(ins, false)
		case ClassLd:
			err = m.ld(ins)
		case ClassLdx:
			err = m.ldx(ins)
		case ClassSt, ClassStx:
			err = m.st(ins)
		}
		if err != nil {
			if f, ok := err.(*Fault); ok {
				f.PC = pc
				f.Opcode = ins.Opcode
				return nil, f
			}
			return nil, &Fault{Kind: faultKind(err), PC: pc, Opcode: ins.Opcode, Err: err}
		}

		switch st {
		case stepExit:
			return m.result(m.reg[R0], ExitNormal), nil
		case stepDivideByZero:
			return m.result(0, ExitDivideByZero), nil
		}
	}
}

func (m *machine) result(v uint64, reason ExitReason) *Result {
	return &Result{
		Value:       v,
		Reason:      reason,
		Steps:       m.steps,
		ComputeUsed: m.meter.Consumed(),
	}
}

func faultKind(err error) FaultKind {
	switch {
	case errors.Is(err, ErrUnsupportedMode):
		return FaultUnsupportedMode
	case errors.Is(err, ErrInvalidOperand):
		return FaultInvalidOperand
	case errors.Is(err, ErrPCOutOfRange):
		return FaultPCOutOfRange
	case errors.Is(err, ErrComputeExceeded):
		return FaultComputeExceeded
	default:
		return FaultUnimplemented
	}
}

// operand returns the second operand: the source register or the
// sign-extended immediate.
func (m *machine) operand(ins Instruction) uint64 {
	if ins.Source == SrcX {
		return m.reg[ins.Src]
	}
	return uint64(ins.Imm)
}

func (m *machine) alu(ins Instruction, is64 bool) (step, error) {
	if ins.Op == OpEnd {
		v, err := byteSwap(m.reg[ins.Dst], ins.Imm, ins.Source)
		if err != nil {
			return stepNext, err
		}
		m.reg[ins.Dst] = v
		return stepNext, nil
	}

	dst := m.reg[ins.Dst]
	src := m.operand(ins)
	shiftMask := uint64(63)
	if !is64 {
		dst = uint64(uint32(dst))
		src = uint64(uint32(src))
		shiftMask = 31
	}

	var res uint64
	switch ins.Op {
	case OpAdd:
		res = dst + src
	case OpSub:
		res = dst - src
	case OpMul:
		res = dst * src
	case OpDiv:
		if src == 0 {
			return stepDivideByZero, nil
		}
		res = dst / src
	case OpMod:
		if src == 0 {
			return stepDivideByZero, nil
		}
		res = dst % src
	case OpOr:
		res = dst | src
	case OpAnd:
		res = dst & src
	case OpXor:
		res = dst ^ src
	case OpLsh:
		res = dst << (src & shiftMask)
	case OpRsh:
		res = dst >> (src & shiftMask)
	case OpNeg:
		res = -dst
	case OpMov:
		res = src
	case OpArsh:
		if is64 {
			res = uint64(int64(dst) >> (src & shiftMask))
		} else {
			res = uint64(uint32(int32(uint32(dst)) >> (src & shiftMask)))
		}
	default:
		return stepNext, fmt.Errorf("%w: alu operation %s", ErrUnimplemented, ins.Op)
	}

	if !is64 {
		res = uint64(uint32(res))
	}
	m.reg[ins.Dst] = res
	return stepNext, nil
}

// byteSwap converts v to little-endian (SrcK) or big-endian (SrcX) at the
// given bit width. The host is little-endian, so the former truncates and the
// latter reverses bytes.
func byteSwap(v uint64, width int64, src Source) (uint64, error) {
	switch width {
	case 16:
		if src == SrcX {
			return uint64(bits.ReverseBytes16(uint16(v))), nil
		}
		return uint64(uint16(v)), nil
	case 32:
		if src == SrcX {
			return uint64(bits.ReverseBytes32(uint32(v))), nil
		}
		return uint64(uint32(v)), nil
	case 64:
		if src == SrcX {
			return bits.ReverseBytes64(v), nil
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: byte swap width %d", ErrInvalidOperand, width)
}

func (m *machine) jump(ins Instruction, is64 bool) (step, error) {
	switch ins.Op {
	case OpJa, OpCall, OpExit:
		if !is64 {
			return stepNext, fmt.Errorf("%w: %s in jmp32 class", ErrUnimplemented, ins.Op)
		}
	}

	switch ins.Op {
	case OpJa:
		m.pc += int(ins.Offset)
		return stepNext, nil
	case OpCall:
		return stepNext, m.call(ins)
	case OpExit:
		return stepExit, nil
	}

	dst := m.reg[ins.Dst]
	src := m.operand(ins)
	var taken bool
	if is64 {
		taken = compare64(ins.Op, dst, src)
	} else {
		taken = compare32(ins.Op, uint32(dst), uint32(src))
	}
	if taken {
		m.pc += int(ins.Offset)
	}
	return stepNext, nil
}

func compare64(op Op, dst, src uint64) bool {
	switch op {
	case OpJeq:
		return dst == src
	case OpJne:
		return dst != src
	case OpJgt:
		return dst > src
	case OpJge:
		return dst >= src
	case OpJlt:
		return dst < src
	case OpJle:
		return dst <= src
	case OpJset:
		return dst&src != 0
	case OpJsgt:
		return int64(dst) > int64(src)
	case OpJsge:
		return int64(dst) >= int64(src)
	case OpJslt:
		return int64(dst) < int64(src)
	case OpJsle:
		return int64(dst) <= int64(src)
	}
	return false
}

func compare32(op Op, dst, src uint32) bool {
	switch op {
	case OpJeq:
		return dst == src
	case OpJne:
		return dst != src
	case OpJgt:
		return dst > src
	case OpJge:
		return dst >= src
	case OpJlt:
		return dst < src
	case OpJle:
		return dst <= src
	case OpJset:
		return dst&src != 0
	case OpJsgt:
		return int32(dst) > int32(src)
	case OpJsge:
		return int32(dst) >= int32(src)
	case OpJslt:
		return int32(dst) < int32(src)
	case OpJsle:
		return int32(dst) <= int32(src)
	}
	return false
}

func (m *machine) call(ins Instruction) error {
	h, ok := m.helpers.Lookup(ins.Imm)
	if !ok {
		return &Fault{Kind: FaultHelperIndex, Err: fmt.Errorf("%w: %d (table size %d)", ErrHelperIndex, ins.Imm, len(m.helpers))}
	}
	r0, err := h.Invoke(m, m.reg[R1], m.reg[R2], m.reg[R3], m.reg[R4], m.reg[R5])
	if err != nil {
		kind := FaultHelper
		if errors.Is(err, ErrOutOfBounds) {
			kind = FaultOutOfBounds
		}
		return &Fault{Kind: kind, Err: fmt.Errorf("%w: helper %d: %w", ErrHelperFailed, ins.Imm, err)}
	}
	m.reg[R0] = r0
	return nil
}

func (m *machine) ld(ins Instruction) error {
	switch {
	case ins.Mode.Legacy():
		return fmt.Errorf("%w: ld %s", ErrUnsupportedMode, ins.Mode)
	case ins.IsWide():
		m.reg[ins.Dst] = uint64(ins.Imm)
		return nil
	default:
		return fmt.Errorf("%w: ld mode %s size %s", ErrUnimplemented, ins.Mode, ins.Size)
	}
}

func (m *machine) ldx(ins Instruction) error {
	switch ins.Mode {
	case ModeMem:
		addr := m.reg[ins.Src] + uint64(int64(ins.Offset))
		v, err := m.load(addr, ins.Size)
		if err != nil {
			return memFault(addr, err)
		}
		m.reg[ins.Dst] = v
		return nil
	case ModeAbs, ModeInd, ModeLen, ModeMsh:
		return fmt.Errorf("%w: ldx %s", ErrUnsupportedMode, ins.Mode)
	default:
		return fmt.Errorf("%w: ldx mode %s", ErrUnimplemented, ins.Mode)
	}
}

func (m *machine) st(ins Instruction) error {
	if ins.Mode.Legacy() {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedMode, ins.Class, ins.Mode)
	}
	addr := m.reg[ins.Dst] + uint64(int64(ins.Offset))

	switch {
	case ins.Mode == ModeMem:
		v := uint64(ins.Imm)
		if ins.Class == ClassStx {
			v = m.reg[ins.Src]
		}
		if err := m.store(addr, ins.Size, v); err != nil {
			return memFault(addr, err)
		}
		return nil
	case ins.Mode == ModeXadd && ins.Class == ClassStx && ins.Imm == 0 && (ins.Size == SizeW || ins.Size == SizeDW):
		cur, err := m.load(addr, ins.Size)
		if err != nil {
			return memFault(addr, err)
		}
		if err := m.store(addr, ins.Size, cur+m.reg[ins.Src]); err != nil {
			return memFault(addr, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s mode %s size %s", ErrUnimplemented, ins.Class, ins.Mode, ins.Size)
	}
}

func memFault(addr uint64, err error) *Fault {
	return &Fault{Kind: FaultOutOfBounds, Addr: addr, Err: err}
}
