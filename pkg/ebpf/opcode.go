// Package ebpf implements an interpreter for eBPF bytecode.
//
// Programs are sequences of 64-bit little-endian instruction words. The
// machine has sixteen 64-bit registers (r0-r15) where r10 points one past
// the end of a private stack region, r1 carries the host-supplied context on
// entry, and r0 carries the return value on exit.
package ebpf

// OpcodeTableVersion identifies the opcode table compiled into this package.
// Stored program images record it so that stale images can be detected.
const OpcodeTableVersion = 1

// Class is the instruction class (bits 0-2 of the opcode byte).
type Class uint8

const (
	ClassLd    Class = 0x00 // Load immediate / legacy packet access
	ClassLdx   Class = 0x01 // Load from memory into register
	ClassSt    Class = 0x02 // Store immediate
	ClassStx   Class = 0x03 // Store register
	ClassAlu   Class = 0x04 // 32-bit ALU
	ClassJmp   Class = 0x05 // 64-bit jump
	ClassJmp32 Class = 0x06 // 32-bit jump
	ClassAlu64 Class = 0x07 // 64-bit ALU
)

var classNames = [8]string{"ld", "ldx", "st", "stx", "alu", "jmp", "jmp32", "alu64"}

func (c Class) String() string {
	return classNames[c&0x07]
}

// IsMemory reports whether the class uses the size/mode opcode layout.
func (c Class) IsMemory() bool {
	return c <= ClassStx
}

// Source selects the second operand of ALU and jump instructions (bit 3).
type Source uint8

const (
	SrcK Source = 0x00 // Immediate
	SrcX Source = 0x08 // Register
)

func (s Source) String() string {
	if s == SrcX {
		return "X"
	}
	return "K"
}

// Size is the access width of load/store instructions (bits 3-4).
type Size uint8

const (
	SizeW  Size = 0x00 // 32-bit word
	SizeH  Size = 0x08 // 16-bit half-word
	SizeB  Size = 0x10 // 8-bit byte
	SizeDW Size = 0x18 // 64-bit double-word
)

// Bytes returns the access width in bytes.
func (s Size) Bytes() uint64 {
	switch s {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}

func (s Size) String() string {
	switch s {
	case SizeB:
		return "b"
	case SizeH:
		return "h"
	case SizeW:
		return "w"
	default:
		return "dw"
	}
}

// Mode is the addressing mode of load/store instructions (bits 5-7).
type Mode uint8

const (
	ModeImm  Mode = 0x00 // Immediate
	ModeAbs  Mode = 0x20 // Absolute packet access (legacy)
	ModeInd  Mode = 0x40 // Indirect packet access (legacy)
	ModeMem  Mode = 0x60 // Register + offset
	ModeLen  Mode = 0x80 // Packet length (legacy)
	ModeMsh  Mode = 0xa0 // IP header length (legacy)
	ModeXadd Mode = 0xc0 // Atomic add
)

func (m Mode) valid() bool {
	return m != 0xe0
}

// Legacy reports whether the mode belongs to classic packet-filter access.
func (m Mode) Legacy() bool {
	switch m {
	case ModeAbs, ModeInd, ModeLen, ModeMsh:
		return true
	}
	return false
}

func (m Mode) String() string {
	switch m {
	case ModeImm:
		return "imm"
	case ModeAbs:
		return "abs"
	case ModeInd:
		return "ind"
	case ModeMem:
		return "mem"
	case ModeLen:
		return "len"
	case ModeMsh:
		return "msh"
	case ModeXadd:
		return "xadd"
	}
	return "invalid"
}

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
	AluEnd  = 0xd0
)

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00 // Unconditional
	JmpJeq  = 0x10 // ==
	JmpJgt  = 0x20 // > (unsigned)
	JmpJge  = 0x30 // >= (unsigned)
	JmpJset = 0x40 // &
	JmpJne  = 0x50 // !=
	JmpJsgt = 0x60 // > (signed)
	JmpJsge = 0x70 // >= (signed)
	JmpCall = 0x80 // Helper call
	JmpExit = 0x90 // Exit
	JmpJlt  = 0xa0 // < (unsigned)
	JmpJle  = 0xb0 // <= (unsigned)
	JmpJslt = 0xc0 // < (signed)
	JmpJsle = 0xd0 // <= (signed)
)

// Op is the decoded operation of an ALU or jump instruction. The two
// families use disjoint values so a decoded op is never ambiguous.
type Op uint8

const (
	OpInvalid Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpOr
	OpAnd
	OpLsh
	OpRsh
	OpNeg
	OpMod
	OpXor
	OpMov
	OpArsh
	OpEnd
	OpJa
	OpJeq
	OpJgt
	OpJge
	OpJset
	OpJne
	OpJsgt
	OpJsge
	OpCall
	OpExit
	OpJlt
	OpJle
	OpJslt
	OpJsle
	opCount
)

var aluOps = [16]Op{
	OpAdd, OpSub, OpMul, OpDiv, OpOr, OpAnd, OpLsh, OpRsh,
	OpNeg, OpMod, OpXor, OpMov, OpArsh, OpEnd, OpInvalid, OpInvalid,
}

var jmpOps = [16]Op{
	OpJa, OpJeq, OpJgt, OpJge, OpJset, OpJne, OpJsgt, OpJsge,
	OpCall, OpExit, OpJlt, OpJle, OpJslt, OpJsle, OpInvalid, OpInvalid,
}

var opNames = [opCount]string{
	OpInvalid: "invalid",
	OpAdd:     "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpOr: "or", OpAnd: "and", OpLsh: "lsh", OpRsh: "rsh",
	OpNeg: "neg", OpMod: "mod", OpXor: "xor", OpMov: "mov",
	OpArsh: "arsh", OpEnd: "end",
	OpJa: "ja", OpJeq: "jeq", OpJgt: "jgt", OpJge: "jge",
	OpJset: "jset", OpJne: "jne", OpJsgt: "jsgt", OpJsge: "jsge",
	OpCall: "call", OpExit: "exit", OpJlt: "jlt", OpJle: "jle",
	OpJslt: "jslt", OpJsle: "jsle",
}

// opBits maps an Op back to its bits 4-7 code.
var opBits [opCount]uint8

func init() {
	for i, op := range aluOps {
		if op != OpInvalid {
			opBits[op] = uint8(i) << 4
		}
	}
	for i, op := range jmpOps {
		if op != OpInvalid {
			opBits[op] = uint8(i) << 4
		}
	}
}

// IsALU reports whether op belongs to the arithmetic/logic family.
func (op Op) IsALU() bool {
	return op >= OpAdd && op <= OpEnd
}

// IsJump reports whether op belongs to the jump family.
func (op Op) IsJump() bool {
	return op >= OpJa && op <= OpJsle
}

func (op Op) String() string {
	if op >= opCount {
		return "invalid"
	}
	return opNames[op]
}

// Composed opcodes for 64-bit ALU.
const (
	OpAdd64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluAdd  // 0x07
	OpAdd64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluAdd  // 0x0f
	OpSub64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluSub  // 0x17
	OpSub64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluSub  // 0x1f
	OpMul64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluMul  // 0x27
	OpMul64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluMul  // 0x2f
	OpDiv64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluDiv  // 0x37
	OpDiv64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluDiv  // 0x3f
	OpOr64Imm   = uint8(ClassAlu64) | uint8(SrcK) | AluOr   // 0x47
	OpAnd64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluAnd  // 0x57
	OpLsh64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluLsh  // 0x67
	OpLsh64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluLsh  // 0x6f
	OpRsh64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluRsh  // 0x77
	OpNeg64     = uint8(ClassAlu64) | AluNeg                // 0x87
	OpMod64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluMod  // 0x97
	OpMod64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluMod  // 0x9f
	OpXor64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluXor  // 0xaf
	OpMov64Imm  = uint8(ClassAlu64) | uint8(SrcK) | AluMov  // 0xb7
	OpMov64Reg  = uint8(ClassAlu64) | uint8(SrcX) | AluMov  // 0xbf
	OpArsh64Imm = uint8(ClassAlu64) | uint8(SrcK) | AluArsh // 0xc7
)

// Composed opcodes for 32-bit ALU.
const (
	OpAdd32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluAdd  // 0x04
	OpAdd32Reg  = uint8(ClassAlu) | uint8(SrcX) | AluAdd  // 0x0c
	OpSub32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluSub  // 0x14
	OpMul32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluMul  // 0x24
	OpDiv32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluDiv  // 0x34
	OpDiv32Reg  = uint8(ClassAlu) | uint8(SrcX) | AluDiv  // 0x3c
	OpLsh32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluLsh  // 0x64
	OpLsh32Reg  = uint8(ClassAlu) | uint8(SrcX) | AluLsh  // 0x6c
	OpRsh32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluRsh  // 0x74
	OpNeg32     = uint8(ClassAlu) | AluNeg                // 0x84
	OpMod32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluMod  // 0x94
	OpMov32Imm  = uint8(ClassAlu) | uint8(SrcK) | AluMov  // 0xb4
	OpMov32Reg  = uint8(ClassAlu) | uint8(SrcX) | AluMov  // 0xbc
	OpArsh32Imm = uint8(ClassAlu) | uint8(SrcK) | AluArsh // 0xc4
	OpLe        = uint8(ClassAlu) | uint8(SrcK) | AluEnd  // 0xd4
	OpBe        = uint8(ClassAlu) | uint8(SrcX) | AluEnd  // 0xdc
)

// Composed opcodes for loads and stores.
const (
	OpLddw  = uint8(ClassLd) | uint8(ModeImm) | uint8(SizeDW) // 0x18
	OpLdxb  = uint8(ClassLdx) | uint8(ModeMem) | uint8(SizeB) // 0x71
	OpLdxh  = uint8(ClassLdx) | uint8(ModeMem) | uint8(SizeH) // 0x69
	OpLdxw  = uint8(ClassLdx) | uint8(ModeMem) | uint8(SizeW) // 0x61
	OpLdxdw = uint8(ClassLdx) | uint8(ModeMem) | uint8(SizeDW) // 0x79
	OpStb   = uint8(ClassSt) | uint8(ModeMem) | uint8(SizeB)  // 0x72
	OpSth   = uint8(ClassSt) | uint8(ModeMem) | uint8(SizeH)  // 0x6a
	OpStw   = uint8(ClassSt) | uint8(ModeMem) | uint8(SizeW)  // 0x62
	OpStdw  = uint8(ClassSt) | uint8(ModeMem) | uint8(SizeDW) // 0x7a
	OpStxb  = uint8(ClassStx) | uint8(ModeMem) | uint8(SizeB) // 0x73
	OpStxh  = uint8(ClassStx) | uint8(ModeMem) | uint8(SizeH) // 0x6b
	OpStxw  = uint8(ClassStx) | uint8(ModeMem) | uint8(SizeW) // 0x63
	OpStxdw = uint8(ClassStx) | uint8(ModeMem) | uint8(SizeDW) // 0x7b

	OpXaddw  = uint8(ClassStx) | uint8(ModeXadd) | uint8(SizeW)  // 0xc3
	OpXadddw = uint8(ClassStx) | uint8(ModeXadd) | uint8(SizeDW) // 0xdb

	OpLdabsw = uint8(ClassLd) | uint8(ModeAbs) | uint8(SizeW) // 0x20
	OpLdindw = uint8(ClassLd) | uint8(ModeInd) | uint8(SizeW) // 0x40
)

// Composed opcodes for jumps.
const (
	OpJaImm   = uint8(ClassJmp) | uint8(SrcK) | JmpJa   // 0x05
	OpJeqImm  = uint8(ClassJmp) | uint8(SrcK) | JmpJeq  // 0x15
	OpJeqReg  = uint8(ClassJmp) | uint8(SrcX) | JmpJeq  // 0x1d
	OpJgtImm  = uint8(ClassJmp) | uint8(SrcK) | JmpJgt  // 0x25
	OpJgeImm  = uint8(ClassJmp) | uint8(SrcK) | JmpJge  // 0x35
	OpJsetImm = uint8(ClassJmp) | uint8(SrcK) | JmpJset // 0x45
	OpJneImm  = uint8(ClassJmp) | uint8(SrcK) | JmpJne  // 0x55
	OpJneReg  = uint8(ClassJmp) | uint8(SrcX) | JmpJne  // 0x5d
	OpJsgtImm = uint8(ClassJmp) | uint8(SrcK) | JmpJsgt // 0x65
	OpJsgeImm = uint8(ClassJmp) | uint8(SrcK) | JmpJsge // 0x75
	OpCallImm = uint8(ClassJmp) | uint8(SrcK) | JmpCall // 0x85
	OpExitImm = uint8(ClassJmp) | uint8(SrcK) | JmpExit // 0x95
	OpJltImm  = uint8(ClassJmp) | uint8(SrcK) | JmpJlt  // 0xa5
	OpJleImm  = uint8(ClassJmp) | uint8(SrcK) | JmpJle  // 0xb5
	OpJsltImm = uint8(ClassJmp) | uint8(SrcK) | JmpJslt // 0xc5
	OpJsleImm = uint8(ClassJmp) | uint8(SrcK) | JmpJsle // 0xd5

	OpJeq32Imm  = uint8(ClassJmp32) | uint8(SrcK) | JmpJeq  // 0x16
	OpJgt32Imm  = uint8(ClassJmp32) | uint8(SrcK) | JmpJgt  // 0x26
	OpJslt32Imm = uint8(ClassJmp32) | uint8(SrcK) | JmpJslt // 0xc6
)

// Register numbers.
const (
	R0  = 0  // Return value
	R1  = 1  // Context / first helper argument
	R2  = 2  // Helper argument
	R3  = 3  // Helper argument
	R4  = 4  // Helper argument
	R5  = 5  // Helper argument
	R6  = 6  // Callee-saved
	R7  = 7  // Callee-saved
	R8  = 8  // Callee-saved
	R9  = 9  // Callee-saved
	R10 = 10 // Stack frame pointer

	NumRegisters = 16
)
