package ebpf

import (
	"fmt"
	"strings"
)

// Instruction is a decoded instruction word.
//
// Size and Mode are meaningful for the load/store classes; Op and Source for
// the ALU and jump classes. For a wide immediate load returned by Fetch, Imm
// holds the full 64-bit value assembled from both slots.
type Instruction struct {
	Opcode uint8
	Class  Class
	Size   Size
	Mode   Mode
	Op     Op
	Source Source
	Dst    uint8
	Src    uint8
	Offset int16
	Imm    int64
}

// Decode splits a single instruction word into its fields. It fails with
// ErrDecode when the opcode byte names no defined operation or mode.
func Decode(word uint64) (Instruction, error) {
	opcode := uint8(word)
	ins := Instruction{
		Opcode: opcode,
		Class:  Class(opcode & 0x07),
		Dst:    uint8(word>>8) & 0x0f,
		Src:    uint8(word>>12) & 0x0f,
		Offset: int16(word >> 16),
		Imm:    int64(int32(word >> 32)),
	}

	switch ins.Class {
	case ClassLd, ClassLdx, ClassSt, ClassStx:
		ins.Size = Size(opcode & 0x18)
		ins.Mode = Mode(opcode & 0xe0)
		if !ins.Mode.valid() {
			return ins, fmt.Errorf("%w: opcode 0x%02x has undefined mode 0x%02x", ErrDecode, opcode, uint8(ins.Mode))
		}
	case ClassAlu, ClassAlu64:
		ins.Source = Source(opcode & 0x08)
		ins.Op = aluOps[opcode>>4]
		if ins.Op == OpInvalid {
			return ins, fmt.Errorf("%w: opcode 0x%02x has undefined alu operation 0x%02x", ErrDecode, opcode, opcode&0xf0)
		}
	case ClassJmp, ClassJmp32:
		ins.Source = Source(opcode & 0x08)
		ins.Op = jmpOps[opcode>>4]
		if ins.Op == OpInvalid {
			return ins, fmt.Errorf("%w: opcode 0x%02x has undefined jump operation 0x%02x", ErrDecode, opcode, opcode&0xf0)
		}
	}
	return ins, nil
}

// Fetch decodes the instruction at slot pc of text and returns the number of
// slots it occupies. A wide immediate load consumes the following slot; the
// upper 32 bits of its value come from that slot's immediate field.
func Fetch(text []uint64, pc int) (Instruction, int, error) {
	if pc < 0 || pc >= len(text) {
		return Instruction{}, 0, fmt.Errorf("%w: %d not in [0, %d)", ErrPCOutOfRange, pc, len(text))
	}
	ins, err := Decode(text[pc])
	if err != nil {
		return ins, 1, err
	}
	if !ins.IsWide() {
		return ins, 1, nil
	}
	if pc+1 >= len(text) {
		return ins, 1, fmt.Errorf("%w: wide immediate load at pc %d has no second slot", ErrPCOutOfRange, pc)
	}
	hi := uint32(text[pc+1] >> 32)
	ins.Imm = int64(uint64(uint32(ins.Imm)) | uint64(hi)<<32)
	return ins, 2, nil
}

// IsWide reports whether the instruction is a two-slot immediate load.
func (ins Instruction) IsWide() bool {
	return ins.Class == ClassLd && ins.Mode == ModeImm && ins.Size == SizeDW
}

// Code reassembles the opcode byte from the decoded fields.
func (ins Instruction) Code() uint8 {
	if ins.Class.IsMemory() {
		return uint8(ins.Class) | uint8(ins.Size) | uint8(ins.Mode)
	}
	op := ins.Op
	if op >= opCount {
		op = OpInvalid
	}
	return uint8(ins.Class) | uint8(ins.Source) | opBits[op]
}

// Word encodes the instruction back into a single word. For a wide load only
// the low 32 bits of Imm are kept; use Words for both slots.
func (ins Instruction) Word() uint64 {
	return Encode(ins.Code(), ins.Dst, ins.Src, ins.Offset, int32(ins.Imm))
}

// Words encodes the instruction into the slots it occupies.
func (ins Instruction) Words() []uint64 {
	if !ins.IsWide() {
		return []uint64{ins.Word()}
	}
	return []uint64{ins.Word(), Encode(0, 0, 0, 0, int32(uint64(ins.Imm)>>32))}
}

// Encode creates an instruction word.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0f)<<8 |
		uint64(src&0x0f)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// EncodeWide creates the two slots of a 64-bit immediate load into dst.
func EncodeWide(dst uint8, imm uint64) [2]uint64 {
	return [2]uint64{
		Encode(OpLddw, dst, 0, 0, int32(uint32(imm))),
		Encode(0, 0, 0, 0, int32(uint32(imm>>32))),
	}
}

// String renders the instruction in assembler syntax.
func (ins Instruction) String() string {
	switch ins.Class {
	case ClassAlu, ClassAlu64:
		return ins.aluString()
	case ClassJmp, ClassJmp32:
		return ins.jmpString()
	case ClassLd:
		if ins.IsWide() {
			return fmt.Sprintf("lddw r%d, %#x", ins.Dst, uint64(ins.Imm))
		}
		return fmt.Sprintf("ld%s%s r%d, %d", ins.Mode, ins.Size, ins.Dst, ins.Imm)
	case ClassLdx:
		return fmt.Sprintf("ldx%s r%d, %s", ins.Size, ins.Dst, memOperand(ins.Src, ins.Offset))
	case ClassSt:
		return fmt.Sprintf("st%s %s, %d", ins.Size, memOperand(ins.Dst, ins.Offset), ins.Imm)
	case ClassStx:
		if ins.Mode == ModeXadd {
			return fmt.Sprintf("xadd%s %s, r%d", ins.Size, memOperand(ins.Dst, ins.Offset), ins.Src)
		}
		return fmt.Sprintf("stx%s %s, r%d", ins.Size, memOperand(ins.Dst, ins.Offset), ins.Src)
	}
	return fmt.Sprintf("unknown 0x%02x", ins.Opcode)
}

func (ins Instruction) aluString() string {
	width := "64"
	if ins.Class == ClassAlu {
		width = "32"
	}
	switch ins.Op {
	case OpNeg:
		return fmt.Sprintf("neg%s r%d", width, ins.Dst)
	case OpEnd:
		if ins.Source == SrcX {
			return fmt.Sprintf("be%d r%d", ins.Imm, ins.Dst)
		}
		return fmt.Sprintf("le%d r%d", ins.Imm, ins.Dst)
	}
	return fmt.Sprintf("%s%s r%d, %s", ins.Op, width, ins.Dst, ins.operand())
}

func (ins Instruction) jmpString() string {
	suffix := ""
	if ins.Class == ClassJmp32 {
		suffix = "32"
	}
	switch ins.Op {
	case OpJa:
		return fmt.Sprintf("ja%s %+d", suffix, ins.Offset)
	case OpCall:
		return fmt.Sprintf("call%s %d", suffix, ins.Imm)
	case OpExit:
		return "exit" + suffix
	}
	return fmt.Sprintf("%s%s r%d, %s, %+d", ins.Op, suffix, ins.Dst, ins.operand(), ins.Offset)
}

func (ins Instruction) operand() string {
	if ins.Source == SrcX {
		return fmt.Sprintf("r%d", ins.Src)
	}
	return fmt.Sprintf("%d", ins.Imm)
}

func memOperand(reg uint8, off int16) string {
	return fmt.Sprintf("[r%d%+d]", reg, off)
}

// Disassemble renders text one instruction per line, prefixed with the slot
// number. Undecodable words are rendered as raw hex and do not stop the
// listing.
func Disassemble(text []uint64) string {
	var sb strings.Builder
	for pc := 0; pc < len(text); {
		ins, n, err := Fetch(text, pc)
		if err != nil {
			fmt.Fprintf(&sb, "%4d: .word %#016x ; %v\n", pc, text[pc], err)
			pc++
			continue
		}
		fmt.Fprintf(&sb, "%4d: %s\n", pc, ins)
		pc += n
	}
	return sb.String()
}
