package ebpf

import (
	"encoding/binary"
	"fmt"
)

// Translate converts a virtual address to a slice of machine memory.
func (m *machine) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	hi := addr >> 32
	lo := addr & 0xFFFFFFFF

	// Check for integer overflow in address calculation
	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrOutOfBounds, addr, size)
	}
	end := lo + size

	switch hi {
	case VaddrStack >> 32:
		stackLen := uint64(len(m.stack))
		if end > stackLen {
			return nil, fmt.Errorf("%w: stack access at 0x%x (size %d, stack size %d)", ErrOutOfBounds, addr, size, stackLen)
		}
		return m.stack[lo:end], nil

	case VaddrContext >> 32:
		if write && !m.ctxWritable {
			return nil, fmt.Errorf("%w: write to read-only context at 0x%x", ErrOutOfBounds, addr)
		}
		ctxLen := uint64(len(m.ctxData))
		if end > ctxLen {
			return nil, fmt.Errorf("%w: context access at 0x%x (size %d, context size %d)", ErrOutOfBounds, addr, size, ctxLen)
		}
		return m.ctxData[lo:end], nil

	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrOutOfBounds, addr)
	}
}

// Read reads bytes from virtual memory.
func (m *machine) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (m *machine) Read8(addr uint64) (uint8, error) {
	mem, err := m.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a little-endian uint16 from virtual memory.
func (m *machine) Read16(addr uint64) (uint16, error) {
	mem, err := m.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a little-endian uint32 from virtual memory.
func (m *machine) Read32(addr uint64) (uint32, error) {
	mem, err := m.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a little-endian uint64 from virtual memory.
func (m *machine) Read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write writes bytes to virtual memory.
func (m *machine) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (m *machine) Write8(addr uint64, x uint8) error {
	mem, err := m.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a little-endian uint16 to virtual memory.
func (m *machine) Write16(addr uint64, x uint16) error {
	mem, err := m.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a little-endian uint32 to virtual memory.
func (m *machine) Write32(addr uint64, x uint32) error {
	mem, err := m.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a little-endian uint64 to virtual memory.
func (m *machine) Write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}

// load reads size bytes at addr, zero-extended to 64 bits.
func (m *machine) load(addr uint64, size Size) (uint64, error) {
	switch size {
	case SizeB:
		v, err := m.Read8(addr)
		return uint64(v), err
	case SizeH:
		v, err := m.Read16(addr)
		return uint64(v), err
	case SizeW:
		v, err := m.Read32(addr)
		return uint64(v), err
	default:
		return m.Read64(addr)
	}
}

// store writes the low size bytes of v at addr.
func (m *machine) store(addr uint64, size Size, v uint64) error {
	switch size {
	case SizeB:
		return m.Write8(addr, uint8(v))
	case SizeH:
		return m.Write16(addr, uint16(v))
	case SizeW:
		return m.Write32(addr, uint32(v))
	default:
		return m.Write64(addr, v)
	}
}
