package ebpf

// VM is the view of a running machine handed to helpers.
type VM interface {
	// Context returns the value r1 held on entry.
	Context() uint64

	// Memory access
	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	// Memory translation
	Translate(addr uint64, size uint64, write bool) ([]byte, error)

	// Compute metering
	ComputeMeter() *ComputeMeter
}

// Helper is a host function callable from programs through the call
// instruction. It receives r1-r5 and its result is stored in r0.
type Helper interface {
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// HelperFunc is a function that implements Helper.
type HelperFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Helper.
func (f HelperFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// HelperTable maps call indices to helpers. Nil entries are unassigned.
type HelperTable []Helper

// Lookup returns the helper assigned to idx.
func (t HelperTable) Lookup(idx int64) (Helper, bool) {
	if idx < 0 || idx >= int64(len(t)) || t[idx] == nil {
		return nil, false
	}
	return t[idx], true
}
