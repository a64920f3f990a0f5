package helpers

import (
	"encoding/binary"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

func (r *Registry) registerLogging(env Env) {
	// trace - log a message; r1 = pointer, r2 = length
	r.mustRegister(IdxTrace, "trace", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := r2
		if msgLen > MaxLogMsgLen {
			msgLen = MaxLogMsgLen
		}
		if err := consume(vm, CULogBase, CULogPerByte, msgLen); err != nil {
			return 0, err
		}

		msg := make([]byte, msgLen)
		if err := vm.Read(r1, msg); err != nil {
			return 0, err
		}

		env.Log(string(msg))
		return msgLen, nil
	})

	// trace64 - log five integers
	r.mustRegister(IdxTrace64, "trace64", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.ComputeMeter().Consume(CULog64); err != nil {
			return 0, err
		}

		env.LogData([][]byte{
			uint64ToBytes(r1),
			uint64ToBytes(r2),
			uint64ToBytes(r3),
			uint64ToBytes(r4),
			uint64ToBytes(r5),
		})
		return 0, nil
	})

	// log_data - log arbitrary data slices
	r.mustRegister(IdxLogData, "log_data", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		// r1 = pointer to array of (ptr, len) pairs
		// r2 = number of data slices
		if r2 == 0 || r2 > MaxSlices {
			return 0, ErrInvalidArgument
		}
		if err := vm.ComputeMeter().Consume(CULogBase); err != nil {
			return 0, err
		}

		data, err := readSlices(vm, r1, r2, CULogPerByte)
		if err != nil {
			return 0, err
		}

		env.LogData(data)
		return 0, nil
	})
}

// readSlices reads n (ptr, len) descriptors starting at addr and returns the
// referenced bytes, charging perByte units for each.
func readSlices(vm ebpf.VM, addr, n, perByte uint64) ([][]byte, error) {
	data := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		ptr, err := vm.Read64(addr + i*16)
		if err != nil {
			return nil, err
		}
		length, err := vm.Read64(addr + i*16 + 8)
		if err != nil {
			return nil, err
		}
		if length > MaxMemOpSize {
			return nil, ErrInvalidLength
		}
		if err := consume(vm, 0, perByte, length); err != nil {
			return nil, err
		}

		buf := make([]byte, length)
		if err := vm.Read(ptr, buf); err != nil {
			return nil, err
		}
		data = append(data, buf)
	}
	return data, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
