package helpers

import "github.com/fortiblox/bpfvm/pkg/ebpf"

func (r *Registry) registerMemory() {
	// memcpy - copy memory; overlapping ranges behave like memmove
	r.mustRegister(IdxMemcpy, "memcpy", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, src, n := r1, r2, r3
		if n == 0 {
			return 0, nil
		}
		if n > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := consume(vm, CUMemOpBase, CUMemOpPerByte, n); err != nil {
			return 0, err
		}

		// Read source first (handles overlap)
		data := make([]byte, n)
		if err := vm.Read(src, data); err != nil {
			return 0, err
		}
		if err := vm.Write(dst, data); err != nil {
			return 0, err
		}
		return 0, nil
	})

	// memset - fill memory with a byte value
	r.mustRegister(IdxMemset, "memset", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, c, n := r1, uint8(r2), r3
		if n == 0 {
			return 0, nil
		}
		if n > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := consume(vm, CUMemOpBase, CUMemOpPerByte, n); err != nil {
			return 0, err
		}

		mem, err := vm.Translate(dst, n, true)
		if err != nil {
			return 0, err
		}
		for i := range mem {
			mem[i] = c
		}
		return 0, nil
	})

	// memcmp - compare memory; returns the signed difference of the first
	// differing byte, or 0
	r.mustRegister(IdxMemcmp, "memcmp", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		a, b, n := r1, r2, r3
		if n == 0 {
			return 0, nil
		}
		if n > MaxMemOpSize {
			return 0, ErrInvalidLength
		}
		if err := consume(vm, CUMemOpBase, CUMemOpPerByte, n); err != nil {
			return 0, err
		}

		memA, err := vm.Translate(a, n, false)
		if err != nil {
			return 0, err
		}
		memB, err := vm.Translate(b, n, false)
		if err != nil {
			return 0, err
		}
		for i := range memA {
			if memA[i] != memB[i] {
				return uint64(int64(memA[i]) - int64(memB[i])), nil
			}
		}
		return 0, nil
	})
}
