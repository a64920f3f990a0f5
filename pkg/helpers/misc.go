package helpers

import (
	"fmt"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

func (r *Registry) registerMisc(env Env) {
	// ktime_get_ns - wall clock in nanoseconds
	r.mustRegister(IdxKtimeGetNs, "ktime_get_ns", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.ComputeMeter().Consume(CUHelperBase); err != nil {
			return 0, err
		}
		return uint64(env.Now().UnixNano()), nil
	})

	// get_prandom_u32 - pseudo-random 32-bit value
	r.mustRegister(IdxGetPrandomU32, "get_prandom_u32", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.ComputeMeter().Consume(CUHelperBase); err != nil {
			return 0, err
		}
		return uint64(env.Rand()), nil
	})

	// compute_remaining - compute units left in the run
	r.mustRegister(IdxComputeRemaining, "compute_remaining", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := vm.ComputeMeter().Consume(CUHelperBase); err != nil {
			return 0, err
		}
		return vm.ComputeMeter().Remaining(), nil
	})

	// abort - terminate execution with a code
	r.mustRegister(IdxAbort, "abort", func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, fmt.Errorf("%w: code %d", ErrAborted, r1)
	})
}
