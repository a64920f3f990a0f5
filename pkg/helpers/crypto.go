package helpers

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

func (r *Registry) registerCrypto() {
	// r1 = pointer to array of (ptr, len) pairs
	// r2 = number of slices
	// r3 = result pointer (32 bytes)
	r.mustRegister(IdxSha256, "sha256", hashHelper(sha256.New, CUSha256Base, CUSha256PerByte))
	r.mustRegister(IdxKeccak256, "keccak256", hashHelper(sha3.NewLegacyKeccak256, CUKeccak256Base, CUKeccak256PerByte))
	r.mustRegister(IdxBlake3, "blake3", hashHelper(func() hash.Hash { return blake3.New() }, CUBlake3Base, CUBlake3PerByte))
}

func hashHelper(newHash func() hash.Hash, base, perByte uint64) ebpf.HelperFunc {
	return func(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 > MaxSlices {
			return 0, ErrInvalidArgument
		}
		if err := vm.ComputeMeter().Consume(base); err != nil {
			return 0, err
		}

		slices, err := readSlices(vm, r1, r2, perByte)
		if err != nil {
			return 0, err
		}

		h := newHash()
		for _, s := range slices {
			h.Write(s)
		}
		if err := vm.Write(r3, h.Sum(nil)); err != nil {
			return 0, err
		}
		return 0, nil
	}
}
