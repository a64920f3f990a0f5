// Package helpers implements the standard helper library for the eBPF
// interpreter.
//
// Helpers are host functions callable from programs with the call
// instruction. Each helper has a fixed index into the helper table. Arguments
// are passed in registers r1-r5, and the return value is placed in r0.
package helpers

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// Helper errors.
var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIndexTaken      = errors.New("helper index already assigned")
	ErrAborted         = errors.New("program aborted")
)

// Standard helper indices.
const (
	IdxTrace            = 0
	IdxTrace64          = 1
	IdxKtimeGetNs       = 2
	IdxGetPrandomU32    = 3
	IdxMemcpy           = 4
	IdxMemset           = 5
	IdxMemcmp           = 6
	IdxSha256           = 7
	IdxKeccak256        = 8
	IdxBlake3           = 9
	IdxComputeRemaining = 10
	IdxLogData          = 11
	IdxAbort            = 12
)

// Compute costs for helpers.
const (
	CUHelperBase       = uint64(100)
	CULogBase          = uint64(100)
	CULogPerByte       = uint64(1)
	CULog64            = uint64(100)
	CUMemOpBase        = uint64(10)
	CUMemOpPerByte     = uint64(1)
	CUSha256Base       = uint64(85)
	CUSha256PerByte    = uint64(1)
	CUKeccak256Base    = uint64(85)
	CUKeccak256PerByte = uint64(1)
	CUBlake3Base       = uint64(85)
	CUBlake3PerByte    = uint64(1)
)

// Maximum sizes.
const (
	MaxLogMsgLen = 10000            // Maximum trace message length
	MaxSlices    = 100              // Maximum slices per hash/log_data call
	MaxMemOpSize = 10 * 1024 * 1024 // Maximum memory operation size (10 MB)
)

// Env provides host services to helpers.
type Env interface {
	Log(msg string)
	LogData(data [][]byte)
	Now() time.Time
	Rand() uint32
}

// DefaultEnv logs through commonlog and uses the wall clock.
type DefaultEnv struct {
	log commonlog.Logger
}

// NewDefaultEnv creates an Env logging under the given logger name.
func NewDefaultEnv(name string) *DefaultEnv {
	return &DefaultEnv{log: commonlog.GetLogger(name)}
}

func (e *DefaultEnv) Log(msg string) {
	e.log.Infof("program log: %s", msg)
}

func (e *DefaultEnv) LogData(data [][]byte) {
	e.log.Infof("program data: %x", data)
}

func (e *DefaultEnv) Now() time.Time {
	return time.Now()
}

func (e *DefaultEnv) Rand() uint32 {
	return rand.Uint32()
}

// Registry assigns helpers to call indices.
type Registry struct {
	helpers ebpf.HelperTable
	names   map[int]string
	index   map[string]int
}

// NewRegistry creates a registry holding the standard helpers.
func NewRegistry(env Env) *Registry {
	r := &Registry{
		names: make(map[int]string),
		index: make(map[string]int),
	}

	r.registerLogging(env)
	r.registerMemory()
	r.registerCrypto()
	r.registerMisc(env)

	return r
}

// Register assigns h to idx under name.
func (r *Registry) Register(idx int, name string, h ebpf.Helper) error {
	if idx < 0 {
		return fmt.Errorf("%w: index %d", ErrInvalidArgument, idx)
	}
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("%w: name %q", ErrIndexTaken, name)
	}
	if idx < len(r.helpers) && r.helpers[idx] != nil {
		return fmt.Errorf("%w: %d (%s)", ErrIndexTaken, idx, r.names[idx])
	}
	for len(r.helpers) <= idx {
		r.helpers = append(r.helpers, nil)
	}
	r.helpers[idx] = h
	r.names[idx] = name
	r.index[name] = idx
	return nil
}

// Table returns a copy of the helper table for the interpreter.
func (r *Registry) Table() ebpf.HelperTable {
	t := make(ebpf.HelperTable, len(r.helpers))
	copy(t, r.helpers)
	return t
}

// Index returns the call index of the named helper.
func (r *Registry) Index(name string) (int, bool) {
	idx, ok := r.index[name]
	return idx, ok
}

// Name returns the name of the helper at idx.
func (r *Registry) Name(idx int) (string, bool) {
	name, ok := r.names[idx]
	return name, ok
}

// Names returns the registered helper names ordered by index.
func (r *Registry) Names() []string {
	idxs := make([]int, 0, len(r.names))
	for idx := range r.names {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	names := make([]string, len(idxs))
	for i, idx := range idxs {
		names[i] = r.names[idx]
	}
	return names
}

// mustRegister is used for the built-in set whose indices never collide.
func (r *Registry) mustRegister(idx int, name string, fn ebpf.HelperFunc) {
	if err := r.Register(idx, name, fn); err != nil {
		panic(err)
	}
}

// consume charges base + perByte*n units, guarding against overflow.
func consume(vm ebpf.VM, base, perByte, n uint64) error {
	if perByte != 0 && n > (^uint64(0)-base)/perByte {
		return ebpf.ErrComputeExceeded
	}
	return vm.ComputeMeter().Consume(base + perByte*n)
}
