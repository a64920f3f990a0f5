// Package journal records program executions in an append-only BadgerDB log.
//
// Every run is stored under its RunID with the inputs needed to execute it
// again (program, context, limits) and the outcome it produced (value, exit
// reason, fault, counters). A secondary index keyed by ProgramID lists the
// runs of a single program. The Replayer in this package re-executes
// journaled runs to check that the interpreter is still deterministic.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// Errors.
var (
	ErrNotFound = errors.New("run not found")
	ErrClosed   = errors.New("journal closed")
)

// Key prefixes for different data types.
var (
	prefixRun     = []byte("r:") // r:<run id> -> entry
	prefixProgram = []byte("p:") // p:<program id><run id> -> nil
	prefixMeta    = []byte("m:") // m:<key> -> value
)

// Metadata keys.
var (
	keyLastRun = append(append([]byte{}, prefixMeta...), "last_run"...)
)

// FaultRecord is the persisted form of an *ebpf.Fault.
type FaultRecord struct {
	Kind    ebpf.FaultKind `cbor:"1,keyasint"`
	PC      int            `cbor:"2,keyasint"`
	Opcode  uint8          `cbor:"3,keyasint"`
	Addr    uint64         `cbor:"4,keyasint,omitempty"`
	Message string         `cbor:"5,keyasint"`
}

// Entry is one journaled run.
type Entry struct {
	ID      types.RunID     `cbor:"1,keyasint"`
	Program types.ProgramID `cbor:"2,keyasint"`

	// Inputs. When Data is non-nil the run was started with the buffer
	// mapped at ebpf.VaddrContext and Context is ignored. Data is encoded
	// without omitempty so an empty buffer stays distinct from none.
	Context         uint64 `cbor:"3,keyasint"`
	Data            []byte `cbor:"4,keyasint"`
	MaxCU           uint64 `cbor:"5,keyasint"`
	StackSize       int    `cbor:"6,keyasint"`
	WritableContext bool   `cbor:"7,keyasint,omitempty"`

	// Outcome.
	Value       uint64          `cbor:"8,keyasint"`
	Reason      ebpf.ExitReason `cbor:"9,keyasint"`
	Fault       *FaultRecord    `cbor:"10,keyasint,omitempty"`
	Error       string          `cbor:"11,keyasint,omitempty"` // non-fault error text
	Steps       uint64          `cbor:"12,keyasint"`
	ComputeUsed uint64          `cbor:"13,keyasint"`

	StartedAt time.Time     `cbor:"14,keyasint"`
	Duration  time.Duration `cbor:"15,keyasint"`
}

// Succeeded reports whether the run ended without a fault or error.
func (e *Entry) Succeeded() bool {
	return e.Fault == nil && e.Error == ""
}

// Outcome returns a one-line summary of how the run ended.
func (e *Entry) Outcome() string {
	switch {
	case e.Fault != nil:
		return fmt.Sprintf("fault %s at pc %d", e.Fault.Kind, e.Fault.PC)
	case e.Error != "":
		return "error: " + e.Error
	default:
		return fmt.Sprintf("%s r0=%d", e.Reason, e.Value)
	}
}

// Options returns the interpreter options the run was made with. Helpers
// are not journaled and must be supplied by the caller.
func (e *Entry) Options(helpers ebpf.HelperTable) ebpf.InterpreterOpts {
	return ebpf.InterpreterOpts{
		Helpers:         helpers,
		StackSize:       e.StackSize,
		MaxCU:           e.MaxCU,
		WritableContext: e.WritableContext,
	}
}

// Record fills in the outcome fields from the result of a run.
func (e *Entry) Record(res *ebpf.Result, err error) {
	e.Fault = nil
	e.Error = ""
	if err != nil {
		if f, ok := ebpf.AsFault(err); ok {
			e.Fault = &FaultRecord{
				Kind:    f.Kind,
				PC:      f.PC,
				Opcode:  f.Opcode,
				Addr:    f.Addr,
				Message: f.Error(),
			}
		} else {
			e.Error = err.Error()
		}
		e.Value, e.Reason, e.Steps, e.ComputeUsed = 0, ebpf.ExitNormal, 0, 0
		return
	}
	e.Value = res.Value
	e.Reason = res.Reason
	e.Steps = res.Steps
	e.ComputeUsed = res.ComputeUsed
}

// Execute runs the journaled inputs on ip. The context buffer is copied so
// Data keeps the original input even when the context is writable.
func (e *Entry) Execute(ip *ebpf.Interpreter) (*ebpf.Result, error) {
	if e.Data != nil {
		data := make([]byte, len(e.Data))
		copy(data, e.Data)
		return ip.ExecuteData(data)
	}
	return ip.Execute(e.Context)
}

// Config holds journal configuration.
type Config struct {
	// Path is the database directory.
	Path string

	// InMemory runs without persistence (for testing).
	InMemory bool

	// SyncWrites enables synchronous writes.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the max size of value log files.
	ValueLogFileSize int64

	// Logger receives BadgerDB's internal log output. Nil uses the
	// "bpfvm.journal" commonlog logger.
	Logger badger.Logger
}

// DefaultConfig returns default journal configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20,
	}
}

// Journal is a BadgerDB-backed run journal.
type Journal struct {
	db     *badger.DB
	config Config
	log    commonlog.Logger

	mu      sync.Mutex // serializes Append
	lastRun atomic.Uint64
	closed  atomic.Bool
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Open creates or opens a journal.
func Open(config Config) (*Journal, error) {
	log := commonlog.GetLogger("bpfvm.journal")

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.WithSyncWrites(config.SyncWrites)
	if config.NumCompactors > 0 {
		opts = opts.WithNumCompactors(config.NumCompactors)
	}
	if config.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(config.ValueLogFileSize)
	}
	if config.Logger != nil {
		opts = opts.WithLogger(config.Logger)
	} else {
		opts = opts.WithLogger(log)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	j := &Journal{
		db:     db,
		config: config,
		log:    log,
	}
	if err := j.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return j, nil
}

func (j *Journal) loadMetadata() error {
	return j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastRun)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("invalid last run value length %d", len(val))
			}
			j.lastRun.Store(binary.BigEndian.Uint64(val))
			return nil
		})
	})
}

func runKey(id types.RunID) []byte {
	return append(append([]byte{}, prefixRun...), id.Key()...)
}

func programPrefix(program types.ProgramID) []byte {
	return append(append([]byte{}, prefixProgram...), program[:]...)
}

func programKey(program types.ProgramID, id types.RunID) []byte {
	return append(programPrefix(program), id.Key()...)
}

// Append assigns the next RunID to e, stores it and returns the ID. Run IDs
// start at 1 and increase by one per append.
func (j *Journal) Append(e *Entry) (types.RunID, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	id := types.RunID(j.lastRun.Load() + 1)
	e.ID = id
	data, err := cborEncMode.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(runKey(id), data); err != nil {
			return err
		}
		if err := txn.Set(programKey(e.Program, id), nil); err != nil {
			return err
		}
		return txn.Set(keyLastRun, id.Key())
	})
	if err != nil {
		return 0, fmt.Errorf("append run %s: %w", id, err)
	}
	j.lastRun.Store(uint64(id))
	j.log.Debugf("journaled run %s of %s: %s", id, e.Program, e.Outcome())
	return id, nil
}

// Get retrieves a run by ID.
func (j *Journal) Get(id types.RunID) (*Entry, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}

	var entry *Entry
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		entry, err = decodeItem(item)
		return err
	})
	return entry, err
}

func decodeItem(item *badger.Item) (*Entry, error) {
	var entry Entry
	err := item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, fmt.Errorf("decode entry %x: %w", item.Key(), err)
	}
	return &entry, nil
}

// Iterate calls fn for every run with ID >= from, in run order. Iteration
// stops early when fn returns false or an error.
func (j *Journal) Iterate(from types.RunID, fn func(*Entry) (bool, error)) error {
	if j.closed.Load() {
		return ErrClosed
	}

	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRun
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(runKey(from)); it.Valid(); it.Next() {
			entry, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			cont, err := fn(entry)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// ByProgram returns the IDs of all runs of program, oldest first.
func (j *Journal) ByProgram(program types.ProgramID) ([]types.RunID, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}

	prefix := programPrefix(program)
	var ids []types.RunID
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, err := types.RunIDFromKey(it.Item().Key()[len(prefix):])
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// Last returns up to n of the most recent runs, newest first.
func (j *Journal) Last(n int) ([]*Entry, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}

	var entries []*Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRun
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= the seek key.
		seek := append(append([]byte{}, prefixRun...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.Valid() && len(entries) < n; it.Next() {
			entry, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// Len returns the number of journaled runs.
func (j *Journal) Len() uint64 {
	return j.lastRun.Load()
}

// RunGC runs value log garbage collection until no value log file is
// worth rewriting and returns the number of files rewritten.
func (j *Journal) RunGC() (int, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	if j.config.InMemory {
		return 0, nil
	}
	rewritten := 0
	for {
		err := j.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return rewritten, nil
		}
		if err != nil {
			return rewritten, err
		}
		rewritten++
	}
}

// Sync flushes pending writes to disk.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrClosed
	}
	return j.db.Sync()
}

// Close closes the journal.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}
