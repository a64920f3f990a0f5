// Package progstore provides persistent, content-addressed storage for
// program images.
//
// Images are keyed by their ProgramID (the BLAKE3 digest of the instruction
// words), compressed with zstd and kept in a BoltDB file alongside a CBOR
// metadata record and an optional name index.
package progstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/loader"
)

var (
	// ErrNotFound is returned when a program doesn't exist.
	ErrNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrCorrupt is returned when a stored image does not hash to its ID.
	ErrCorrupt = errors.New("stored image does not match its id")

	// ErrStale is returned for images stored under a different opcode table.
	ErrStale = errors.New("stored image uses a different opcode table")

	// ErrNameTaken is returned when a name already refers to another program.
	ErrNameTaken = errors.New("program name already in use")
)

// Bucket names for BoltDB.
var (
	// bucketImages stores compressed images keyed by program ID.
	bucketImages = []byte("images")

	// bucketRecords stores CBOR records keyed by program ID.
	bucketRecords = []byte("records")

	// bucketNames maps program names to IDs.
	bucketNames = []byte("names")

	// bucketMetadata stores store metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyProgramCount = []byte("program_count")
)

// Config holds program store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds waiting for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default program store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Record is the metadata kept for each stored program.
type Record struct {
	ID                 types.ProgramID `cbor:"1,keyasint"`
	Name               string          `cbor:"2,keyasint,omitempty"`
	Instructions       int             `cbor:"3,keyasint"`
	ImageSize          int             `cbor:"4,keyasint"`
	StoredSize         int             `cbor:"5,keyasint"`
	OpcodeTableVersion int             `cbor:"6,keyasint"`
	StoredAt           time.Time       `cbor:"7,keyasint"`
}

// Program is a stored program with its instruction words.
type Program struct {
	Record
	Text []uint64
}

// Store is the program store interface.
type Store interface {
	Put(name string, text []uint64) (types.ProgramID, error)
	Get(id types.ProgramID) (*Program, error)
	GetByName(name string) (*Program, error)
	Resolve(ref string) (*Program, error)
	Has(id types.ProgramID) bool
	Delete(id types.ProgramID) error
	List() ([]Record, error)
	Count() uint64
	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	count  uint64
	closed bool
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("progstore: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Open creates or opens a program store at the configured path.
func Open(config Config) (*BoltStore, error) {
	// Ensure directory exists.
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	store := &BoltStore{
		db:     db,
		config: config,
		enc:    enc,
		dec:    dec,
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			store.closeCodecs()
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	if err := store.loadCachedValues(); err != nil {
		store.closeCodecs()
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketImages, bucketRecords, bucketNames, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// loadCachedValues loads the program count into memory.
func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database, no values to load.
		}
		if v := meta.Get(keyProgramCount); len(v) == 8 {
			s.count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
}

func (s *BoltStore) closeCodecs() {
	s.enc.Close()
	s.dec.Close()
}

// Put stores text and returns its ID. Storing the same text again is a
// no-op apart from binding name.
func (s *BoltStore) Put(name string, text []uint64) (types.ProgramID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ProgramID{}, ErrClosed
	}
	if len(text) == 0 {
		return types.ProgramID{}, loader.ErrEmpty
	}

	id := types.ComputeProgramID(text)
	image := loader.Image(text)
	compressed := s.enc.EncodeAll(image, nil)

	rec := Record{
		ID:                 id,
		Name:               name,
		Instructions:       len(text),
		ImageSize:          len(image),
		StoredSize:         len(compressed),
		OpcodeTableVersion: ebpf.OpcodeTableVersion,
		StoredAt:           time.Now().UTC(),
	}

	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if name != "" {
			if existing := names.Get([]byte(name)); existing != nil && string(existing) != string(id[:]) {
				return fmt.Errorf("%w: %s", ErrNameTaken, name)
			}
		}

		records := tx.Bucket(bucketRecords)
		if old := records.Get(id[:]); old != nil {
			var prev Record
			if err := cbor.Unmarshal(old, &prev); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if prev.Name != "" && prev.Name != name && name != "" {
				if err := names.Delete([]byte(prev.Name)); err != nil {
					return err
				}
			}
			if name == "" {
				rec.Name = prev.Name
			}
		} else {
			added = true
		}

		data, err := cborEncMode.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := records.Put(id[:], data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketImages).Put(id[:], compressed); err != nil {
			return err
		}
		if rec.Name != "" {
			if err := names.Put([]byte(rec.Name), id[:]); err != nil {
				return err
			}
		}
		if added {
			return putCount(tx, s.count+1)
		}
		return nil
	})
	if err != nil {
		return types.ProgramID{}, err
	}
	if added {
		s.count++
	}
	return id, nil
}

// Get retrieves a program by ID.
func (s *BoltStore) Get(id types.ProgramID) (*Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var prog *Program
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		prog, err = s.readProgram(tx, id)
		return err
	})
	return prog, err
}

// GetByName retrieves a program by its bound name.
func (s *BoltStore) GetByName(name string) (*Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var prog *Program
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNames).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		id, err := types.ProgramIDFromBytes(raw)
		if err != nil {
			return err
		}
		prog, err = s.readProgram(tx, id)
		return err
	})
	return prog, err
}

// Resolve looks ref up as a name first and as a base58 ID second.
func (s *BoltStore) Resolve(ref string) (*Program, error) {
	prog, err := s.GetByName(ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return prog, err
	}
	id, perr := types.ProgramIDFromBase58(ref)
	if perr != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *BoltStore) readProgram(tx *bolt.Tx, id types.ProgramID) (*Program, error) {
	rawRec := tx.Bucket(bucketRecords).Get(id[:])
	if rawRec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec Record
	if err := cbor.Unmarshal(rawRec, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	if rec.OpcodeTableVersion != ebpf.OpcodeTableVersion {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrStale, id, rec.OpcodeTableVersion, ebpf.OpcodeTableVersion)
	}

	compressed := tx.Bucket(bucketImages).Get(id[:])
	if compressed == nil {
		return nil, fmt.Errorf("%w: image for %s", ErrNotFound, id)
	}
	image, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	text, err := loader.FromBytes(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if types.ComputeProgramID(text) != id {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	return &Program{Record: rec, Text: text}, nil
}

// Has reports whether a program is stored.
func (s *BoltStore) Has(id types.ProgramID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get(id[:]) != nil
		return nil
	})
	return found
}

// Delete removes a program and its name binding.
func (s *BoltStore) Delete(id types.ProgramID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		raw := records.Get(id[:])
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var rec Record
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if rec.Name != "" {
			if err := tx.Bucket(bucketNames).Delete([]byte(rec.Name)); err != nil {
				return err
			}
		}
		if err := records.Delete(id[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketImages).Delete(id[:]); err != nil {
			return err
		}
		return putCount(tx, s.count-1)
	})
	if err != nil {
		return err
	}
	s.count--
	return nil
}

// List returns all records ordered by name, unnamed programs last by ID.
func (s *BoltStore) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var recs []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if (a.Name == "") != (b.Name == "") {
			return a.Name != ""
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return string(a.ID[:]) < string(b.ID[:])
	})
	return recs, nil
}

// Count returns the number of stored programs.
func (s *BoltStore) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Close closes the store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeCodecs()
	return s.db.Close()
}

func putCount(tx *bolt.Tx, n uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, n)
	return tx.Bucket(bucketMetadata).Put(keyProgramCount, v)
}

var _ Store = (*BoltStore)(nil)
