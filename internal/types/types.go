// Package types defines the identifiers shared by the program store, the run
// journal and the command line.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// ProgramIDSize is the size of a program identifier in bytes.
const ProgramIDSize = 32

var (
	// ErrInvalidProgramID is returned when a program ID has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")
)

// ProgramID is the BLAKE3 digest of a program's instruction words.
type ProgramID [ProgramIDSize]byte

// ComputeProgramID hashes the little-endian encoding of text.
func ComputeProgramID(text []uint64) ProgramID {
	h := blake3.New()
	var buf [8]byte
	for _, w := range text {
		binary.LittleEndian.PutUint64(buf[:], w)
		h.Write(buf[:])
	}
	var id ProgramID
	copy(id[:], h.Sum(nil))
	return id
}

// ProgramIDFromBase58 parses a base58-encoded program ID.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	return ProgramIDFromBytes(data)
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Hex returns the hex-encoded representation.
func (id ProgramID) Hex() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true if the ID is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Bytes returns the ID as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RunID is the journal sequence number of a run.
type RunID uint64

// Key returns the big-endian key bytes, which sort in run order.
func (r RunID) Key() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(r))
	return b
}

func (r RunID) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// RunIDFromKey decodes a key produced by Key.
func RunIDFromKey(b []byte) (RunID, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid run id key length %d", len(b))
	}
	return RunID(binary.BigEndian.Uint64(b)), nil
}

// ParseRunID parses a decimal run ID.
func ParseRunID(s string) (RunID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse run id: %w", err)
	}
	return RunID(v), nil
}
