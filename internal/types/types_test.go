package types

import (
	"errors"
	"testing"
)

func TestProgramID(t *testing.T) {
	a := ComputeProgramID([]uint64{0x95})
	b := ComputeProgramID([]uint64{0x95})
	c := ComputeProgramID([]uint64{0xb7, 0x95})

	if a != b {
		t.Error("same text produced different IDs")
	}
	if a == c {
		t.Error("different text produced the same ID")
	}
	if a.IsZero() {
		t.Error("computed ID is zero")
	}

	parsed, err := ProgramIDFromBase58(a.String())
	if err != nil {
		t.Fatalf("ProgramIDFromBase58() error: %v", err)
	}
	if parsed != a {
		t.Errorf("ProgramIDFromBase58(String()) = %s, want %s", parsed, a)
	}

	text, err := a.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}
	var u ProgramID
	if err := u.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}
	if u != a {
		t.Errorf("UnmarshalText() = %s, want %s", u, a)
	}

	if _, err := ProgramIDFromBytes([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidProgramID) {
		t.Errorf("ProgramIDFromBytes(short) = %v, want ErrInvalidProgramID", err)
	}
	if _, err := ProgramIDFromBase58("0OIl"); err == nil {
		t.Error("ProgramIDFromBase58() accepted invalid alphabet")
	}
}

func TestRunID(t *testing.T) {
	ids := []RunID{0, 1, 255, 256, 1 << 40}
	for i, id := range ids {
		got, err := RunIDFromKey(id.Key())
		if err != nil || got != id {
			t.Errorf("RunIDFromKey(%d.Key()) = %d, %v", id, got, err)
		}
		if i > 0 && string(ids[i-1].Key()) >= string(id.Key()) {
			t.Errorf("key of %d does not sort after key of %d", id, ids[i-1])
		}
	}

	if id, err := ParseRunID("42"); err != nil || id != 42 {
		t.Errorf("ParseRunID(\"42\") = %d, %v", id, err)
	}
	if _, err := ParseRunID("x"); err == nil {
		t.Error("ParseRunID(\"x\") succeeded")
	}
}
