package ebpf

import (
	"errors"
	"testing"
)

// TestComputeMeter tests the compute meter.
func TestComputeMeter(t *testing.T) {
	cm := NewComputeMeter(1000)

	if cm.Remaining() != 1000 {
		t.Errorf("Remaining() = %d, want 1000", cm.Remaining())
	}

	if err := cm.Consume(100); err != nil {
		t.Errorf("Consume(100) failed: %v", err)
	}
	if cm.Remaining() != 900 {
		t.Errorf("Remaining() = %d, want 900", cm.Remaining())
	}

	// Consume remaining
	if err := cm.Consume(900); err != nil {
		t.Errorf("Consume(900) failed: %v", err)
	}
	if cm.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", cm.Remaining())
	}

	// Should fail on next consume
	if err := cm.Consume(1); !errors.Is(err, ErrComputeExceeded) {
		t.Errorf("Consume(1) = %v, want ErrComputeExceeded", err)
	}
}

func TestComputeMeterUnmetered(t *testing.T) {
	cm := NewComputeMeter(0)
	for i := 0; i < 1000; i++ {
		if err := cm.Consume(CostDiv); err != nil {
			t.Fatalf("Consume() on unmetered meter: %v", err)
		}
	}
	if cm.Consumed() != 1000*CostDiv {
		t.Errorf("Consumed() = %d, want %d", cm.Consumed(), 1000*CostDiv)
	}
	if cm.Remaining() != ^uint64(0) {
		t.Errorf("Remaining() = %d, want max", cm.Remaining())
	}
}

func TestInstructionCost(t *testing.T) {
	tests := []struct {
		word uint64
		want uint64
	}{
		{Encode(OpAdd64Imm, 0, 0, 0, 1), CostALU},
		{Encode(OpMul32Imm, 0, 0, 0, 1), CostMul},
		{Encode(OpMod64Reg, 0, 1, 0, 0), CostDiv},
		{Encode(OpLdxw, 0, 1, 0, 0), CostLoad},
		{Encode(OpLddw, 0, 0, 0, 1), CostLddw},
		{Encode(OpStxdw, 10, 1, -8, 0), CostStore},
		{Encode(OpJeqImm, 0, 0, 1, 0), CostJump},
		{Encode(OpCallImm, 0, 0, 0, 0), CostCall},
		{Encode(OpExitImm, 0, 0, 0, 0), CostExit},
	}
	for _, tt := range tests {
		ins, err := Decode(tt.word)
		if err != nil {
			t.Fatalf("Decode(%#x): %v", tt.word, err)
		}
		if got := instructionCost(ins); got != tt.want {
			t.Errorf("instructionCost(%s) = %d, want %d", ins, got, tt.want)
		}
	}
}
