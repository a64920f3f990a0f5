package ebpf

// Instruction costs in compute units.
const (
	CostALU   = uint64(1)  // Simple ALU operations
	CostMul   = uint64(4)  // Multiplication
	CostDiv   = uint64(12) // Division/modulo
	CostLoad  = uint64(2)  // Memory load
	CostStore = uint64(2)  // Memory store
	CostLddw  = uint64(2)  // 64-bit immediate load
	CostJump  = uint64(1)  // Jump instructions
	CostCall  = uint64(5)  // Helper calls
	CostExit  = uint64(1)  // Exit
)

// instructionCost returns the compute cost of a decoded instruction.
func instructionCost(ins Instruction) uint64 {
	switch ins.Class {
	case ClassAlu, ClassAlu64:
		switch ins.Op {
		case OpMul:
			return CostMul
		case OpDiv, OpMod:
			return CostDiv
		default:
			return CostALU
		}

	case ClassLd, ClassLdx:
		if ins.IsWide() {
			return CostLddw
		}
		return CostLoad

	case ClassSt, ClassStx:
		return CostStore

	default:
		switch ins.Op {
		case OpCall:
			return CostCall
		case OpExit:
			return CostExit
		default:
			return CostJump
		}
	}
}

// ComputeMeter tracks compute unit consumption for one run. It is not safe
// for concurrent use; every run owns its meter.
type ComputeMeter struct {
	remaining uint64
	limit     uint64
	consumed  uint64
	disabled  bool
}

// NewComputeMeter creates a compute meter. A zero limit disables metering;
// consumption is still counted.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
		disabled:  limit == 0,
	}
}

// Consume charges cost units. Once the budget is exhausted the meter stays
// at zero and every further charge fails.
func (cm *ComputeMeter) Consume(cost uint64) error {
	cm.consumed += cost
	if cm.disabled {
		return nil
	}
	if cm.remaining < cost {
		cm.remaining = 0
		return ErrComputeExceeded
	}
	cm.remaining -= cost
	return nil
}

// Remaining returns remaining compute units, or the maximum value when
// metering is disabled.
func (cm *ComputeMeter) Remaining() uint64 {
	if cm.disabled {
		return ^uint64(0)
	}
	return cm.remaining
}

// Consumed returns units charged so far.
func (cm *ComputeMeter) Consumed() uint64 {
	return cm.consumed
}

// Limit returns the configured budget, zero meaning unmetered.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}
