package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/progstore"
)

// Errors.
var (
	ErrMissingProgram = errors.New("journaled program not available")
	ErrMismatch       = errors.New("replay outcome differs from journal")
)

// ProgramSource supplies program text by ID. *progstore.BoltStore
// implements it.
type ProgramSource interface {
	Get(id types.ProgramID) (*progstore.Program, error)
}

// ReplayConfig holds replayer configuration.
type ReplayConfig struct {
	// Helpers is the helper table runs are replayed with.
	Helpers ebpf.HelperTable

	// StopOnMismatch ends ReplayAll at the first mismatch.
	StopOnMismatch bool

	// OnRunComplete is called after each replayed run.
	OnRunComplete func(id types.RunID, mismatch *Mismatch)
}

// DefaultReplayConfig returns the default replay configuration.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{}
}

// Mismatch describes a run whose replay disagreed with the journal.
type Mismatch struct {
	ID       types.RunID
	Program  types.ProgramID
	Field    string
	Journal  string
	Replayed string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("run %s: %s journaled %s, replayed %s", m.ID, m.Field, m.Journal, m.Replayed)
}

func (m *Mismatch) Unwrap() error {
	return ErrMismatch
}

// Report summarizes a ReplayAll pass.
type Report struct {
	Replayed   int
	Skipped    int // runs whose program is no longer stored
	Mismatches []*Mismatch
}

// OK reports whether every replayed run matched.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// Replayer re-executes journaled runs and compares their outcomes.
type Replayer struct {
	journal  *Journal
	programs ProgramSource
	config   ReplayConfig
	log      commonlog.Logger

	// program text by ID, shared across runs of a pass
	cache map[types.ProgramID][]uint64
}

// NewReplayer creates a replayer reading runs from j and programs from
// programs.
func NewReplayer(j *Journal, programs ProgramSource, config ReplayConfig) *Replayer {
	return &Replayer{
		journal:  j,
		programs: programs,
		config:   config,
		log:      commonlog.GetLogger("bpfvm.replay"),
		cache:    make(map[types.ProgramID][]uint64),
	}
}

func (r *Replayer) text(id types.ProgramID) ([]uint64, error) {
	if text, ok := r.cache[id]; ok {
		return text, nil
	}
	prog, err := r.programs.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingProgram, id, err)
	}
	r.cache[id] = prog.Text
	return prog.Text, nil
}

// Replay re-executes one journaled run. It returns a *Mismatch error when
// the outcome differs.
func (r *Replayer) Replay(e *Entry) error {
	text, err := r.text(e.Program)
	if err != nil {
		return err
	}
	ip := ebpf.NewInterpreter(text, e.Options(r.config.Helpers))

	res, runErr := e.Execute(ip)
	got := Entry{ID: e.ID, Program: e.Program}
	got.Record(res, runErr)
	if m := compare(e, &got); m != nil {
		return m
	}
	return nil
}

// compare returns the first field where got differs from want.
func compare(want, got *Entry) *Mismatch {
	mismatch := func(field string, w, g any) *Mismatch {
		return &Mismatch{
			ID:       want.ID,
			Program:  want.Program,
			Field:    field,
			Journal:  fmt.Sprint(w),
			Replayed: fmt.Sprint(g),
		}
	}

	switch {
	case (want.Fault == nil) != (got.Fault == nil):
		return mismatch("outcome", want.Outcome(), got.Outcome())
	case want.Fault != nil && (want.Fault.Kind != got.Fault.Kind || want.Fault.PC != got.Fault.PC):
		return mismatch("fault", want.Outcome(), got.Outcome())
	case want.Error != got.Error:
		return mismatch("error", want.Error, got.Error)
	case want.Value != got.Value:
		return mismatch("value", want.Value, got.Value)
	case want.Reason != got.Reason:
		return mismatch("exit reason", want.Reason, got.Reason)
	case want.Steps != got.Steps:
		return mismatch("steps", want.Steps, got.Steps)
	case want.ComputeUsed != got.ComputeUsed:
		return mismatch("compute used", want.ComputeUsed, got.ComputeUsed)
	}
	return nil
}

// ReplayAll replays every run with ID >= from. Runs whose program is
// missing are counted as skipped.
func (r *Replayer) ReplayAll(ctx context.Context, from types.RunID) (*Report, error) {
	report := &Report{}
	err := r.journal.Iterate(from, func(e *Entry) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		err := r.Replay(e)
		var m *Mismatch
		switch {
		case err == nil:
			report.Replayed++
		case errors.As(err, &m):
			report.Replayed++
			report.Mismatches = append(report.Mismatches, m)
			r.log.Warningf("%v", m)
		case errors.Is(err, ErrMissingProgram):
			report.Skipped++
			r.log.Debugf("skipping run %s: %v", e.ID, err)
			return true, nil
		default:
			return false, err
		}

		if r.config.OnRunComplete != nil {
			r.config.OnRunComplete(e.ID, m)
		}
		if m != nil && r.config.StopOnMismatch {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return report, err
	}
	r.log.Infof("replayed %d runs, %d skipped, %d mismatches", report.Replayed, report.Skipped, len(report.Mismatches))
	return report, nil
}
