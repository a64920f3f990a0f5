package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/progstore"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	j, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

var (
	// mov64 r0, 42; exit
	answerProgram = []uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 42),
		ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),
	}
	// ldxw r0, [r1+0]; exit
	loadProgram = []uint64{
		ebpf.Encode(ebpf.OpLdxw, 0, 1, 0, 0),
		ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),
	}
)

func runEntry(t *testing.T, text []uint64, e *Entry) *Entry {
	t.Helper()
	e.Program = types.ComputeProgramID(text)
	e.StartedAt = time.Unix(1700000000, 0).UTC()
	ip := ebpf.NewInterpreter(text, e.Options(nil))
	res, err := e.Execute(ip)
	e.Record(res, err)
	return e
}

func TestAppendGet(t *testing.T) {
	j := newTestJournal(t)

	e := runEntry(t, answerProgram, &Entry{Context: 7})
	id, err := j.Append(e)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if id != 1 {
		t.Errorf("first run id = %d, want 1", id)
	}
	if j.Len() != 1 {
		t.Errorf("Len = %d, want 1", j.Len())
	}

	got, err := j.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	if got.Value != 42 || !got.Succeeded() {
		t.Errorf("outcome = %s", got.Outcome())
	}

	if _, err := j.Get(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(99) error = %v, want ErrNotFound", err)
	}
}

func TestRecordFault(t *testing.T) {
	e := runEntry(t, loadProgram, &Entry{Context: 0})
	if e.Succeeded() {
		t.Fatal("load from address 0 succeeded")
	}
	if e.Fault.Kind != ebpf.FaultOutOfBounds {
		t.Errorf("fault kind = %s, want %s", e.Fault.Kind, ebpf.FaultOutOfBounds)
	}
	if e.Fault.PC != 0 || e.Fault.Opcode != ebpf.OpLdxw {
		t.Errorf("fault at pc %d opcode %#x", e.Fault.PC, e.Fault.Opcode)
	}

	// The same program reads the context buffer when one is mapped.
	ok := runEntry(t, loadProgram, &Entry{Data: []byte{1, 2, 0, 0}})
	if !ok.Succeeded() || ok.Value != 0x0201 {
		t.Errorf("outcome with data = %s", ok.Outcome())
	}
}

func TestIterateAndLast(t *testing.T) {
	j := newTestJournal(t)

	for i := 0; i < 5; i++ {
		if _, err := j.Append(runEntry(t, answerProgram, &Entry{Context: uint64(i)})); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := j.Append(runEntry(t, loadProgram, &Entry{})); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var seen []types.RunID
	err := j.Iterate(3, func(e *Entry) (bool, error) {
		seen = append(seen, e.ID)
		return true, nil
	})
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if diff := cmp.Diff([]types.RunID{3, 4, 5, 6}, seen); diff != "" {
		t.Errorf("Iterate ids (-want +got):\n%s", diff)
	}

	seen = nil
	j.Iterate(0, func(e *Entry) (bool, error) {
		seen = append(seen, e.ID)
		return len(seen) < 2, nil
	})
	if len(seen) != 2 {
		t.Errorf("early stop visited %d runs, want 2", len(seen))
	}

	last, err := j.Last(2)
	if err != nil {
		t.Fatalf("Last failed: %v", err)
	}
	if len(last) != 2 || last[0].ID != 6 || last[1].ID != 5 {
		t.Errorf("Last(2) returned %d entries", len(last))
	}

	ids, err := j.ByProgram(types.ComputeProgramID(answerProgram))
	if err != nil {
		t.Fatalf("ByProgram failed: %v", err)
	}
	if diff := cmp.Diff([]types.RunID{1, 2, 3, 4, 5}, ids); diff != "" {
		t.Errorf("ByProgram ids (-want +got):\n%s", diff)
	}
}

func TestReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := j.Append(runEntry(t, answerProgram, &Entry{})); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := j.Append(&Entry{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after close error = %v, want ErrClosed", err)
	}

	j, err = Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j.Close()
	if j.Len() != 3 {
		t.Errorf("Len after reopen = %d, want 3", j.Len())
	}
	id, err := j.Append(runEntry(t, answerProgram, &Entry{}))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if id != 4 {
		t.Errorf("run id after reopen = %d, want 4", id)
	}
}

func TestReplay(t *testing.T) {
	j := newTestJournal(t)
	store, err := progstore.Open(progstore.DefaultConfig(filepath.Join(t.TempDir(), "programs.db")))
	if err != nil {
		t.Fatalf("progstore.Open failed: %v", err)
	}
	defer store.Close()
	if _, err := store.Put("answer", answerProgram); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Put("load", loadProgram); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entries := []*Entry{
		runEntry(t, answerProgram, &Entry{}),
		runEntry(t, loadProgram, &Entry{}),
		runEntry(t, loadProgram, &Entry{Data: []byte{9, 0, 0, 0}}),
	}
	tampered := runEntry(t, answerProgram, &Entry{})
	tampered.Value = 41
	entries = append(entries, tampered)
	// Program that was never stored.
	orphan := runEntry(t, []uint64{ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0)}, &Entry{})
	entries = append(entries, orphan)

	for _, e := range entries {
		if _, err := j.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	var completed int
	r := NewReplayer(j, store, ReplayConfig{
		OnRunComplete: func(types.RunID, *Mismatch) { completed++ },
	})
	report, err := r.ReplayAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if report.Replayed != 4 || report.Skipped != 1 {
		t.Errorf("replayed %d skipped %d, want 4 and 1", report.Replayed, report.Skipped)
	}
	if completed != 4 {
		t.Errorf("OnRunComplete called %d times, want 4", completed)
	}
	if report.OK() || len(report.Mismatches) != 1 {
		t.Fatalf("mismatches = %v", report.Mismatches)
	}
	m := report.Mismatches[0]
	if m.ID != 4 || m.Field != "value" || m.Journal != "41" || m.Replayed != "42" {
		t.Errorf("mismatch = %+v", m)
	}
	if !errors.Is(m, ErrMismatch) {
		t.Error("mismatch does not wrap ErrMismatch")
	}

	r = NewReplayer(j, store, ReplayConfig{StopOnMismatch: true})
	report, err = r.ReplayAll(context.Background(), 4)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if report.Replayed != 1 || len(report.Mismatches) != 1 {
		t.Errorf("StopOnMismatch replayed %d runs", report.Replayed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReplayAll(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("ReplayAll with cancelled context error = %v", err)
	}
}

func TestEmptyContextBuffer(t *testing.T) {
	j := newTestJournal(t)

	// mov64 r0, r1; exit
	ctxProgram := []uint64{
		ebpf.Encode(ebpf.OpMov64Reg, 0, 1, 0, 0),
		ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),
	}
	e := runEntry(t, ctxProgram, &Entry{Data: []byte{}})
	if e.Value != ebpf.VaddrContext {
		t.Fatalf("r0 = %#x, want %#x", e.Value, ebpf.VaddrContext)
	}
	id, err := j.Append(e)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := j.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Data == nil {
		t.Fatal("empty context buffer reloaded as nil")
	}
	res, err := got.Execute(ebpf.NewInterpreter(ctxProgram, got.Options(nil)))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Value != ebpf.VaddrContext {
		t.Errorf("replayed r0 = %#x, want %#x", res.Value, ebpf.VaddrContext)
	}

	// Without a buffer, r1 is the context value.
	none, err := j.Append(runEntry(t, ctxProgram, &Entry{Context: 5}))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got, err = j.Get(none); err != nil || got.Data != nil || got.Value != 5 {
		t.Errorf("Get(%s) = %+v, %v", none, got, err)
	}

	store, err := progstore.Open(progstore.DefaultConfig(filepath.Join(t.TempDir(), "programs.db")))
	if err != nil {
		t.Fatalf("progstore.Open failed: %v", err)
	}
	defer store.Close()
	if _, err := store.Put("ctx", ctxProgram); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	report, err := NewReplayer(j, store, DefaultReplayConfig()).ReplayAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if !report.OK() || report.Replayed != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestSyncAndGC(t *testing.T) {
	j, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "journal")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := j.Append(runEntry(t, answerProgram, &Entry{Data: make([]byte, 4096)})); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := j.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, err := j.RunGC(); err != nil {
		t.Fatalf("RunGC failed: %v", err)
	}
	if j.Len() != 10 {
		t.Errorf("Len after GC = %d, want 10", j.Len())
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := j.Sync(); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync after close error = %v, want ErrClosed", err)
	}
	if _, err := j.RunGC(); !errors.Is(err, ErrClosed) {
		t.Errorf("RunGC after close error = %v, want ErrClosed", err)
	}
}
