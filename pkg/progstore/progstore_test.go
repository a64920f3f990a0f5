package progstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

var (
	progA = []uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),
	}
	progB = []uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 2),
		ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),
	}
)

func openTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "programs.db")
	store, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("failed to open program store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestPutGet(t *testing.T) {
	store, _ := openTestStore(t)

	id, err := store.Put("one", progA)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if id != types.ComputeProgramID(progA) {
		t.Errorf("Put() id = %s, want content hash", id)
	}

	prog, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if diff := cmp.Diff(progA, prog.Text); diff != "" {
		t.Errorf("Get() text mismatch (-want +got):\n%s", diff)
	}
	if prog.Name != "one" || prog.Instructions != 2 || prog.ImageSize != 16 {
		t.Errorf("record = %+v", prog.Record)
	}
	if prog.OpcodeTableVersion != ebpf.OpcodeTableVersion {
		t.Errorf("OpcodeTableVersion = %d, want %d", prog.OpcodeTableVersion, ebpf.OpcodeTableVersion)
	}

	byName, err := store.GetByName("one")
	if err != nil {
		t.Fatalf("GetByName() error: %v", err)
	}
	if byName.ID != id {
		t.Errorf("GetByName() id = %s, want %s", byName.ID, id)
	}

	for _, ref := range []string{"one", id.String()} {
		if p, err := store.Resolve(ref); err != nil || p.ID != id {
			t.Errorf("Resolve(%q) = %v, %v", ref, p, err)
		}
	}
	if _, err := store.Resolve("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(unknown) = %v, want ErrNotFound", err)
	}

	if !store.Has(id) {
		t.Error("Has() = false after Put")
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestPutIdempotent(t *testing.T) {
	store, _ := openTestStore(t)

	id1, err := store.Put("a", progA)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	id2, err := store.Put("", progA)
	if err != nil {
		t.Fatalf("Put() again error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %s vs %s", id1, id2)
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
	prog, err := store.Get(id1)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if prog.Name != "a" {
		t.Errorf("Name = %q, want name kept from first Put", prog.Name)
	}

	// Renaming drops the old binding.
	if _, err := store.Put("renamed", progA); err != nil {
		t.Fatalf("Put() rename error: %v", err)
	}
	if _, err := store.GetByName("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName(old) = %v, want ErrNotFound", err)
	}

	if _, err := store.Put("renamed", progB); !errors.Is(err, ErrNameTaken) {
		t.Errorf("Put() with taken name = %v, want ErrNameTaken", err)
	}
	if _, err := store.Put("x", nil); err == nil {
		t.Error("Put(empty) succeeded")
	}
}

func TestDeleteAndList(t *testing.T) {
	store, _ := openTestStore(t)

	idA, _ := store.Put("zeta", progA)
	idB, _ := store.Put("alpha", progB)

	recs, err := store.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(recs) != 2 || recs[0].Name != "alpha" || recs[1].Name != "zeta" {
		t.Errorf("List() = %+v, want alpha then zeta", recs)
	}

	if err := store.Delete(idA); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if store.Has(idA) {
		t.Error("Has() = true after Delete")
	}
	if _, err := store.GetByName("zeta"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName(deleted) = %v, want ErrNotFound", err)
	}
	if err := store.Delete(idA); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() twice = %v, want ErrNotFound", err)
	}
	if store.Count() != 1 || !store.Has(idB) {
		t.Errorf("Count() = %d after delete, want 1", store.Count())
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.db")
	store, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	id, err := store.Put("keep", progA)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := store.Get(id); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close = %v, want ErrClosed", err)
	}

	cfg := DefaultConfig(path)
	cfg.ReadOnly = true
	ro, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open(read-only) error: %v", err)
	}
	defer ro.Close()
	if ro.Count() != 1 {
		t.Errorf("Count() after reopen = %d, want 1", ro.Count())
	}
	if _, err := ro.Get(id); err != nil {
		t.Errorf("Get() after reopen error: %v", err)
	}
}

func TestCorruptImage(t *testing.T) {
	store, _ := openTestStore(t)
	id, _ := store.Put("", progA)

	// Swap in the image of another program under the same key.
	other := store.enc.EncodeAll(make([]byte, 16), nil)
	err := store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put(id[:], other)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(id); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get() = %v, want ErrCorrupt", err)
	}
}

func TestStaleImage(t *testing.T) {
	store, _ := openTestStore(t)
	id, _ := store.Put("", progA)

	rec := Record{ID: id, Instructions: 2, OpcodeTableVersion: ebpf.OpcodeTableVersion + 1}
	data, err := cborEncMode.Marshal(&rec)
	if err != nil {
		t.Fatal(err)
	}
	err = store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(id[:], data)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(id); !errors.Is(err, ErrStale) {
		t.Errorf("Get() = %v, want ErrStale", err)
	}
}
