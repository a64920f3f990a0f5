package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

var addProgram = []uint64{
	ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 10), // r0 = 10
	ebpf.Encode(ebpf.OpAdd64Imm, 0, 0, 0, 5),  // r0 += 5
	ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),   // exit
}

func TestRawImage(t *testing.T) {
	img := Image(addProgram)
	if len(img) != 24 {
		t.Fatalf("len(Image()) = %d, want 24", len(img))
	}
	// opcode byte first, little-endian
	if img[0] != ebpf.OpMov64Imm || img[4] != 10 {
		t.Errorf("Image()[:8] = %x", img[:8])
	}

	text, err := FromBytes(img)
	if err != nil {
		t.Fatalf("FromBytes() error: %v", err)
	}
	if diff := cmp.Diff(addProgram, text); diff != "" {
		t.Errorf("FromBytes() mismatch (-want +got):\n%s", diff)
	}

	if _, err := FromBytes(img[:20]); !errors.Is(err, ErrMisaligned) {
		t.Errorf("FromBytes(20 bytes) = %v, want ErrMisaligned", err)
	}
}

func TestHexImage(t *testing.T) {
	src := "# r0 = 10; r0 += 5; exit\n" +
		"b7 00 00 00 0a 00 00 00\n" +
		"0700000005000000 # add\n" +
		"\t9500000000000000\n"

	text, err := FromHex(src)
	if err != nil {
		t.Fatalf("FromHex() error: %v", err)
	}
	if diff := cmp.Diff(addProgram, text); diff != "" {
		t.Errorf("FromHex() mismatch (-want +got):\n%s", diff)
	}

	again, err := FromHex(HexImage(addProgram))
	if err != nil {
		t.Fatalf("FromHex(HexImage()) error: %v", err)
	}
	if diff := cmp.Diff(addProgram, again); diff != "" {
		t.Errorf("HexImage round trip mismatch (-want +got):\n%s", diff)
	}

	if _, err := FromHex("b7 0"); !errors.Is(err, ErrInvalidHex) {
		t.Errorf("FromHex(odd) = %v, want ErrInvalidHex", err)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"elf", []byte("\x7fELF\x02\x01\x01"), FormatELF},
		{"hex", []byte("b700000000000000\n9500000000000000\n"), FormatHex},
		{"hex with comment", []byte("# prog\n95 00 00 00 00 00 00 00"), FormatHex},
		{"raw", Image(addProgram), FormatRaw},
		{"empty", nil, FormatRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.data); got != tt.want {
				t.Errorf("DetectFormat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	exe, err := LoadFromBytes(Image(addProgram))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if exe.Format != FormatRaw {
		t.Errorf("Format = %v, want raw", exe.Format)
	}

	r0, err := exe.NewInterpreter(ebpf.InterpreterOpts{}).Run(0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if r0 != 15 {
		t.Errorf("r0 = %d, want 15", r0)
	}

	hexExe, err := LoadFromBytes([]byte(HexImage(addProgram)))
	if err != nil {
		t.Fatalf("Load(hex) error: %v", err)
	}
	if hexExe.ID() != exe.ID() {
		t.Errorf("hex and raw images have different IDs")
	}

	if _, err := LoadFromBytes(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("Load(nil) = %v, want ErrEmpty", err)
	}
	if _, err := LoadFromBytes([]byte("\x7fELF garbage")); !errors.Is(err, ErrInvalidELF) {
		t.Errorf("Load(bad elf) = %v, want ErrInvalidELF", err)
	}
}

func TestLoadVerify(t *testing.T) {
	truncated := Image([]uint64{ebpf.Encode(ebpf.OpLddw, 0, 0, 0, 1)})

	l := NewLoader()
	if _, err := l.Load(truncated); err != nil {
		t.Fatalf("Load() without Verify error: %v", err)
	}

	l.Verify = true
	if _, err := l.Load(truncated); !errors.Is(err, ebpf.ErrPCOutOfRange) {
		t.Errorf("Load() with Verify = %v, want ErrPCOutOfRange", err)
	}

	bad := Image([]uint64{ebpf.Encode(uint8(ebpf.ClassAlu64)|0xe0, 0, 0, 0, 0)})
	if _, err := l.Load(bad); !errors.Is(err, ebpf.ErrDecode) {
		t.Errorf("Load() with Verify = %v, want ErrDecode", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "add.hex")
	if err := os.WriteFile(path, []byte(HexImage(addProgram)), 0o644); err != nil {
		t.Fatal(err)
	}

	exe, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if exe.Name != "add" {
		t.Errorf("Name = %q, want add", exe.Name)
	}
	if exe.Format != FormatHex {
		t.Errorf("Format = %v, want hex", exe.Format)
	}

	if _, err := NewLoader().LoadFile(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadFile(missing) = %v, want ErrNotExist", err)
	}
}

func TestFromInstructions(t *testing.T) {
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R0, 10),
		asm.Add.Imm(asm.R0, 5),
		asm.LoadImm(asm.R1, 0x1_0000_0000, asm.DWord),
		asm.Add.Reg(asm.R0, asm.R1),
		asm.Return(),
	}
	text, err := FromInstructions(insns)
	if err != nil {
		t.Fatalf("FromInstructions() error: %v", err)
	}
	if len(text) != 6 {
		t.Fatalf("len(text) = %d, want 6 (wide load takes two slots)", len(text))
	}
	if err := Verify(text); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}

	r0, err := ebpf.Run(text, nil, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if r0 != 0x1_0000_000f {
		t.Errorf("r0 = %#x, want 0x10000000f", r0)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatAuto, "RAW": FormatRaw, "bin": FormatRaw, "hex": FormatHex, "elf": FormatELF} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseFormat("wasm"); err == nil {
		t.Error("ParseFormat(\"wasm\") succeeded")
	}
}
