// Package loader reads eBPF programs from raw images, hex dumps and ELF
// objects and turns them into instruction words for the interpreter.
//
// Three input formats are understood:
// - raw: little-endian instruction words, 8 bytes each
// - hex: the raw image written as hex digits; whitespace and '#' comments
//   are ignored, so `xxd -p` output loads as is
// - ELF: a BPF object file as produced by clang -target bpf
package loader

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cilium "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Loader errors.
var (
	ErrInvalidELF        = errors.New("invalid ELF file")
	ErrUnsupportedEndian = errors.New("unsupported endianness (expected little-endian)")
	ErrNoProgram         = errors.New("no program found")
	ErrAmbiguousProgram  = errors.New("several programs found; name one")
	ErrMisaligned        = errors.New("image size is not a multiple of 8")
	ErrInvalidHex        = errors.New("invalid hex image")
	ErrTooLarge          = errors.New("program too large")
	ErrEmpty             = errors.New("empty program")
)

// Maximum sizes.
const (
	MaxFileSize     = 10 * 1024 * 1024 // 10 MB max input
	MaxInstructions = 1000000          // Max number of instruction slots
)

// Format identifies an input encoding.
type Format int

const (
	FormatAuto Format = iota
	FormatRaw
	FormatHex
	FormatELF
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatHex:
		return "hex"
	case FormatELF:
		return "elf"
	}
	return "auto"
}

// ParseFormat parses a format name as accepted on the command line.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "raw", "bin":
		return FormatRaw, nil
	case "hex":
		return FormatHex, nil
	case "elf", "o":
		return FormatELF, nil
	}
	return FormatAuto, fmt.Errorf("unknown program format %q", s)
}

// Executable is a loaded program ready for execution.
type Executable struct {
	// Name is the ELF program name or the file base name.
	Name string

	// Text contains the program instructions.
	Text []uint64

	// Format is the encoding the program was read from.
	Format Format
}

// ID returns the content address of the program.
func (e *Executable) ID() types.ProgramID {
	return types.ComputeProgramID(e.Text)
}

// Image returns the raw little-endian image of the program.
func (e *Executable) Image() []byte {
	return Image(e.Text)
}

// NewInterpreter creates an interpreter for the program.
func (e *Executable) NewInterpreter(opts ebpf.InterpreterOpts) *ebpf.Interpreter {
	return ebpf.NewInterpreter(e.Text, opts)
}

// Loader loads programs.
type Loader struct {
	// Format forces an input encoding; FormatAuto detects it.
	Format Format

	// Program selects an ELF program by function or section name.
	Program string

	// Verify decodes every slot after loading and rejects programs that
	// contain undecodable words.
	Verify bool
}

// NewLoader creates a loader with format detection.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile reads and loads a program file.
func (l *Loader) LoadFile(path string) (*Executable, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	exe, err := l.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if exe.Name == "" {
		exe.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return exe, nil
}

// Load parses data and returns an executable.
func (l *Loader) Load(data []byte) (*Executable, error) {
	if len(data) > MaxFileSize {
		return nil, ErrTooLarge
	}

	format := l.Format
	if format == FormatAuto {
		format = DetectFormat(data)
	}

	exe := &Executable{Format: format}
	var err error
	switch format {
	case FormatELF:
		exe.Name, exe.Text, err = fromELF(data, l.Program)
	case FormatHex:
		exe.Text, err = FromHex(string(data))
	default:
		exe.Text, err = FromBytes(data)
	}
	if err != nil {
		return nil, err
	}

	if len(exe.Text) == 0 {
		return nil, ErrEmpty
	}
	if len(exe.Text) > MaxInstructions {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLarge, len(exe.Text))
	}
	if l.Verify {
		if err := Verify(exe.Text); err != nil {
			return nil, err
		}
	}
	return exe, nil
}

// DetectFormat guesses the encoding of data.
func DetectFormat(data []byte) Format {
	if bytes.HasPrefix(data, elfMagic) {
		return FormatELF
	}
	if len(bytes.TrimSpace(data)) > 0 && isHexText(data) {
		return FormatHex
	}
	return FormatRaw
}

func isHexText(data []byte) bool {
	comment := false
	for _, c := range data {
		switch {
		case c == '\n':
			comment = false
		case comment:
		case c == '#':
			comment = true
		case c == ' ' || c == '\t' || c == '\r':
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// FromBytes splits a raw little-endian image into instruction words.
func FromBytes(data []byte) ([]uint64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisaligned, len(data))
	}

	numInstructions := len(data) / 8
	if numInstructions > MaxInstructions {
		return nil, fmt.Errorf("%w: too many instructions", ErrTooLarge)
	}

	text := make([]uint64, numInstructions)
	for i := 0; i < numInstructions; i++ {
		text[i] = binary.LittleEndian.Uint64(data[i*8 : (i+1)*8])
	}
	return text, nil
}

// FromHex decodes a hex image.
func FromHex(s string) ([]uint64, error) {
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		sb.WriteString(strings.Join(strings.Fields(line), ""))
	}
	raw, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return FromBytes(raw)
}

// Image encodes text as a raw little-endian image.
func Image(text []uint64) []byte {
	data := make([]byte, len(text)*8)
	for i, w := range text {
		binary.LittleEndian.PutUint64(data[i*8:], w)
	}
	return data
}

// HexImage encodes text as a hex image with one instruction per line.
func HexImage(text []uint64) string {
	var sb strings.Builder
	var buf [8]byte
	for _, w := range text {
		binary.LittleEndian.PutUint64(buf[:], w)
		sb.WriteString(hex.EncodeToString(buf[:]))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FromInstructions assembles instructions built with the cilium/ebpf asm
// package.
func FromInstructions(insns asm.Instructions) ([]uint64, error) {
	var buf bytes.Buffer
	if err := insns.Marshal(&buf, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("marshal instructions: %w", err)
	}
	return FromBytes(buf.Bytes())
}

func fromELF(data []byte, name string) (string, []uint64, error) {
	spec, err := cilium.LoadCollectionSpecFromReader(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}
	if spec.ByteOrder != nil && spec.ByteOrder != binary.LittleEndian {
		return "", nil, ErrUnsupportedEndian
	}

	prog, err := selectProgram(spec.Programs, name)
	if err != nil {
		return "", nil, err
	}
	text, err := FromInstructions(prog.Instructions)
	if err != nil {
		return "", nil, fmt.Errorf("program %s: %w", prog.Name, err)
	}
	return prog.Name, text, nil
}

func selectProgram(progs map[string]*cilium.ProgramSpec, name string) (*cilium.ProgramSpec, error) {
	if name != "" {
		if p, ok := progs[name]; ok {
			return p, nil
		}
		for _, p := range progs {
			if p.SectionName == name {
				return p, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrNoProgram, name)
	}

	switch len(progs) {
	case 0:
		return nil, ErrNoProgram
	case 1:
		for _, p := range progs {
			return p, nil
		}
	}
	names := make([]string, 0, len(progs))
	for n := range progs {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("%w: %s", ErrAmbiguousProgram, strings.Join(names, ", "))
}

// Verify decodes every slot of text and reports the first malformed one.
func Verify(text []uint64) error {
	for pc := 0; pc < len(text); {
		_, n, err := ebpf.Fetch(text, pc)
		if err != nil {
			return fmt.Errorf("slot %d: %w", pc, err)
		}
		pc += n
	}
	return nil
}

// LoadFromBytes is a convenience function to load a program from bytes.
func LoadFromBytes(data []byte) (*Executable, error) {
	return NewLoader().Load(data)
}
