package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/journal"
	"github.com/fortiblox/bpfvm/pkg/loader"
	"github.com/fortiblox/bpfvm/pkg/progstore"
)

var (
	// mov64 r0, 42; exit
	answerProgram = []uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 42),
		ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),
	}
	// ldxb r0, [r1+0]; exit
	firstByteProgram = []uint64{
		ebpf.Encode(ebpf.OpLdxb, 0, 1, 0, 0),
		ebpf.Encode(ebpf.OpExitImm, 0, 0, 0, 0),
	}
)

func newTestServer(t *testing.T, withJournal bool) (*Server, *progstore.BoltStore) {
	t.Helper()
	store, err := progstore.Open(progstore.DefaultConfig(filepath.Join(t.TempDir(), "programs.db")))
	if err != nil {
		t.Fatalf("progstore.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var j *journal.Journal
	if withJournal {
		cfg := journal.DefaultConfig("")
		cfg.InMemory = true
		j, err = journal.Open(cfg)
		if err != nil {
			t.Fatalf("journal.Open failed: %v", err)
		}
		t.Cleanup(func() { j.Close() })
	}

	config := DefaultConfig()
	config.Addr = ":0" // Random port for testing
	config.Version = "test"
	config.VM.MaxCU = 1000
	return New(config, store, j), store
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	return &resp
}

// decodeResult re-decodes a generic result into v.
func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("Failed to marshal result: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
}

func TestGetHealth(t *testing.T) {
	server, _ := newTestServer(t, false)

	resp := makeRPCRequest(t, server, "getHealth", nil)
	var result string
	decodeResult(t, resp, &result)
	if result != "ok" {
		t.Errorf("Expected 'ok', got: %s", result)
	}
}

func TestGetVersion(t *testing.T) {
	server, _ := newTestServer(t, false)

	var v Version
	decodeResult(t, makeRPCRequest(t, server, "getVersion", nil), &v)
	if diff := cmp.Diff(Version{BPFVM: "test", OpcodeTableVersion: ebpf.OpcodeTableVersion}, v); diff != "" {
		t.Errorf("version mismatch (-want +got):\n%s", diff)
	}
}

func TestProgramMethods(t *testing.T) {
	server, store := newTestServer(t, false)

	for _, enc := range []Encoding{EncodingHex, EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		image, err := EncodeData(loader.Image(answerProgram), enc)
		if err != nil {
			t.Fatalf("EncodeData(%s) failed: %v", enc, err)
		}
		var id string
		decodeResult(t, makeRPCRequest(t, server, "putProgram", []interface{}{"answer", image}), &id)
		if n := store.Count(); n != 1 {
			t.Errorf("%s: store holds %d programs, want 1", enc, n)
		}
		if id == "" {
			t.Fatalf("%s: empty id", enc)
		}
	}

	var info ProgramInfo
	decodeResult(t, makeRPCRequest(t, server, "getProgram", []interface{}{"answer", ImageConfig{WithImage: true, Encoding: EncodingHex}}), &info)
	if info.Name != "answer" || info.Instructions != 2 {
		t.Errorf("getProgram = %+v", info)
	}
	if len(info.Image) != 2 || info.Image[1] != "hex" || info.Image[0] != hex.EncodeToString(loader.Image(answerProgram)) {
		t.Errorf("image = %v", info.Image)
	}

	var listing []string
	decodeResult(t, makeRPCRequest(t, server, "disassemble", []interface{}{info.ID}), &listing)
	if len(listing) != 2 {
		t.Errorf("listing = %q", listing)
	}

	var infos []ProgramInfo
	decodeResult(t, makeRPCRequest(t, server, "listPrograms", nil), &infos)
	if len(infos) != 1 || infos[0].ID != info.ID {
		t.Errorf("listPrograms = %+v", infos)
	}

	var deleted bool
	decodeResult(t, makeRPCRequest(t, server, "deleteProgram", []interface{}{"answer"}), &deleted)
	if !deleted || store.Count() != 0 {
		t.Errorf("deleteProgram left %d programs", store.Count())
	}

	resp := makeRPCRequest(t, server, "getProgram", []interface{}{"answer"})
	if resp.Error == nil || resp.Error.Code != ProgramNotFound {
		t.Errorf("getProgram after delete error = %v", resp.Error)
	}
}

func TestPutProgramInvalid(t *testing.T) {
	server, _ := newTestServer(t, false)

	tests := []struct {
		name   string
		params interface{}
		code   int
	}{
		{"missing image", []interface{}{"x"}, InvalidParams},
		{"bad encoding", []interface{}{"x", []string{"zz", "hex"}}, InvalidParams},
		{"misaligned", []interface{}{"x", []string{"0102", "hex"}}, InvalidProgram},
		{"not an array", map[string]string{"name": "x"}, InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := makeRPCRequest(t, server, "putProgram", tt.params)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %v, want code %d", resp.Error, tt.code)
			}
		})
	}
}

func TestRunProgram(t *testing.T) {
	server, store := newTestServer(t, true)
	if _, err := store.Put("answer", answerProgram); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Put("first", firstByteProgram); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var run RunInfo
	decodeResult(t, makeRPCRequest(t, server, "runProgram", []interface{}{"answer", RunConfig{Record: true}}), &run)
	if run.Value != 42 || run.ExitReason != "exit" || run.RunID != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.ComputeUsed != ebpf.CostALU+ebpf.CostExit {
		t.Errorf("compute used = %d", run.ComputeUsed)
	}

	var withData RunInfo
	decodeResult(t, makeRPCRequest(t, server, "runProgram", []interface{}{"first", RunConfig{Data: "7f00", Encoding: EncodingHex}}), &withData)
	if withData.Value != 0x7f || withData.RunID != 0 {
		t.Errorf("run with data = %+v", withData)
	}

	var faulted RunInfo
	decodeResult(t, makeRPCRequest(t, server, "runProgram", []interface{}{"first", RunConfig{Record: true}}), &faulted)
	if faulted.Fault == nil || faulted.Fault.Kind != ebpf.FaultOutOfBounds.String() || faulted.ExitReason != "" {
		t.Errorf("faulting run = %+v", faulted)
	}

	resp := makeRPCRequest(t, server, "runProgram", []interface{}{"answer", map[string]uint64{"maxComputeUnits": 5000}})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("over-limit compute request error = %v", resp.Error)
	}

	var count uint64
	decodeResult(t, makeRPCRequest(t, server, "getRunCount", nil), &count)
	if count != 2 {
		t.Errorf("getRunCount = %d, want 2", count)
	}

	var first RunInfo
	decodeResult(t, makeRPCRequest(t, server, "getRun", []interface{}{1}), &first)
	if first.Value != 42 || first.RunID != 1 || first.Program != run.Program {
		t.Errorf("getRun(1) = %+v", first)
	}

	var recent []RunInfo
	decodeResult(t, makeRPCRequest(t, server, "getRecentRuns", []interface{}{10}), &recent)
	if len(recent) != 2 || recent[0].RunID != 2 || recent[0].Fault == nil {
		t.Errorf("getRecentRuns = %+v", recent)
	}

	resp = makeRPCRequest(t, server, "getRun", []interface{}{99})
	if resp.Error == nil || resp.Error.Code != RunNotFound {
		t.Errorf("getRun(99) error = %v", resp.Error)
	}
}

func TestJournalDisabled(t *testing.T) {
	server, store := newTestServer(t, false)
	if _, err := store.Put("answer", answerProgram); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for _, method := range []string{"getRun", "getRecentRuns", "getRunCount"} {
		resp := makeRPCRequest(t, server, method, []interface{}{1})
		if resp.Error == nil || resp.Error.Code != JournalDisabled {
			t.Errorf("%s error = %v, want JournalDisabled", method, resp.Error)
		}
	}
	resp := makeRPCRequest(t, server, "runProgram", []interface{}{"answer", RunConfig{Record: true}})
	if resp.Error == nil || resp.Error.Code != JournalDisabled {
		t.Errorf("recorded run error = %v, want JournalDisabled", resp.Error)
	}
}

func TestProtocolErrors(t *testing.T) {
	server, _ := newTestServer(t, false)

	resp := makeRPCRequest(t, server, "noSuchMethod", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("unknown method error = %v", resp.Error)
	}

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		return rr
	}

	var single Response
	if err := json.Unmarshal(post("{not json").Body.Bytes(), &single); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if single.Error == nil || single.Error.Code != ParseError {
		t.Errorf("parse error response = %+v", single)
	}

	var batch []Response
	rr := post(`[{"jsonrpc":"2.0","id":1,"method":"getHealth"},{"jsonrpc":"1.0","id":2,"method":"getHealth"}]`)
	if err := json.Unmarshal(rr.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch) != 2 || batch[0].Result != "ok" || batch[1].Error == nil || batch[1].Error.Code != InvalidRequest {
		t.Errorf("batch = %+v", batch)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rr.Code)
	}
}
