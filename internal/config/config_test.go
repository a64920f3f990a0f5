package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[vm]
stack_size = 1024
compute_limit = 200000
writable_context = true

[store]
path = "data/programs.db"

[journal]
enabled = true
path = "/var/lib/bpfvm/journal"

[remote]
endpoint = "helpers.internal:7411"
call_timeout = "750ms"

[rpc]
listen = ":8899"
allowed_origins = ["https://example.com"]

[log]
verbosity = 2
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Default()
	want.VM = VM{StackSize: 1024, ComputeLimit: 200000, WritableContext: true}
	want.Store.Path = "data/programs.db"
	want.Journal = Journal{Enabled: true, Path: "/var/lib/bpfvm/journal"}
	want.Remote.Endpoint = "helpers.internal:7411"
	want.Remote.CallTimeout = 750 * time.Millisecond
	want.RPC.Listen = ":8899"
	want.RPC.AllowedOrigins = []string{"https://example.com"}
	want.Log.Verbosity = 2
	want.Dir = c.Dir
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	if got := c.StoreConfig().Path; got != filepath.Join(dir, "data", "programs.db") {
		t.Errorf("store path = %s", got)
	}
	if got := c.JournalConfig().Path; got != "/var/lib/bpfvm/journal" {
		t.Errorf("journal path = %s", got)
	}
	opts := c.InterpreterOpts(nil)
	if opts.StackSize != 1024 || opts.MaxCU != 200000 || !opts.WritableContext {
		t.Errorf("interpreter opts = %+v", opts)
	}
	rc := c.RemoteConfig()
	if rc.Endpoint != "helpers.internal:7411" || rc.CallTimeout != 750*time.Millisecond {
		t.Errorf("remote config = %+v", rc)
	}
	if err := rc.Validate(); err != nil {
		t.Errorf("remote config invalid: %v", err)
	}
	rpcCfg := c.RPCConfig(nil)
	if rpcCfg.Addr != ":8899" || rpcCfg.VM.MaxCU != 200000 || len(rpcCfg.AllowedOrigins) != 1 {
		t.Errorf("rpc config = %+v", rpcCfg)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "[vm]\nstack = 10\n"},
		{"stack too large", "[vm]\nstack_size = 99999999\n"},
		{"empty store path", "[store]\npath = \"\"\n"},
		{"syntax", "[vm\n"},
		{"zero request size", "[rpc]\nmax_request_size = 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			if _, err := Load(path); err == nil {
				t.Error("Load succeeded")
			}
		})
	}

	_, err := Load(writeConfig(t, t.TempDir(), "[vm]\nstack_size = -1\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("negative stack error = %v, want ErrInvalid", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[vm]\ncompute_limit = 5\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.VM.ComputeLimit != 5 {
		t.Errorf("compute limit = %d, want 5", c.VM.ComputeLimit)
	}
}
