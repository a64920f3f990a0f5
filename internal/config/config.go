// Package config handles bpfvm.toml host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/journal"
	"github.com/fortiblox/bpfvm/pkg/progstore"
	"github.com/fortiblox/bpfvm/pkg/remote"
	"github.com/fortiblox/bpfvm/pkg/rpc"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "bpfvm.toml"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config represents a bpfvm.toml file.
type Config struct {
	VM      VM      `toml:"vm"`
	Store   Store   `toml:"store"`
	Journal Journal `toml:"journal"`
	Remote  Remote  `toml:"remote"`
	RPC     RPC     `toml:"rpc"`
	Log     Log     `toml:"log"`

	// Dir is the directory relative paths are resolved against (set at
	// load time).
	Dir string `toml:"-"`
}

// VM configures the interpreter.
type VM struct {
	StackSize       int    `toml:"stack_size"`
	ComputeLimit    uint64 `toml:"compute_limit"` // 0 = unmetered
	WritableContext bool   `toml:"writable_context"`
}

// Store configures the program store.
type Store struct {
	Path   string `toml:"path"`
	NoSync bool   `toml:"no_sync"`
}

// Journal configures the run journal.
type Journal struct {
	Enabled    bool   `toml:"enabled"`
	Path       string `toml:"path"`
	InMemory   bool   `toml:"in_memory"`
	SyncWrites bool   `toml:"sync_writes"`
}

// Remote configures the helper server and client.
type Remote struct {
	Listen         string        `toml:"listen"`
	Endpoint       string        `toml:"endpoint"`
	Token          string        `toml:"token"`
	CallTimeout    time.Duration `toml:"call_timeout"`
	MaxMessageSize int           `toml:"max_message_size"`
}

// RPC configures the JSON-RPC API.
type RPC struct {
	Listen         string   `toml:"listen"`
	MaxRequestSize int64    `toml:"max_request_size"`
	EnableCORS     bool     `toml:"enable_cors"`
	AllowedOrigins []string `toml:"allowed_origins"`
	LogRequests    bool     `toml:"log_requests"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		VM: VM{
			StackSize: ebpf.DefaultStackSize,
		},
		Store: Store{
			Path: "programs.db",
		},
		Journal: Journal{
			Path: "journal",
		},
		Remote: Remote{
			Listen:         "127.0.0.1:7411",
			CallTimeout:    remote.DefaultCallTimeout,
			MaxMessageSize: remote.DefaultMaxMessageSize,
		},
		RPC: RPC{
			Listen:         "127.0.0.1:7412",
			MaxRequestSize: 16 * 1024 * 1024,
		},
		Log: Log{
			Verbosity: 1,
		},
		Dir: ".",
	}
}

// Load parses the file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undecoded[0], path)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a bpfvm.toml file. It returns
// the defaults when none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.VM.StackSize < 0 || c.VM.StackSize > ebpf.MaxStackSize {
		return fmt.Errorf("%w: vm.stack_size must be between 0 and %d", ErrInvalid, ebpf.MaxStackSize)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalid)
	}
	if c.Journal.Enabled && !c.Journal.InMemory && c.Journal.Path == "" {
		return fmt.Errorf("%w: journal.path is required", ErrInvalid)
	}
	if c.Remote.CallTimeout < 0 {
		return fmt.Errorf("%w: remote.call_timeout cannot be negative", ErrInvalid)
	}
	if c.Remote.MaxMessageSize < 0 {
		return fmt.Errorf("%w: remote.max_message_size cannot be negative", ErrInvalid)
	}
	if c.RPC.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: rpc.max_request_size must be positive", ErrInvalid)
	}
	return nil
}

// Resolve returns path relative to the configuration directory.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// InterpreterOpts returns interpreter options for the [vm] section.
func (c *Config) InterpreterOpts(helpers ebpf.HelperTable) ebpf.InterpreterOpts {
	return ebpf.InterpreterOpts{
		Helpers:         helpers,
		StackSize:       c.VM.StackSize,
		MaxCU:           c.VM.ComputeLimit,
		WritableContext: c.VM.WritableContext,
	}
}

// StoreConfig returns the program store configuration.
func (c *Config) StoreConfig() progstore.Config {
	cfg := progstore.DefaultConfig(c.Resolve(c.Store.Path))
	cfg.NoSync = c.Store.NoSync
	return cfg
}

// JournalConfig returns the journal configuration.
func (c *Config) JournalConfig() journal.Config {
	cfg := journal.DefaultConfig(c.Resolve(c.Journal.Path))
	cfg.InMemory = c.Journal.InMemory
	cfg.SyncWrites = c.Journal.SyncWrites
	return cfg
}

// RemoteConfig returns the helper client configuration.
func (c *Config) RemoteConfig() remote.Config {
	cfg := remote.DefaultConfig()
	cfg.Endpoint = c.Remote.Endpoint
	cfg.Token = c.Remote.Token
	if c.Remote.CallTimeout > 0 {
		cfg.CallTimeout = c.Remote.CallTimeout
	}
	if c.Remote.MaxMessageSize > 0 {
		cfg.MaxMessageSize = c.Remote.MaxMessageSize
	}
	return cfg
}

// ServerConfig returns the helper server configuration.
func (c *Config) ServerConfig() remote.ServerConfig {
	cfg := remote.DefaultServerConfig()
	cfg.Token = c.Remote.Token
	if c.Remote.MaxMessageSize > 0 {
		cfg.MaxMessageSize = c.Remote.MaxMessageSize
	}
	return cfg
}

// RPCConfig returns the JSON-RPC server configuration. Requests run with
// the [vm] settings and helpers.
func (c *Config) RPCConfig(helpers ebpf.HelperTable) rpc.Config {
	cfg := rpc.DefaultConfig()
	cfg.Addr = c.RPC.Listen
	cfg.MaxRequestSize = c.RPC.MaxRequestSize
	cfg.EnableCORS = c.RPC.EnableCORS
	cfg.AllowedOrigins = c.RPC.AllowedOrigins
	cfg.LogRequests = c.RPC.LogRequests
	cfg.VM = c.InterpreterOpts(helpers)
	return cfg
}
