// bpfvm: eBPF bytecode interpreter host
//
// This is the main entry point for bpfvm. It loads programs from raw, hex or
// ELF files, runs them against the standard helper library (optionally
// extended by a remote helper server), keeps programs in a content-addressed
// store, records runs in a journal that can be replayed and serves programs
// over JSON-RPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/fortiblox/bpfvm/internal/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Global flags
var (
	configPath = flag.String("config", "", "Path to bpfvm.toml (default: search upward from the working directory)")
	verbosity  = flag.Int("v", -1, "Log verbosity: 0 errors, 1 warnings, 2 info, 3+ debug (default from config)")
	logFile    = flag.String("log-file", "", "Write logs to file instead of stderr")
)

const usage = `Usage: bpfvm [global flags] <command> [flags] [args]

Commands:
  run            Execute a program file or stored program
  disasm         Print a program listing
  store          Manage stored programs (put, get, ls, rm)
  journal        Inspect and compact journaled runs (ls, show, gc)
  replay         Re-execute journaled runs and report differences
  serve-helpers  Serve the helper library over gRPC
  serve-rpc      Serve the JSON-RPC API over HTTP
  version        Print version

Global flags:
`

var log = commonlog.GetLogger("bpfvm")

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "version" {
		fmt.Printf("bpfvm %s (%s)\n", Version, GitCommit)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bpfvm: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Noticef("received signal %v, shutting down", sig)
		cancel()
	}()

	app := &app{cfg: cfg}
	var run func(context.Context, []string) error
	switch cmd {
	case "run":
		run = app.runCmd
	case "disasm":
		run = app.disasmCmd
	case "store":
		run = app.storeCmd
	case "journal":
		run = app.journalCmd
	case "replay":
		run = app.replayCmd
	case "serve-helpers":
		run = app.serveCmd
	case "serve-rpc":
		run = app.serveRPCCmd
	default:
		fmt.Fprintf(os.Stderr, "bpfvm: unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	err = run(ctx, args)
	var exit exitCode
	switch {
	case errors.As(err, &exit):
		os.Exit(int(exit))
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "bpfvm %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// exitCode ends the process with a status without printing an error.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.Load(*configPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return config.Default(), nil
	}
	return config.FindAndLoad(wd)
}

func setupLogging(cfg *config.Config) {
	v := cfg.Log.Verbosity
	if *verbosity >= 0 {
		v = *verbosity
	}
	path := cfg.Log.File
	if *logFile != "" {
		path = *logFile
	}
	if path != "" {
		commonlog.Configure(v, &path)
	} else {
		commonlog.Configure(v, nil)
	}
}
