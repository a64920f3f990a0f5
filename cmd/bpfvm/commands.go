package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fortiblox/bpfvm/internal/config"
	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/helpers"
	"github.com/fortiblox/bpfvm/pkg/journal"
	"github.com/fortiblox/bpfvm/pkg/loader"
	"github.com/fortiblox/bpfvm/pkg/progstore"
	"github.com/fortiblox/bpfvm/pkg/remote"
	"github.com/fortiblox/bpfvm/pkg/rpc"
)

type app struct {
	cfg *config.Config
}

func (a *app) openStore(readOnly bool) (*progstore.BoltStore, error) {
	sc := a.cfg.StoreConfig()
	sc.ReadOnly = readOnly
	return progstore.Open(sc)
}

// helperTable builds the standard helper table and overlays the helpers of
// the remote server, if one is configured.
func (a *app) helperTable(ctx context.Context, endpoint string) (ebpf.HelperTable, func(), error) {
	table := helpers.NewRegistry(helpers.NewDefaultEnv("bpfvm.program")).Table()
	if endpoint == "" {
		return table, func() {}, nil
	}

	rc := a.cfg.RemoteConfig()
	rc.Endpoint = endpoint
	client, err := remote.Dial(ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	remoteTable, err := client.Table(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("fetch remote helpers: %w", err)
	}
	for idx, h := range remoteTable {
		if h == nil {
			continue
		}
		for len(table) <= idx {
			table = append(table, nil)
		}
		table[idx] = h
	}
	log.Infof("using %d remote helpers from %s", len(remoteTable), endpoint)
	return table, func() { client.Close() }, nil
}

// programArg loads a program from a file path, or from the store when ref
// is set.
func (a *app) programArg(fs *flag.FlagSet, l *loader.Loader, ref string) (*loader.Executable, error) {
	if ref != "" {
		store, err := a.openStore(true)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		prog, err := store.Resolve(ref)
		if err != nil {
			return nil, err
		}
		return &loader.Executable{Name: prog.Name, Text: prog.Text, Format: loader.FormatRaw}, nil
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected one program file (or -stored)")
	}
	return l.LoadFile(fs.Arg(0))
}

func loaderFlags(fs *flag.FlagSet) (*loader.Loader, *string) {
	l := loader.NewLoader()
	format := fs.String("format", "auto", "Input format: auto, raw, hex, elf")
	fs.StringVar(&l.Program, "program", "", "ELF program (function or section) name")
	fs.BoolVar(&l.Verify, "verify", true, "Reject programs containing undecodable instructions")
	return l, format
}

func applyFormat(l *loader.Loader, format string) error {
	f, err := loader.ParseFormat(format)
	if err != nil {
		return err
	}
	l.Format = f
	return nil
}

func (a *app) runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	l, format := loaderFlags(fs)
	stored := fs.String("stored", "", "Run a stored program by name or id")
	ctxValue := fs.Uint64("ctx", 0, "Value passed in r1")
	dataFile := fs.String("data", "", "File mapped as the context buffer (r1 points at it)")
	maxCU := fs.Uint64("max-cu", a.cfg.VM.ComputeLimit, "Compute unit limit (0 = unmetered)")
	stack := fs.Int("stack", a.cfg.VM.StackSize, "Stack size in bytes")
	writable := fs.Bool("writable-context", a.cfg.VM.WritableContext, "Allow stores into the context buffer")
	endpoint := fs.String("remote", a.cfg.Remote.Endpoint, "Remote helper server address")
	record := fs.Bool("journal", a.cfg.Journal.Enabled, "Record the run in the journal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := applyFormat(l, *format); err != nil {
		return err
	}

	exe, err := a.programArg(fs, l, *stored)
	if err != nil {
		return err
	}

	table, closeHelpers, err := a.helperTable(ctx, *endpoint)
	if err != nil {
		return err
	}
	defer closeHelpers()

	entry := &journal.Entry{
		Program:         exe.ID(),
		Context:         *ctxValue,
		MaxCU:           *maxCU,
		StackSize:       *stack,
		WritableContext: *writable,
	}
	if *dataFile != "" {
		data, err := os.ReadFile(*dataFile)
		if err != nil {
			return err
		}
		entry.Data = data
	}

	ip := exe.NewInterpreter(entry.Options(table))
	entry.StartedAt = time.Now().UTC()
	res, runErr := entry.Execute(ip)
	entry.Duration = time.Since(entry.StartedAt)
	entry.Record(res, runErr)

	if *record {
		if err := a.journalRun(exe, entry); err != nil {
			return err
		}
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", exe.Name, runErr)
		return exitCode(1)
	}
	fmt.Printf("r0 = %d (%#x)\n", res.Value, res.Value)
	fmt.Printf("exit: %s, steps: %d, compute units: %d, time: %s\n", res.Reason, res.Steps, res.ComputeUsed, entry.Duration)
	return nil
}

// journalRun stores the program (so the run can be replayed) and appends
// the entry.
func (a *app) journalRun(exe *loader.Executable, entry *journal.Entry) error {
	store, err := a.openStore(false)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.Put("", exe.Text); err != nil {
		return fmt.Errorf("store program: %w", err)
	}

	j, err := journal.Open(a.cfg.JournalConfig())
	if err != nil {
		return err
	}
	defer j.Close()
	id, err := j.Append(entry)
	if err != nil {
		return err
	}
	fmt.Printf("journaled as run %s\n", id)
	return nil
}

func (a *app) disasmCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	l, format := loaderFlags(fs)
	l.Verify = false
	stored := fs.String("stored", "", "Disassemble a stored program by name or id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := applyFormat(l, *format); err != nil {
		return err
	}

	exe, err := a.programArg(fs, l, *stored)
	if err != nil {
		return err
	}
	fmt.Printf("; %s %s (%d slots)\n", exe.Name, exe.ID(), len(exe.Text))
	fmt.Print(ebpf.Disassemble(exe.Text))
	return nil
}

func (a *app) storeCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("expected subcommand: put, get, ls, rm")
	}
	sub, args := args[0], args[1:]

	switch sub {
	case "put":
		fs := flag.NewFlagSet("store put", flag.ContinueOnError)
		l, format := loaderFlags(fs)
		name := fs.String("name", "", "Name to bind (default: file or ELF program name)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := applyFormat(l, *format); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("expected one program file")
		}
		exe, err := l.LoadFile(fs.Arg(0))
		if err != nil {
			return err
		}
		if *name == "" {
			*name = exe.Name
		}
		store, err := a.openStore(false)
		if err != nil {
			return err
		}
		defer store.Close()
		id, err := store.Put(*name, exe.Text)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", id, *name)
		return nil

	case "get":
		fs := flag.NewFlagSet("store get", flag.ContinueOnError)
		out := fs.String("o", "", "Write the image to file instead of stdout")
		hexOut := fs.Bool("hex", false, "Write a hex dump instead of the raw image")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("expected a program name or id")
		}
		store, err := a.openStore(true)
		if err != nil {
			return err
		}
		defer store.Close()
		prog, err := store.Resolve(fs.Arg(0))
		if err != nil {
			return err
		}
		data := loader.Image(prog.Text)
		if *hexOut {
			data = []byte(loader.HexImage(prog.Text))
		}
		if *out == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(*out, data, 0644)

	case "ls":
		store, err := a.openStore(true)
		if err != nil {
			return err
		}
		defer store.Close()
		records, err := store.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSLOTS\tSTORED\tSTORED AT")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\n", r.ID, r.Name, r.Instructions, r.StoredSize, r.ImageSize, r.StoredAt.Format(time.RFC3339))
		}
		return w.Flush()

	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("expected a program name or id")
		}
		store, err := a.openStore(false)
		if err != nil {
			return err
		}
		defer store.Close()
		prog, err := store.Resolve(args[0])
		if err != nil {
			return err
		}
		return store.Delete(prog.ID)

	default:
		return fmt.Errorf("unknown store subcommand %q", sub)
	}
}

func (a *app) journalCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("expected subcommand: ls, show, gc")
	}
	sub, args := args[0], args[1:]

	j, err := journal.Open(a.cfg.JournalConfig())
	if err != nil {
		return err
	}
	defer j.Close()

	switch sub {
	case "ls":
		fs := flag.NewFlagSet("journal ls", flag.ContinueOnError)
		n := fs.Int("n", 20, "Number of most recent runs to list")
		program := fs.String("program", "", "Only list runs of this program id")
		if err := fs.Parse(args); err != nil {
			return err
		}

		var entries []*journal.Entry
		if *program != "" {
			id, err := types.ProgramIDFromBase58(*program)
			if err != nil {
				return err
			}
			ids, err := j.ByProgram(id)
			if err != nil {
				return err
			}
			if len(ids) > *n {
				ids = ids[len(ids)-*n:]
			}
			for i := len(ids) - 1; i >= 0; i-- {
				e, err := j.Get(ids[i])
				if err != nil {
					return err
				}
				entries = append(entries, e)
			}
		} else if entries, err = j.Last(*n); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tPROGRAM\tOUTCOME\tSTEPS\tCU\tSTARTED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", e.ID, e.Program, e.Outcome(), e.Steps, e.ComputeUsed, e.StartedAt.Format(time.RFC3339))
		}
		return w.Flush()

	case "show":
		if len(args) != 1 {
			return fmt.Errorf("expected a run id")
		}
		id, err := types.ParseRunID(args[0])
		if err != nil {
			return err
		}
		e, err := j.Get(id)
		if err != nil {
			return err
		}
		fmt.Printf("run:        %s\n", e.ID)
		fmt.Printf("program:    %s\n", e.Program)
		fmt.Printf("started:    %s (%s)\n", e.StartedAt.Format(time.RFC3339Nano), e.Duration)
		if e.Data != nil {
			fmt.Printf("context:    %d byte buffer\n", len(e.Data))
		} else {
			fmt.Printf("context:    %#x\n", e.Context)
		}
		fmt.Printf("limits:     stack %d, compute %d\n", e.StackSize, e.MaxCU)
		fmt.Printf("outcome:    %s\n", e.Outcome())
		if e.Fault != nil {
			fmt.Printf("fault:      %s\n", e.Fault.Message)
		}
		fmt.Printf("steps:      %d\n", e.Steps)
		fmt.Printf("compute:    %d\n", e.ComputeUsed)
		return nil

	case "gc":
		if err := j.Sync(); err != nil {
			return err
		}
		n, err := j.RunGC()
		if err != nil {
			return err
		}
		fmt.Printf("rewrote %d value log files\n", n)
		return nil

	default:
		return fmt.Errorf("unknown journal subcommand %q", sub)
	}
}

func (a *app) replayCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	from := fs.Uint64("from", 0, "First run id to replay")
	stop := fs.Bool("stop", false, "Stop at the first mismatch")
	endpoint := fs.String("remote", a.cfg.Remote.Endpoint, "Remote helper server address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore(true)
	if err != nil {
		return err
	}
	defer store.Close()
	j, err := journal.Open(a.cfg.JournalConfig())
	if err != nil {
		return err
	}
	defer j.Close()

	table, closeHelpers, err := a.helperTable(ctx, *endpoint)
	if err != nil {
		return err
	}
	defer closeHelpers()

	rc := journal.DefaultReplayConfig()
	rc.Helpers = table
	rc.StopOnMismatch = *stop
	r := journal.NewReplayer(j, store, rc)
	report, err := r.ReplayAll(ctx, types.RunID(*from))
	if err != nil {
		return err
	}
	for _, m := range report.Mismatches {
		fmt.Println(m)
	}
	fmt.Printf("replayed %d runs, skipped %d, %d mismatches\n", report.Replayed, report.Skipped, len(report.Mismatches))
	if !report.OK() {
		return exitCode(1)
	}
	return nil
}

func (a *app) serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve-helpers", flag.ContinueOnError)
	listen := fs.String("listen", a.cfg.Remote.Listen, "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}

	reg := helpers.NewRegistry(helpers.NewDefaultEnv("bpfvm.program"))
	srv := remote.NewServer(reg, a.cfg.ServerConfig())
	log.Noticef("serving helpers %s", strings.Join(reg.Names(), ", "))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		srv.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
}

func (a *app) serveRPCCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve-rpc", flag.ContinueOnError)
	listen := fs.String("listen", a.cfg.RPC.Listen, "Listen address")
	endpoint := fs.String("remote", a.cfg.Remote.Endpoint, "Remote helper server address")
	record := fs.Bool("journal", a.cfg.Journal.Enabled, "Open the journal so runs can be recorded")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore(false)
	if err != nil {
		return err
	}
	defer store.Close()

	var j *journal.Journal
	if *record {
		j, err = journal.Open(a.cfg.JournalConfig())
		if err != nil {
			return err
		}
		defer j.Close()
	}

	table, closeHelpers, err := a.helperTable(ctx, *endpoint)
	if err != nil {
		return err
	}
	defer closeHelpers()

	cfg := a.cfg.RPCConfig(table)
	cfg.Addr = *listen
	cfg.Version = Version
	return rpc.New(cfg, store, j).Start(ctx)
}
