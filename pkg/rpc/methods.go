package rpc

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/journal"
	"github.com/fortiblox/bpfvm/pkg/loader"
	"github.com/fortiblox/bpfvm/pkg/progstore"
)

// parseParams splits positional params. A missing params member is an
// empty list.
func parseParams(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("params must be an array")
	}
	return args, nil
}

// stringParam decodes the string at args[i].
func stringParam(args []json.RawMessage, i int, name string) (string, *RPCError) {
	if len(args) <= i {
		return "", InvalidParamsErrorf("missing %s parameter", name)
	}
	var v string
	if err := json.Unmarshal(args[i], &v); err != nil {
		return "", InvalidParamsErrorf("invalid %s", name)
	}
	return v, nil
}

// optionalParam decodes args[i] into v when present.
func optionalParam(args []json.RawMessage, i int, v interface{}) *RPCError {
	if len(args) <= i {
		return nil
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return InvalidParamsErrorf("invalid parameter %d", i+1)
	}
	return nil
}

func (s *Server) resolve(ref string) (*progstore.Program, *RPCError) {
	prog, err := s.store.Resolve(ref)
	if errors.Is(err, progstore.ErrNotFound) {
		return nil, ProgramNotFoundError(ref)
	}
	if err != nil {
		return nil, InternalServerErrorf("failed to load program: %v", err)
	}
	return prog, nil
}

func programInfo(rec progstore.Record) ProgramInfo {
	return ProgramInfo{
		ID:           rec.ID.String(),
		Name:         rec.Name,
		Instructions: rec.Instructions,
		ImageSize:    rec.ImageSize,
		StoredSize:   rec.StoredSize,
		StoredAt:     rec.StoredAt,
	}
}

// getHealth returns "ok" while the store is usable.
func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	if _, err := s.store.List(); err != nil {
		return nil, InternalServerErrorf("store unavailable: %v", err)
	}
	return "ok", nil
}

// getVersion returns the host version.
func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return Version{
		BPFVM:              s.config.Version,
		OpcodeTableVersion: ebpf.OpcodeTableVersion,
	}, nil
}

// getProgram returns a stored program's record and optionally its image.
// Params: [ref, {encoding, withImage}]
func (s *Server) getProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ref, rpcErr := stringParam(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ImageConfig
	if rpcErr := optionalParam(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	prog, rpcErr := s.resolve(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}
	info := programInfo(prog.Record)
	if cfg.WithImage {
		image, err := EncodeData(loader.Image(prog.Text), cfg.Encoding)
		if err != nil {
			return nil, InternalServerErrorf("failed to encode image: %v", err)
		}
		info.Image = image
	}
	return info, nil
}

// listPrograms returns all stored programs ordered by name.
func (s *Server) listPrograms(params json.RawMessage) (interface{}, *RPCError) {
	records, err := s.store.List()
	if err != nil {
		return nil, InternalServerErrorf("failed to list programs: %v", err)
	}
	infos := make([]ProgramInfo, len(records))
	for i, rec := range records {
		infos[i] = programInfo(rec)
	}
	return infos, nil
}

// putProgram stores a program image and returns its ID.
// Params: [name, [data, encoding]]
func (s *Server) putProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := stringParam(args, 0, "name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var image []string
	if rpcErr := optionalParam(args, 1, &image); rpcErr != nil {
		return nil, rpcErr
	}
	if len(image) != 2 {
		return nil, InvalidParamsError("image must be [data, encoding]")
	}

	data, err := DecodeData(image[0], ParseEncoding(image[1]))
	if err != nil {
		return nil, InvalidParamsErrorf("invalid image encoding: %v", err)
	}
	text, err := loader.FromBytes(data)
	if err == nil {
		err = loader.Verify(text)
	}
	if err != nil {
		return nil, NewRPCError(InvalidProgram, err.Error())
	}

	id, err := s.store.Put(name, text)
	if errors.Is(err, progstore.ErrNameTaken) {
		return nil, InvalidParamsError(err.Error())
	}
	if err != nil {
		return nil, InternalServerErrorf("failed to store program: %v", err)
	}
	return id.String(), nil
}

// deleteProgram removes a stored program.
// Params: [ref]
func (s *Server) deleteProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ref, rpcErr := stringParam(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}
	prog, rpcErr := s.resolve(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.store.Delete(prog.ID); err != nil {
		return nil, InternalServerErrorf("failed to delete program: %v", err)
	}
	return true, nil
}

// disassemble returns the listing of a stored program, one line per slot.
// Params: [ref]
func (s *Server) disassemble(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ref, rpcErr := stringParam(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}
	prog, rpcErr := s.resolve(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}
	listing := strings.TrimSuffix(ebpf.Disassemble(prog.Text), "\n")
	return strings.Split(listing, "\n"), nil
}

// runProgram executes a stored program.
// Params: [ref, {context, data, encoding, maxComputeUnits, stackSize, writableContext, record}]
func (s *Server) runProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ref, rpcErr := stringParam(args, 0, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg RunConfig
	if rpcErr := optionalParam(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	if cfg.Record && s.journal == nil {
		return nil, ErrJournalDisabled
	}

	prog, rpcErr := s.resolve(ref)
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry := &journal.Entry{
		Program:         prog.ID,
		Context:         cfg.Context,
		MaxCU:           s.config.VM.MaxCU,
		StackSize:       s.config.VM.StackSize,
		WritableContext: cfg.WritableContext,
	}
	if cfg.MaxCU != nil {
		if s.config.VM.MaxCU != 0 && (*cfg.MaxCU == 0 || *cfg.MaxCU > s.config.VM.MaxCU) {
			return nil, InvalidParamsErrorf("maxComputeUnits must be between 1 and %d", s.config.VM.MaxCU)
		}
		entry.MaxCU = *cfg.MaxCU
	}
	if cfg.StackSize != nil {
		if *cfg.StackSize <= 0 || *cfg.StackSize > ebpf.MaxStackSize {
			return nil, InvalidParamsErrorf("stackSize must be between 1 and %d", ebpf.MaxStackSize)
		}
		entry.StackSize = *cfg.StackSize
	}
	if cfg.Data != "" {
		data, err := DecodeData(cfg.Data, ParseEncoding(string(cfg.Encoding)))
		if err != nil {
			return nil, InvalidParamsErrorf("invalid data encoding: %v", err)
		}
		entry.Data = data
	}

	ip := ebpf.NewInterpreter(prog.Text, entry.Options(s.config.VM.Helpers))
	entry.StartedAt = time.Now().UTC()
	res, err := entry.Execute(ip)
	entry.Duration = time.Since(entry.StartedAt)
	entry.Record(res, err)

	if cfg.Record {
		if _, err := s.journal.Append(entry); err != nil {
			return nil, InternalServerErrorf("failed to journal run: %v", err)
		}
	}
	return runInfo(entry), nil
}

func runInfo(e *journal.Entry) RunInfo {
	info := RunInfo{
		RunID:       uint64(e.ID),
		Program:     e.Program.String(),
		Value:       e.Value,
		Error:       e.Error,
		Steps:       e.Steps,
		ComputeUsed: e.ComputeUsed,
		StartedAt:   e.StartedAt,
		DurationNs:  e.Duration.Nanoseconds(),
	}
	if e.Fault != nil {
		info.Fault = &FaultInfo{
			Kind:    e.Fault.Kind.String(),
			PC:      e.Fault.PC,
			Opcode:  e.Fault.Opcode,
			Addr:    e.Fault.Addr,
			Message: e.Fault.Message,
		}
	} else if e.Error == "" {
		info.ExitReason = e.Reason.String()
	}
	return info
}

// getRun returns a journaled run.
// Params: [runId]
func (s *Server) getRun(params json.RawMessage) (interface{}, *RPCError) {
	if s.journal == nil {
		return nil, ErrJournalDisabled
	}
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var id uint64
	if len(args) < 1 {
		return nil, InvalidParamsError("missing runId parameter")
	}
	if err := json.Unmarshal(args[0], &id); err != nil {
		return nil, InvalidParamsError("invalid runId")
	}

	e, err := s.journal.Get(types.RunID(id))
	if errors.Is(err, journal.ErrNotFound) {
		return nil, RunNotFoundError(id)
	}
	if err != nil {
		return nil, InternalServerErrorf("failed to read run: %v", err)
	}
	return runInfo(e), nil
}

// getRecentRuns returns the most recent journaled runs, newest first.
// Params: [limit]
func (s *Server) getRecentRuns(params json.RawMessage) (interface{}, *RPCError) {
	if s.journal == nil {
		return nil, ErrJournalDisabled
	}
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	limit := 20
	if rpcErr := optionalParam(args, 0, &limit); rpcErr != nil {
		return nil, rpcErr
	}
	if limit <= 0 || limit > 1000 {
		return nil, InvalidParamsError("limit must be between 1 and 1000")
	}

	entries, err := s.journal.Last(limit)
	if err != nil {
		return nil, InternalServerErrorf("failed to read runs: %v", err)
	}
	infos := make([]RunInfo, len(entries))
	for i, e := range entries {
		infos[i] = runInfo(e)
	}
	return infos, nil
}

// getRunCount returns the number of journaled runs.
func (s *Server) getRunCount(params json.RawMessage) (interface{}, *RPCError) {
	if s.journal == nil {
		return nil, ErrJournalDisabled
	}
	return s.journal.Len(), nil
}
