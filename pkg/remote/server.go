package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// ErrNoMemory is returned to helpers that touch memory while served
// remotely.
var ErrNoMemory = errors.New("remote helpers have no access to program memory")

// Catalog is a named helper table. *helpers.Registry implements it.
type Catalog interface {
	Table() ebpf.HelperTable
	Name(idx int) (string, bool)
}

// Server serves a helper table over gRPC.
type Server struct {
	table  ebpf.HelperTable
	infos  []HelperInfo
	config ServerConfig
	grpc   *grpc.Server
	log    commonlog.Logger
}

// NewServer creates a server for the helpers in catalog.
func NewServer(catalog Catalog, config ServerConfig) *Server {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	table := catalog.Table()
	infos := make([]HelperInfo, 0, len(table))
	for idx, h := range table {
		if h == nil {
			continue
		}
		name, _ := catalog.Name(idx)
		infos = append(infos, HelperInfo{Index: int64(idx), Name: name})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })

	s := &Server{
		table:  table,
		infos:  infos,
		config: config,
		log:    commonlog.GetLogger("bpfvm.remote"),
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(cborCodec),
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             DefaultKeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	}
	if config.KeepaliveTime > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}))
	}
	if config.Token != "" {
		opts = append(opts, grpc.UnaryInterceptor(s.authenticate))
	}
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Infof("serving %d helpers on %s", len(s.infos), lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop stops the server, waiting for in-flight calls.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) authenticate(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if tokens := md.Get("x-token"); len(tokens) == 0 || tokens[0] != s.config.Token {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return handler(ctx, req)
}

// Call runs one helper.
func (s *Server) Call(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	h, ok := s.table.Lookup(req.Index)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no helper at index %d", req.Index)
	}

	vm := &detachedVM{meter: ebpf.NewComputeMeter(req.Budget)}
	a := req.Args
	v, err := h.Invoke(vm, a[0], a[1], a[2], a[3], a[4])
	if err != nil {
		s.log.Debugf("helper %d failed: %v", req.Index, err)
		code := codes.Aborted
		if errors.Is(err, ebpf.ErrComputeExceeded) {
			code = codes.ResourceExhausted
		}
		return nil, status.Error(code, err.Error())
	}
	return &CallResponse{Value: v, ComputeUsed: vm.meter.Consumed()}, nil
}

// List returns the served helpers.
func (s *Server) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return &ListResponse{Helpers: s.infos}, nil
}

// detachedVM is the ebpf.VM seen by helpers running in the server. It has
// a compute meter but no memory.
type detachedVM struct {
	meter *ebpf.ComputeMeter
}

func (vm *detachedVM) Context() uint64                  { return 0 }
func (vm *detachedVM) ComputeMeter() *ebpf.ComputeMeter { return vm.meter }

func (vm *detachedVM) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	return nil, fmt.Errorf("%w: %w: 0x%x", ebpf.ErrOutOfBounds, ErrNoMemory, addr)
}

func (vm *detachedVM) Read(addr uint64, p []byte) error {
	_, err := vm.Translate(addr, uint64(len(p)), false)
	return err
}

func (vm *detachedVM) Read8(addr uint64) (uint8, error) {
	_, err := vm.Translate(addr, 1, false)
	return 0, err
}

func (vm *detachedVM) Read16(addr uint64) (uint16, error) {
	_, err := vm.Translate(addr, 2, false)
	return 0, err
}

func (vm *detachedVM) Read32(addr uint64) (uint32, error) {
	_, err := vm.Translate(addr, 4, false)
	return 0, err
}

func (vm *detachedVM) Read64(addr uint64) (uint64, error) {
	_, err := vm.Translate(addr, 8, false)
	return 0, err
}

func (vm *detachedVM) Write(addr uint64, p []byte) error {
	_, err := vm.Translate(addr, uint64(len(p)), true)
	return err
}

func (vm *detachedVM) Write8(addr uint64, x uint8) error {
	_, err := vm.Translate(addr, 1, true)
	return err
}

func (vm *detachedVM) Write16(addr uint64, x uint16) error {
	_, err := vm.Translate(addr, 2, true)
	return err
}

func (vm *detachedVM) Write32(addr uint64, x uint32) error {
	_, err := vm.Translate(addr, 4, true)
	return err
}

func (vm *detachedVM) Write64(addr uint64, x uint64) error {
	_, err := vm.Translate(addr, 8, true)
	return err
}

var _ ebpf.VM = (*detachedVM)(nil)
