// Package remote serves helper tables over gRPC and lets an interpreter call
// helpers that run in another process.
//
// Messages are CBOR encoded through a forced codec, so the service is
// described by hand instead of by generated protobuf code. Remote helpers
// only see their five argument registers and a compute budget: they cannot
// read or write the caller's memory.
package remote

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
)

// Full method names.
const (
	serviceName = "bpfvm.Helpers"
	methodCall  = "/" + serviceName + "/Call"
	methodList  = "/" + serviceName + "/List"
)

// CallRequest invokes the helper at Index.
type CallRequest struct {
	Index  int64     `cbor:"1,keyasint"`
	Args   [5]uint64 `cbor:"2,keyasint"`
	Budget uint64    `cbor:"3,keyasint"` // compute units the helper may use, 0 = unmetered
}

// CallResponse carries the helper's r0 and its compute usage.
type CallResponse struct {
	Value       uint64 `cbor:"1,keyasint"`
	ComputeUsed uint64 `cbor:"2,keyasint"`
}

// ListRequest asks for the served helper table.
type ListRequest struct{}

// HelperInfo names one slot of the served table.
type HelperInfo struct {
	Index int64  `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint"`
}

// ListResponse lists the served helpers ordered by index.
type ListResponse struct {
	Helpers []HelperInfo `cbor:"1,keyasint"`
}

// codec encodes gRPC messages as CBOR.
type codec struct {
	em cbor.EncMode
}

func newCodec() codec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("remote: failed to create CBOR enc mode: %v", err))
	}
	return codec{em: em}
}

func (c codec) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

func (c codec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (codec) Name() string {
	return "cbor"
}

var cborCodec = newCodec()

// helpersServer is the service implementation registered with grpc.
type helpersServer interface {
	Call(context.Context, *CallRequest) (*CallResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CallRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(helpersServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCall}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(helpersServer).Call(ctx, req.(*CallRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(helpersServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodList}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(helpersServer).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*helpersServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bpfvm/helpers",
}
