package remote

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// Client errors.
var (
	ErrClientClosed = errors.New("remote helper client closed")
	ErrRemoteHelper = errors.New("remote helper failed")
)

// Client calls helpers served by a Server.
type Client struct {
	config Config
	conn   *grpc.ClientConn
	log    commonlog.Logger

	calls  atomic.Uint64
	closed atomic.Bool
}

// Dial connects to the helper server at config.Endpoint.
func Dial(ctx context.Context, config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	kacp := keepalive.ClientParameters{
		Time:                config.KeepaliveTime,
		Timeout:             config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(cborCodec),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	if config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(config.Dialer))
	}

	//nolint:staticcheck // Dial keeps the passthrough resolver for plain host:port targets
	conn, err := grpc.DialContext(ctx, config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}

	return &Client{
		config: config,
		conn:   conn,
		log:    commonlog.GetLogger("bpfvm.remote"),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Calls returns the number of helper calls sent, retries excluded.
func (c *Client) Calls() uint64 {
	return c.calls.Load()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.config.Token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-token", c.config.Token)
}

// List returns the helpers served by the remote table.
func (c *Client) List(ctx context.Context) ([]HelperInfo, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	ctx, cancel := context.WithTimeout(c.outgoing(ctx), c.config.CallTimeout)
	defer cancel()

	resp := new(ListResponse)
	if err := c.conn.Invoke(ctx, methodList, &ListRequest{}, resp); err != nil {
		return nil, fmt.Errorf("list helpers: %w", err)
	}
	return resp.Helpers, nil
}

// Call invokes the helper at index with a compute budget and returns its r0
// and compute usage. Transient failures are retried.
func (c *Client) Call(ctx context.Context, index int64, args [5]uint64, budget uint64) (*CallResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.calls.Add(1)

	ctx, cancel := context.WithTimeout(c.outgoing(ctx), c.config.CallTimeout)
	defer cancel()

	req := &CallRequest{Index: index, Args: args, Budget: budget}
	delay := c.config.RetryDelay
	for attempt := 0; ; attempt++ {
		resp := new(CallResponse)
		err := c.conn.Invoke(ctx, methodCall, req, resp)
		if err == nil {
			return resp, nil
		}
		if attempt >= c.config.MaxRetries || !isRetryableError(err) {
			return nil, err
		}
		c.log.Debugf("retrying helper %d after %v", index, err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Helper returns an ebpf.Helper that forwards calls to the remote helper at
// index. The remote compute usage is charged to the calling program's meter.
func (c *Client) Helper(index int64) ebpf.Helper {
	return &remoteHelper{client: c, index: index}
}

// Table builds a local helper table with a forwarding helper in every slot
// the server fills.
func (c *Client) Table(ctx context.Context) (ebpf.HelperTable, error) {
	infos, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var table ebpf.HelperTable
	for _, info := range infos {
		if info.Index < 0 {
			continue
		}
		for int64(len(table)) <= info.Index {
			table = append(table, nil)
		}
		table[info.Index] = c.Helper(info.Index)
	}
	return table, nil
}

type remoteHelper struct {
	client *Client
	index  int64
}

func (h *remoteHelper) Invoke(vm ebpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	meter := vm.ComputeMeter()
	var budget uint64
	if meter.Limit() != 0 {
		budget = meter.Remaining()
		if budget == 0 {
			return 0, ebpf.ErrComputeExceeded
		}
	}

	resp, err := h.client.Call(context.Background(), h.index, [5]uint64{r1, r2, r3, r4, r5}, budget)
	if err != nil {
		return 0, callError(h.index, err)
	}
	if err := meter.Consume(resp.ComputeUsed); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// callError maps a gRPC status to the error a local helper would return.
func callError(index int64, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %d: %v", ErrRemoteHelper, index, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: remote %d", ebpf.ErrHelperIndex, index)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: remote helper %d", ebpf.ErrComputeExceeded, index)
	default:
		return fmt.Errorf("%w: %d: %s: %s", ErrRemoteHelper, index, st.Code(), st.Message())
	}
}

// isRetryableError returns true if the error should trigger a retry. Helpers
// are not idempotent, so only calls the server never accepted are retried.
func isRetryableError(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unavailable
}
