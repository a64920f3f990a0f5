package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/journal"
	"github.com/fortiblox/bpfvm/pkg/progstore"
)

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool

	// Version is reported by getVersion.
	Version string

	// VM holds the defaults for runProgram. MaxCU also caps the compute
	// limit a request may ask for, unless it is zero.
	VM ebpf.InterpreterOpts
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:7412",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 16 * 1024 * 1024, // room for a hex encoded image at the loader limit
		EnableCORS:     false,
		LogRequests:    false,
		VM: ebpf.InterpreterOpts{
			StackSize: ebpf.DefaultStackSize,
			MaxCU:     1_400_000,
		},
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config
	log    commonlog.Logger

	// Dependencies
	store   progstore.Store
	journal *journal.Journal // nil when runs are not recorded

	// HTTP server
	server *http.Server

	// Method handlers
	handlers map[string]handlerFunc

	// Lifecycle
	mu      sync.RWMutex
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server. j may be nil.
func New(config Config, store progstore.Store, j *journal.Journal) *Server {
	s := &Server{
		config:   config,
		log:      commonlog.GetLogger("bpfvm.rpc"),
		store:    store,
		journal:  j,
		handlers: make(map[string]handlerFunc),
	}

	// Register all method handlers
	s.registerHandlers()

	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	// Host methods
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion

	// Program methods
	s.handlers["getProgram"] = s.getProgram
	s.handlers["listPrograms"] = s.listPrograms
	s.handlers["putProgram"] = s.putProgram
	s.handlers["deleteProgram"] = s.deleteProgram
	s.handlers["disassemble"] = s.disassemble

	// Execution methods
	s.handlers["runProgram"] = s.runProgram
	s.handlers["getRun"] = s.getRun
	s.handlers["getRecentRuns"] = s.getRecentRuns
	s.handlers["getRunCount"] = s.getRunCount
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return s.corsMiddleware(mux)
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	server := s.server
	s.mu.Unlock()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log.Infof("JSON-RPC server starting on %s", s.config.Addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	// Check if this is a batch request
	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}
	s.writeResponse(w, s.call(req))
}

// handleBatchRequest handles batch JSON-RPC requests.
func (s *Server) handleBatchRequest(w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	if len(requests) == 0 {
		s.writeResponse(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		responses[i] = s.call(req)
	}
	s.writeResponse(w, responses)
}

// call validates and dispatches one request.
func (s *Server) call(req Request) Response {
	resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID}
	if req.JSONRPC != JSONRPCVersion {
		resp.Error = ErrInvalidRequest
		return resp
	}

	if s.config.LogRequests {
		s.log.Infof("%s id=%v", req.Method, req.ID)
	}

	resp.Result, resp.Error = s.dispatch(req.Method, req.Params)
	return resp
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}

	return handler(params)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warningf("write response: %v", err)
	}
}
