// Package rpc exposes the relay control operations over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/relay"
	"github.com/philip-sterne/mcp.click/internal/relay/pending"
)

// Server exposes relay RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *zap.Logger
	ready     chan struct{}
	done      chan struct{}

	mu       sync.Mutex
	shutdown bool
}

// NewServer creates a new relay RPC server.
func NewServer(r *relay.Relay, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{relay: r}
	if err := rpcServer.RegisterName("Relay", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	close(s.ready)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements relay RPC methods.
type Handler struct {
	relay *relay.Relay
}

// CallArgs is the request of Relay.Call.
type CallArgs struct {
	Device  string             `json:"device"`
	Request domain.ToolRequest `json:"request"`
}

// CallReply is the response of Relay.Call.
type CallReply struct {
	CallID string `json:"callId"`
}

// Call submits a tool call to a device.
func (h *Handler) Call(args *CallArgs, reply *CallReply) error {
	if args == nil {
		return errors.New("call args are required")
	}
	callID, err := h.relay.Submit(context.Background(), args.Device, args.Request)
	if err != nil {
		return err
	}
	reply.CallID = callID
	return nil
}

// ResultArgs is the request of Relay.Result.
type ResultArgs struct {
	CallID string `json:"callId"`
	WaitMs int    `json:"waitMs"`
}

// Result returns the state of a call, waiting up to WaitMs for it to resolve.
func (h *Handler) Result(args *ResultArgs, reply *pending.Call) error {
	if args == nil || args.CallID == "" {
		return errors.New("callId is required")
	}
	wait := time.Duration(args.WaitMs) * time.Millisecond
	if wait > time.Minute {
		wait = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	call, err := h.relay.Result(ctx, args.CallID)
	if err != nil {
		return err
	}
	*reply = call
	return nil
}
