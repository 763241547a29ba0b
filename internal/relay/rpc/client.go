package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/philip-sterne/mcp.click/internal/domain"
	"github.com/philip-sterne/mcp.click/internal/relay/pending"
)

// Client calls the relay JSON-RPC API. Each call uses its own connection.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a client for addr ("host:port" or a URL with a host).
func NewClient(addr string) *Client {
	return &Client{
		addr:        resolveRPCAddr(addr),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// Call submits req to device and returns the call id.
func (c *Client) Call(ctx context.Context, device string, req domain.ToolRequest) (string, error) {
	var reply CallReply
	if err := c.call(ctx, "Relay.Call", &CallArgs{Device: device, Request: req}, &reply); err != nil {
		return "", fmt.Errorf("relay call failed: %w", err)
	}
	return reply.CallID, nil
}

// Result fetches a call's state, letting the relay wait up to wait.
func (c *Client) Result(ctx context.Context, callID string, wait time.Duration) (pending.Call, error) {
	var reply pending.Call
	args := &ResultArgs{CallID: callID, WaitMs: int(wait / time.Millisecond)}
	if err := c.call(ctx, "Relay.Result", args, &reply); err != nil {
		return pending.Call{}, fmt.Errorf("relay result failed: %w", err)
	}
	return reply, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
