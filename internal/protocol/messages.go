// Package protocol defines the JSON message protocol spoken over the relay
// websocket between devices and the relay server.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/philip-sterne/mcp.click/internal/domain"
)

// Version is the protocol version announced in hello.
const Version = "0.1"

// Message types from device to relay
const (
	TypeHello      = "hello"
	TypePing       = "ping"
	TypeToolResult = "tool.result"
)

// Message types from relay to device
const (
	TypeHelloAck = "hello:ack"
	TypePong     = "pong"
	TypeToolCall = "tool.call"
	TypeError    = "error"
)

// Error codes carried in ErrorMessage.Error
const (
	ErrorUnauthorized   = "unauthorized"
	ErrorInvalidMessage = "invalid_message"
)

// BaseMessage contains the type tag common to all messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// HelloMessage is sent by a device once the channel is open.
type HelloMessage struct {
	BaseMessage
	Device  string `json:"device"`
	Version string `json:"version"`
}

// HelloAckMessage answers hello with the relay's clock.
type HelloAckMessage struct {
	BaseMessage
	ServerTime int64 `json:"serverTime"`
}

// PingMessage is the device heartbeat.
type PingMessage struct {
	BaseMessage
	Ts int64 `json:"ts"`
}

// PongMessage echoes the heartbeat timestamp.
type PongMessage struct {
	BaseMessage
	Ts int64 `json:"ts"`
}

// ToolCallMessage asks a device to execute a request against its live session.
type ToolCallMessage struct {
	BaseMessage
	CallID  string             `json:"callId"`
	Request domain.ToolRequest `json:"request"`
}

// ToolResultMessage carries the outcome of a tool call.
type ToolResultMessage struct {
	BaseMessage
	CallID string            `json:"callId"`
	Result domain.ToolResult `json:"result"`
}

// ErrorMessage is sent by the relay when a connection or message is rejected.
type ErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}

// NewHello builds a hello message.
func NewHello(device string) HelloMessage {
	return HelloMessage{BaseMessage: BaseMessage{Type: TypeHello}, Device: device, Version: Version}
}

// NewHelloAck builds a hello:ack message.
func NewHelloAck(serverTime int64) HelloAckMessage {
	return HelloAckMessage{BaseMessage: BaseMessage{Type: TypeHelloAck}, ServerTime: serverTime}
}

// NewPing builds a ping message.
func NewPing(ts int64) PingMessage {
	return PingMessage{BaseMessage: BaseMessage{Type: TypePing}, Ts: ts}
}

// NewPong builds a pong message.
func NewPong(ts int64) PongMessage {
	return PongMessage{BaseMessage: BaseMessage{Type: TypePong}, Ts: ts}
}

// NewToolCall builds a tool.call message.
func NewToolCall(callID string, req domain.ToolRequest) ToolCallMessage {
	return ToolCallMessage{BaseMessage: BaseMessage{Type: TypeToolCall}, CallID: callID, Request: req}
}

// NewToolResult builds a tool.result message.
func NewToolResult(callID string, res domain.ToolResult) ToolResultMessage {
	return ToolResultMessage{BaseMessage: BaseMessage{Type: TypeToolResult}, CallID: callID, Result: res}
}

// NewError builds an error message.
func NewError(code string) ErrorMessage {
	return ErrorMessage{BaseMessage: BaseMessage{Type: TypeError}, Error: code}
}

// PeekType extracts the type tag of a raw frame.
func PeekType(data []byte) (string, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return "", fmt.Errorf("protocol: invalid frame: %w", err)
	}
	if base.Type == "" {
		return "", fmt.Errorf("protocol: frame has no type")
	}
	return base.Type, nil
}
