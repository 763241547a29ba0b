// Package hub is the relay's device registry: device token to the set of
// live websocket connections for that token.
package hub

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrDeviceOffline is returned when a device has no live connection.
	ErrDeviceOffline = errors.New("device offline")
	// ErrConnectionClosed is returned when sending on an unregistered connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection represents a single authenticated device connection.
type Connection struct {
	ID     string
	Device string
	Conn   *websocket.Conn
	Send   chan []byte

	mu     sync.Mutex
	sendMu sync.Mutex
	closed bool
}

// Hub manages all device connections. Register and Unregister are atomic
// with respect to each other and to broadcasts.
type Hub struct {
	logger *zap.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
	devices     map[string]map[string]*Connection
}

// NewHub creates an empty registry.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:      logger,
		connections: make(map[string]*Connection),
		devices:     make(map[string]map[string]*Connection),
	}
}

// NewConnection creates a connection for device. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn, device string) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		Device: device,
		Conn:   ws,
		Send:   make(chan []byte, 256),
	}
}

// Register adds conn to its device's set, creating the set if needed.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	peers := h.devices[conn.Device]
	if peers == nil {
		peers = make(map[string]*Connection)
		h.devices[conn.Device] = peers
	}
	peers[conn.ID] = conn
	n := len(peers)
	h.mu.Unlock()

	h.logger.Info("connection registered", zap.String("conn", conn.ID), zap.Int("deviceConnections", n))
}

// Unregister removes conn and prunes its device entry when it was the last
// connection. It is safe to call more than once.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	if ok {
		delete(h.connections, conn.ID)
		if peers := h.devices[conn.Device]; peers != nil {
			delete(peers, conn.ID)
			if len(peers) == 0 {
				delete(h.devices, conn.Device)
			}
		}
		conn.closeSend()
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("connection unregistered", zap.String("conn", conn.ID))
	}
}

// SendToDevice queues data on every live connection of device and returns
// how many connections accepted it. A connection whose buffer is full is
// dropped.
func (h *Hub) SendToDevice(device string, data []byte) (int, error) {
	h.mu.RLock()
	peers := make([]*Connection, 0, len(h.devices[device]))
	for _, conn := range h.devices[device] {
		peers = append(peers, conn)
	}
	h.mu.RUnlock()

	if len(peers) == 0 {
		return 0, ErrDeviceOffline
	}

	delivered := 0
	for _, conn := range peers {
		if err := h.SendToConnection(conn, data); err != nil {
			if errors.Is(err, ErrBufferFull) {
				h.logger.Warn("connection buffer full, closing", zap.String("conn", conn.ID))
				h.Unregister(conn)
			}
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return 0, ErrDeviceOffline
	}
	return delivered, nil
}

// SendJSONToDevice marshals v and sends it with SendToDevice.
func (h *Hub) SendJSONToDevice(device string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return h.SendToDevice(device, data)
}

// SendToConnection queues data on a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	if conn.closed {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// IsOnline reports whether device has at least one live connection.
func (h *Hub) IsOnline(device string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices[device]) > 0
}

// Devices returns the online device tokens in sorted order.
func (h *Hub) Devices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.devices))
	for d := range h.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetDeviceCount returns the number of online devices.
func (h *Hub) GetDeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
