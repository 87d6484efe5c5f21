// Package transporttest provides Hooks that record what a transport reports, for
// testing transports without a mesh behind them.
package transporttest

import (
	"sync"

	"github.com/xiaonanln/shieldmesh/transport"
)

// ReceivedFrame is a frame together with the connection it arrived on
type ReceivedFrame struct {
	Conn  transport.Conn
	Frame transport.Frame
}

// Hooks records every callback. Refuse, when set, is returned from OnConnect.
type Hooks struct {
	mu           sync.Mutex
	Refuse       error
	connected    []transport.Conn
	metadata     []map[string]string
	disconnected []transport.Conn
	frames       []ReceivedFrame
}

func (h *Hooks) OnConnect(conn transport.Conn, metadata map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Refuse != nil {
		return h.Refuse
	}
	h.connected = append(h.connected, conn)
	h.metadata = append(h.metadata, metadata)
	return nil
}

func (h *Hooks) OnDisconnect(conn transport.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, conn)
}

func (h *Hooks) OnFrame(conn transport.Conn, frame transport.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, ReceivedFrame{Conn: conn, Frame: frame})
}

// Connected returns the admitted connections in order
func (h *Hooks) Connected() []transport.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Conn(nil), h.connected...)
}

// Metadata returns the metadata of each admitted connection in order
func (h *Hooks) Metadata() []map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]string(nil), h.metadata...)
}

// Disconnected returns the disconnected connections in order
func (h *Hooks) Disconnected() []transport.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Conn(nil), h.disconnected...)
}

// Frames returns every received frame in order
func (h *Hooks) Frames() []ReceivedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ReceivedFrame(nil), h.frames...)
}
