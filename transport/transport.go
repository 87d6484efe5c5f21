// Package transport connects peers to the mesh. Each concrete transport (websocket,
// gRPC stream, MQTT) turns its sessions into Conns registered with a Router and
// reports lifecycle and inbound frames through Hooks.
package transport

import (
	"encoding/json"
	"errors"
)

// Event names on the wire
const (
	// EventPing is a health check sent to a peer; the peer answers with EventPong
	EventPing = "mesh:ping"
	EventPong = "mesh:pong"
	// EventBroadcast is sent by a peer to flood a message to the rest of the mesh
	EventBroadcast = "mesh:broadcast"
	// EventMessage carries a flooded message envelope to a peer
	EventMessage = "mesh:message"
	// EventWelcome is the first frame of a session and carries the connection id
	EventWelcome = "mesh:welcome"
	// EventRefused tells a peer its session was not admitted
	EventRefused = "mesh:refused"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrSendBufferFull    = errors.New("send buffer full")
)

// Frame is one event on the wire
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// BroadcastRequest is the data of an inbound EventBroadcast frame
type BroadcastRequest struct {
	ID        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	EmittedAt int64           `json:"emittedAt,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// Welcome is the data of an EventWelcome frame
type Welcome struct {
	ConnectionID string `json:"connectionId"`
	PeerID       string `json:"peerId"`
}

// Conn is one live session of a peer
type Conn interface {
	ID() string
	PeerID() string
	// Transport names the transport for metrics and logs
	Transport() string
	// Send queues a frame for the peer without blocking
	Send(frame Frame) error
	Close() error
}

// Hooks receives session lifecycle and inbound frames from transports
type Hooks interface {
	// OnConnect admits a new session. An error refuses it and the transport
	// closes the session.
	OnConnect(conn Conn, metadata map[string]string) error
	// OnDisconnect is called once for every admitted session
	OnDisconnect(conn Conn)
	// OnFrame is called for every frame received on an admitted session
	OnFrame(conn Conn, frame Frame)
}

// NewFrame builds a frame whose data is v encoded as JSON. A json.RawMessage or
// []byte is used verbatim.
func NewFrame(event string, v any) (Frame, error) {
	switch d := v.(type) {
	case nil:
		return Frame{Event: event}, nil
	case json.RawMessage:
		return Frame{Event: event, Data: d}, nil
	case []byte:
		return Frame{Event: event, Data: d}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}
