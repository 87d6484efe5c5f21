package peerregistry

// Event is a notification emitted by the registry. Handlers switch on the
// concrete type.
type Event interface {
	PeerID() string
}

// Handler consumes registry events. Handlers run synchronously on the goroutine
// that caused the event, after the registry lock has been released, so they may
// call back into the registry.
type Handler func(Event)

// PeerAdded is emitted when a new peer is admitted
type PeerAdded struct {
	Peer Peer
}

// PeerRemoved is emitted when a tracked peer is removed
type PeerRemoved struct {
	Peer Peer
}

// StatusChanged is emitted by UpdatePeerStatus and by the health sweeps
type StatusChanged struct {
	ID   string
	From Status
	To   Status
}

// MessageReceived carries a message from a tracked peer for downstream processing
type MessageReceived struct {
	ID      string
	Message []byte
}

// PingDue is emitted by the ping sweep for every healthy CONNECTED peer
type PingDue struct {
	ID string
}

// ReconnectAttempt is emitted by the reconnect sweep for every peer moved back to
// CONNECTING
type ReconnectAttempt struct {
	ID string
}

func (e PeerAdded) PeerID() string        { return e.Peer.ID }
func (e PeerRemoved) PeerID() string      { return e.Peer.ID }
func (e StatusChanged) PeerID() string    { return e.ID }
func (e MessageReceived) PeerID() string  { return e.ID }
func (e PingDue) PeerID() string          { return e.ID }
func (e ReconnectAttempt) PeerID() string { return e.ID }
