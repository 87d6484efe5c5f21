package transport

import "github.com/google/uuid"

// MemConn is an in-process Conn. Frames sent to it are read from Frames().
type MemConn struct {
	id     string
	peerID string
	outbox *Outbox
}

// NewMemConn creates an in-process connection of peerID with a fresh id
func NewMemConn(peerID string, bufferSize int) *MemConn {
	id := uuid.NewString()
	return &MemConn{id: id, peerID: peerID, outbox: NewOutbox(id, bufferSize)}
}

func (c *MemConn) ID() string        { return c.id }
func (c *MemConn) PeerID() string    { return c.peerID }
func (c *MemConn) Transport() string { return "memory" }

func (c *MemConn) Send(frame Frame) error {
	return c.outbox.Push(frame)
}

func (c *MemConn) Close() error {
	c.outbox.Close()
	return nil
}

// Frames returns the frames sent to the connection
func (c *MemConn) Frames() <-chan Frame {
	return c.outbox.Frames()
}
