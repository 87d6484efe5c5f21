package server

import (
	"encoding/json"
	"errors"

	"github.com/xiaonanln/shieldmesh/mesh/broadcaster"
	"github.com/xiaonanln/shieldmesh/mesh/peerregistry"
	"github.com/xiaonanln/shieldmesh/transport"
)

// Ping is the data of EventPing and EventPong frames
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// OnConnect admits a transport session: the peer is tracked by the registry and
// the connection joins the broadcaster. A full registry refuses the session.
// Admission and teardown of one peer's sessions are serialized.
func (s *Server) OnConnect(conn transport.Conn, metadata map[string]string) error {
	peerID := conn.PeerID()
	unlock := s.sessions.Lock(peerID)
	defer unlock()

	if err := s.registry.AddPeer(peerID, metadata); err != nil {
		if errors.Is(err, peerregistry.ErrCapacityExceeded) {
			s.logger.Warnf("Refusing %s session of peer %s: %v", conn.Transport(), peerID, err)
		}
		return err
	}
	return s.attach(conn, metadata)
}

// attach joins an admitted session to the broadcaster. The peer is tracked again
// if its previous last session went offline after AddPeer.
func (s *Server) attach(conn transport.Conn, metadata map[string]string) error {
	peerID := conn.PeerID()
	s.broadcaster.HandleConnection(conn.ID(), peerID)

	if !s.registry.IsTracked(peerID) {
		if err := s.registry.AddPeer(peerID, metadata); err != nil {
			s.broadcaster.HandleDisconnection(conn.ID(), peerID)
			return err
		}
	}

	// Probe right away so the peer does not wait a full ping interval to be
	// promoted from CONNECTING
	s.sendPing(conn)
	return nil
}

// OnDisconnect removes the connection from the broadcaster. The peer leaves the
// registry when its last connection is gone.
func (s *Server) OnDisconnect(conn transport.Conn) {
	unlock := s.sessions.Lock(conn.PeerID())
	defer unlock()
	s.broadcaster.HandleDisconnection(conn.ID(), conn.PeerID())
}

// OnFrame handles a frame sent by a peer
func (s *Server) OnFrame(conn transport.Conn, frame transport.Frame) {
	peerID := conn.PeerID()

	switch frame.Event {
	case transport.EventPong:
		if !s.registry.UpdatePeerStatus(peerID, peerregistry.Connected) {
			s.logger.Debugf("Pong from untracked peer %s", peerID)
		}

	case transport.EventPing:
		if err := s.registry.HandlePeerMessage(peerID, frame.Data); err != nil {
			s.logger.Debugf("Ping from untracked peer %s: %v", peerID, err)
			return
		}
		pong, _ := transport.NewFrame(transport.EventPong, Ping{Timestamp: s.now().UnixMilli()})
		conn.Send(pong)

	case transport.EventBroadcast:
		var req transport.BroadcastRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.Event == "" {
			s.logger.Debugf("Ignoring malformed broadcast from peer %s: %v", peerID, err)
			return
		}
		if err := s.registry.HandlePeerMessage(peerID, frame.Data); err != nil {
			s.logger.Debugf("Broadcast from untracked peer %s: %v", peerID, err)
			return
		}
		if err := s.filter.CheckBroadcast(peerID, req.Event); err != nil {
			s.logger.Warnf("%v", err)
			return
		}
		s.broadcaster.BroadcastMessage(broadcaster.Message{
			ID:        req.ID,
			Event:     req.Event,
			Data:      req.Data,
			EmittedAt: req.EmittedAt,
			Seq:       req.Seq,
		}, peerID)

	default:
		raw, _ := json.Marshal(frame)
		if err := s.registry.HandlePeerMessage(peerID, raw); err != nil {
			s.logger.Debugf("Frame %s from untracked peer %s: %v", frame.Event, peerID, err)
		}
	}
}

func (s *Server) sendPing(conn transport.Conn) {
	ping, _ := transport.NewFrame(transport.EventPing, Ping{Timestamp: s.now().UnixMilli()})
	if err := conn.Send(ping); err != nil {
		s.logger.Debugf("Ping to connection %s failed: %v", conn.ID(), err)
	}
}

// pingPeer sends a ping on every connection of peerID
func (s *Server) pingPeer(peerID string) int {
	data, _ := json.Marshal(Ping{Timestamp: s.now().UnixMilli()})
	return s.broadcaster.SendToPeer(peerID, transport.EventPing, data)
}

func (s *Server) onRegistryEvent(ev peerregistry.Event) {
	switch e := ev.(type) {
	case peerregistry.PingDue:
		s.pingPeer(e.ID)
	case peerregistry.ReconnectAttempt:
		if s.pingPeer(e.ID) == 0 {
			s.logger.Debugf("Reconnect attempt for peer %s reached no connection", e.ID)
		}
	case peerregistry.StatusChanged:
		s.logger.Infof("Peer %s: %s -> %s", e.ID, e.From, e.To)
	}
}

func (s *Server) onBroadcasterEvent(ev broadcaster.Event) {
	if e, ok := ev.(broadcaster.PeerOffline); ok {
		// A new session may have joined since the event was emitted
		if s.broadcaster.IsConnected(e.Peer) {
			return
		}
		s.registry.RemovePeer(e.Peer)
	}
}
