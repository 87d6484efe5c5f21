// Package broadcaster floods mesh messages to every connected peer exactly once.
//
// A peer may hold several connections (a phone on websocket and MQTT at the same
// time); the broadcaster multiplexes them and delivers each message to every
// connection of every peer except the source. Message ids already seen within
// MessageTTL are dropped silently, so a retransmission relayed back by another
// peer is not flooded a second time.
package broadcaster

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/shieldmesh/util/logger"
	"github.com/xiaonanln/shieldmesh/util/metrics"
	"github.com/xiaonanln/shieldmesh/util/scheduler"
	"github.com/xiaonanln/shieldmesh/util/uniqueid"
)

const (
	// EventMessage is the event name of the envelope delivered to peers
	EventMessage = "mesh:message"

	// DefaultMessageTTL is how long a message id is remembered for deduplication
	DefaultMessageTTL = 3600 * time.Millisecond

	evictTask = "evict"
)

// Sender delivers an event to one connection. Delivery is best effort: an error
// is counted and logged, never retried.
type Sender interface {
	SendToPeer(connectionID, event string, payload []byte) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(connectionID, event string, payload []byte) error

// SendToPeer calls f
func (f SenderFunc) SendToPeer(connectionID, event string, payload []byte) error {
	return f(connectionID, event, payload)
}

// Message is a domain event to flood through the mesh
type Message struct {
	// ID overrides the derived message id when set
	ID    string
	Event string
	Data  json.RawMessage
	// EmittedAt is the source's emission time in milliseconds. When zero the
	// broadcaster stamps the current time and a per-source sequence number.
	EmittedAt int64
	// Seq distinguishes messages a source emitted within the same millisecond.
	// It is only used together with EmittedAt.
	Seq uint64
}

// Envelope is the wire form of a flooded message
type Envelope struct {
	MessageID string          `json:"messageId"`
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

type cachedMessage struct {
	timestamp time.Time
	payload   []byte
}

// Options configures a Broadcaster. Zero fields take their defaults.
type Options struct {
	// NodeID labels the broadcaster's metrics
	NodeID     string
	MessageTTL time.Duration
	// Reachable, when set, filters the peers a broadcast is delivered to
	Reachable func(peerID string) bool
	// Now is the time source; defaults to time.Now
	Now func() time.Time
}

// Broadcaster multiplexes peer connections and floods messages to them
type Broadcaster struct {
	sender Sender
	opts   Options
	logger *logger.Logger
	sched  *scheduler.Scheduler
	seq    *uniqueid.Sequencer

	mu          sync.Mutex
	connections map[string][]string
	cache       map[string]cachedMessage
	subs        []subscription
	nextSubID   int
	stopped     bool
}

// New creates a Broadcaster delivering through sender. Call Start to begin
// evicting expired message ids.
func New(sender Sender, opts Options) *Broadcaster {
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broadcaster{
		sender:      sender,
		opts:        opts,
		logger:      logger.NewLogger("MeshBroadcaster"),
		sched:       scheduler.New("MeshBroadcaster"),
		seq:         uniqueid.NewSequencer(),
		connections: make(map[string][]string),
		cache:       make(map[string]cachedMessage),
	}
	_ = b.sched.Every(evictTask, opts.MessageTTL, b.evictExpired)
	return b
}

// Start begins the eviction sweep
func (b *Broadcaster) Start() {
	b.sched.Start()
}

// Stop ends the eviction sweep and discards all connections and cached ids.
// Handlers are not called once Stop has begun; an operation already delivering an
// event when Stop is called may still be inside a handler when Stop returns.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.sched.Stop()

	b.mu.Lock()
	b.connections = make(map[string][]string)
	b.cache = make(map[string]cachedMessage)
	b.subs = nil
	metrics.SetDedupCacheSize(b.opts.NodeID, 0)
	b.mu.Unlock()
}

// HandleConnection registers a connection of peerID. The first connection of a
// peer emits PeerConnected.
func (b *Broadcaster) HandleConnection(connectionID, peerID string) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	conns := b.connections[peerID]
	for _, c := range conns {
		if c == connectionID {
			b.mu.Unlock()
			return
		}
	}
	first := len(conns) == 0
	b.connections[peerID] = append(conns, connectionID)

	var events []Event
	if first {
		events = append(events, PeerConnected{Peer: peerID, ConnectionID: connectionID})
	}
	b.unlockAndDispatch(events)

	b.logger.Debugf("Connection %s registered for peer %s", connectionID, peerID)
}

// HandleDisconnection unregisters a connection of peerID. It returns true when
// that was the peer's last connection, in which case PeerOffline is emitted.
// Unknown peers and connections are ignored.
func (b *Broadcaster) HandleDisconnection(connectionID, peerID string) bool {
	b.mu.Lock()
	conns, ok := b.connections[peerID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	idx := -1
	for i, c := range conns {
		if c == connectionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return false
	}

	remaining := append(conns[:idx:idx], conns[idx+1:]...)
	if len(remaining) > 0 {
		b.connections[peerID] = remaining
		b.mu.Unlock()
		b.logger.Debugf("Connection %s of peer %s closed, %d remaining", connectionID, peerID, len(remaining))
		return false
	}

	delete(b.connections, peerID)
	b.unlockAndDispatch([]Event{PeerOffline{Peer: peerID}})

	b.logger.Infof("Peer %s went offline", peerID)
	return true
}

// BroadcastMessage delivers msg to every connection of every peer except
// sourcePeerID and returns the number of successful sends. A message whose id was
// already broadcast within MessageTTL is dropped and 0 is returned.
func (b *Broadcaster) BroadcastMessage(msg Message, sourcePeerID string) int {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return 0
	}

	now := b.opts.Now()
	id := b.messageIDLocked(msg, sourcePeerID, now)
	if cached, ok := b.cache[id]; ok && now.Sub(cached.timestamp) < b.opts.MessageTTL {
		b.mu.Unlock()
		metrics.RecordBroadcast(b.opts.NodeID, true)
		b.logDuplicate(id, sourcePeerID, now)
		return 0
	}

	payload, err := json.Marshal(Envelope{
		MessageID: id,
		Source:    sourcePeerID,
		Event:     msg.Event,
		Data:      msg.Data,
	})
	if err != nil {
		b.mu.Unlock()
		b.logger.Errorf("Failed to encode message %s: %v", id, err)
		return 0
	}

	b.cache[id] = cachedMessage{timestamp: now, payload: payload}
	metrics.SetDedupCacheSize(b.opts.NodeID, len(b.cache))
	targets := b.targetsLocked(sourcePeerID)
	b.mu.Unlock()

	metrics.RecordBroadcast(b.opts.NodeID, false)
	return b.deliver(targets, EventMessage, payload)
}

// SendToPeer delivers an event to every connection of one peer and returns the
// number of successful sends
func (b *Broadcaster) SendToPeer(peerID, event string, payload []byte) int {
	b.mu.Lock()
	conns := append([]string(nil), b.connections[peerID]...)
	b.mu.Unlock()

	if len(conns) == 0 {
		return 0
	}
	return b.deliver([]target{{peer: peerID, conns: conns}}, event, payload)
}

type target struct {
	peer  string
	conns []string
}

// targetsLocked snapshots the connections of every peer except source
func (b *Broadcaster) targetsLocked(source string) []target {
	peers := make([]string, 0, len(b.connections))
	for peer := range b.connections {
		if peer != source {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)

	targets := make([]target, 0, len(peers))
	for _, peer := range peers {
		targets = append(targets, target{
			peer:  peer,
			conns: append([]string(nil), b.connections[peer]...),
		})
	}
	return targets
}

func (b *Broadcaster) deliver(targets []target, event string, payload []byte) int {
	succeeded, failed := 0, 0
	for _, t := range targets {
		if b.opts.Reachable != nil && !b.opts.Reachable(t.peer) {
			continue
		}
		for _, conn := range t.conns {
			if err := b.sender.SendToPeer(conn, event, payload); err != nil {
				failed++
				b.logger.Debugf("Delivery of %s to peer %s on %s failed: %v", event, t.peer, conn, err)
				continue
			}
			succeeded++
		}
	}
	metrics.RecordDeliveries(b.opts.NodeID, succeeded, failed)
	return succeeded
}

func (b *Broadcaster) messageIDLocked(msg Message, source string, now time.Time) string {
	if msg.ID != "" {
		return msg.ID
	}
	if msg.EmittedAt != 0 {
		return uniqueid.MessageID(source, msg.EmittedAt, msg.Seq)
	}
	return uniqueid.MessageID(source, now.UnixMilli(), b.seq.Next(source, now))
}

func (b *Broadcaster) logDuplicate(id, source string, now time.Time) {
	parsed, err := uniqueid.ParseMessageID(id)
	if err != nil {
		// Caller supplied ids need not follow the derived format
		b.logger.Debugf("Dropped duplicate message %s from %s", id, source)
		return
	}
	b.logger.Debugf("Dropped duplicate message %s from %s: emitted by %s %dms ago (seq %d)",
		id, source, parsed.Source, now.UnixMilli()-parsed.EmittedAt, parsed.Seq)
}

// evictExpired drops cached ids older than MessageTTL and the sequence counters of
// sources idle for as long
func (b *Broadcaster) evictExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	evicted := 0
	for id, cached := range b.cache {
		if now.Sub(cached.timestamp) >= b.opts.MessageTTL {
			delete(b.cache, id)
			evicted++
		}
	}
	pruned := b.seq.Prune(now.Add(-b.opts.MessageTTL))
	metrics.SetDedupCacheSize(b.opts.NodeID, len(b.cache))
	if evicted > 0 || pruned > 0 {
		b.logger.Debugf("Evicted %d expired message ids and %d idle sources, %d cached", evicted, pruned, len(b.cache))
	}
}

// PeerCount returns the number of peers with at least one connection
func (b *Broadcaster) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections)
}

// IsConnected reports whether peerID has at least one connection
func (b *Broadcaster) IsConnected(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.connections[peerID]
	return ok
}

// Connections returns the connection ids of peerID in registration order
func (b *Broadcaster) Connections(peerID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.connections[peerID]...)
}

// CachedMessageCount returns the number of message ids held for deduplication
func (b *Broadcaster) CachedMessageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}
