// Package peerregistry tracks which mesh peers are reachable and healthy.
//
// Every peer moves through a small health state machine:
//
//	CONNECTING --UpdatePeerStatus--> CONNECTED
//	CONNECTED  --ping sweep, silent for > 2*PingInterval--> DISCONNECTED
//	DISCONNECTED --reconnect sweep--> CONNECTING
//
// The sweeps run on a scheduler owned by the registry. Reconnect attempts are
// neither capped nor backed off: every DISCONNECTED peer is retried on every
// reconnect sweep for as long as it stays tracked.
package peerregistry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/shieldmesh/util/logger"
	"github.com/xiaonanln/shieldmesh/util/metrics"
	"github.com/xiaonanln/shieldmesh/util/scheduler"
)

const (
	// DefaultMaxPeers is the number of peers tracked at once
	DefaultMaxPeers = 10
	// DefaultPingInterval is the period of the health sweep
	DefaultPingInterval = 30 * time.Second
	// DefaultReconnectInterval is the period of the reconnect sweep
	DefaultReconnectInterval = 5 * time.Second

	pingTask      = "ping"
	reconnectTask = "reconnect"
)

var (
	// ErrCapacityExceeded is returned by AddPeer when MaxPeers peers are tracked
	ErrCapacityExceeded = errors.New("peer capacity exceeded")
	// ErrUnknownPeer is returned for operations on an untracked peer id
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrDestroyed is returned by AddPeer after Destroy
	ErrDestroyed = errors.New("peer registry destroyed")
)

// Status is the health state of a peer
type Status int

const (
	Connecting Status = iota
	Connected
	Disconnected
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus converts a status name back into a Status
func ParseStatus(name string) (Status, error) {
	switch name {
	case "CONNECTING":
		return Connecting, nil
	case "CONNECTED":
		return Connected, nil
	case "DISCONNECTED":
		return Disconnected, nil
	}
	return 0, fmt.Errorf("unknown peer status %q", name)
}

// Peer is a snapshot of a tracked peer
type Peer struct {
	ID       string
	Status   Status
	LastPing time.Time
	Metadata map[string]string
}

func (p *Peer) clone() Peer {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Options configures a Registry. Zero fields take their defaults.
type Options struct {
	// NodeID labels the registry's metrics
	NodeID            string
	MaxPeers          int
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	// Now is the time source; defaults to time.Now
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxPeers <= 0 {
		o.MaxPeers = DefaultMaxPeers
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type subscription struct {
	id      int
	handler Handler
}

// Registry tracks at most MaxPeers peers and their health
type Registry struct {
	opts   Options
	logger *logger.Logger
	sched  *scheduler.Scheduler

	mu        sync.Mutex
	peers     map[string]*Peer
	subs      []subscription
	nextSubID int
	destroyed bool
}

// New creates a Registry. Call Start to begin the health sweeps.
func New(opts Options) *Registry {
	opts.setDefaults()
	r := &Registry{
		opts:   opts,
		logger: logger.NewLogger("PeerRegistry"),
		sched:  scheduler.New("PeerRegistry"),
		peers:  make(map[string]*Peer),
	}
	// Both registrations are on a fresh scheduler with positive intervals
	_ = r.sched.Every(pingTask, opts.PingInterval, r.pingSweep)
	_ = r.sched.Every(reconnectTask, opts.ReconnectInterval, r.reconnectSweep)
	return r
}

// Start begins the ping and reconnect sweeps
func (r *Registry) Start() {
	r.sched.Start()
	r.logger.Infof("Started: max %d peers, ping every %v, reconnect every %v",
		r.opts.MaxPeers, r.opts.PingInterval, r.opts.ReconnectInterval)
}

// Subscribe registers handler for every subsequent event and returns a function
// that unregisters it
func (r *Registry) Subscribe(handler Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return func() {}
	}
	r.nextSubID++
	id := r.nextSubID
	r.subs = append(r.subs, subscription{id: id, handler: handler})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// AddPeer admits a peer in CONNECTING state. Re-adding a tracked peer refreshes
// its metadata and last ping without using another slot.
func (r *Registry) AddPeer(id string, metadata map[string]string) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}

	now := r.opts.Now()
	if existing, ok := r.peers[id]; ok {
		existing.LastPing = now
		if metadata != nil {
			existing.Metadata = copyMetadata(metadata)
		}
		r.mu.Unlock()
		r.logger.Debugf("Peer %s re-added, status %s", id, existing.Status)
		return nil
	}

	if len(r.peers) >= r.opts.MaxPeers {
		r.mu.Unlock()
		metrics.RecordPeerAdmissionRejected(r.opts.NodeID)
		r.logger.Warnf("Rejected peer %s: %d peers already tracked", id, r.opts.MaxPeers)
		return fmt.Errorf("%w: %d peers tracked", ErrCapacityExceeded, r.opts.MaxPeers)
	}

	p := &Peer{
		ID:       id,
		Status:   Connecting,
		LastPing: now,
		Metadata: copyMetadata(metadata),
	}
	r.peers[id] = p
	events := []Event{PeerAdded{Peer: p.clone()}}
	r.unlockAndDispatch(events)

	r.logger.Infof("Peer %s added", id)
	return nil
}

// RemovePeer stops tracking a peer. Removing an untracked peer is a no-op.
func (r *Registry) RemovePeer(id string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, id)
	r.unlockAndDispatch([]Event{PeerRemoved{Peer: p.clone()}})

	r.logger.Infof("Peer %s removed", id)
}

// UpdatePeerStatus sets the status of a tracked peer and refreshes its last ping.
// It returns false when the peer is not tracked.
func (r *Registry) UpdatePeerStatus(id string, status Status) bool {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	from := p.Status
	p.Status = status
	p.LastPing = r.opts.Now()
	metrics.RecordPeerStatusTransition(r.opts.NodeID, from.String(), status.String())
	r.unlockAndDispatch([]Event{StatusChanged{ID: id, From: from, To: status}})
	return true
}

// HandlePeerMessage refreshes the last ping of the sending peer and emits the
// message as a MessageReceived event
func (r *Registry) HandlePeerMessage(id string, message []byte) error {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p.LastPing = r.opts.Now()
	r.unlockAndDispatch([]Event{MessageReceived{ID: id, Message: message}})
	return nil
}

// PeerStatus returns the status of a tracked peer
func (r *Registry) PeerStatus(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return 0, false
	}
	return p.Status, true
}

// Peer returns a copy of a tracked peer
func (r *Registry) Peer(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// Peers returns copies of all tracked peers ordered by id
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectedPeers returns the ids of CONNECTED peers ordered by id
func (r *Registry) ConnectedPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, p := range r.peers {
		if p.Status == Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsTracked reports whether id is tracked, whatever its status
func (r *Registry) IsTracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// PeerCount returns the number of tracked peers
func (r *Registry) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// pingSweep marks CONNECTED peers silent for more than two ping intervals as
// DISCONNECTED and asks for a ping to the others
func (r *Registry) pingSweep() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}

	now := r.opts.Now()
	deadline := 2 * r.opts.PingInterval
	var events []Event
	for _, id := range r.sortedIDsLocked() {
		p := r.peers[id]
		if p.Status != Connected {
			continue
		}
		if now.Sub(p.LastPing) > deadline {
			p.Status = Disconnected
			metrics.RecordPeerStatusTransition(r.opts.NodeID, Connected.String(), Disconnected.String())
			events = append(events, StatusChanged{ID: id, From: Connected, To: Disconnected})
			r.logger.Warnf("Peer %s missed pings since %v, marked DISCONNECTED", id, p.LastPing)
		} else {
			events = append(events, PingDue{ID: id})
		}
	}
	r.unlockAndDispatch(events)
}

// reconnectSweep moves every DISCONNECTED peer back to CONNECTING
func (r *Registry) reconnectSweep() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}

	var events []Event
	for _, id := range r.sortedIDsLocked() {
		p := r.peers[id]
		if p.Status != Disconnected {
			continue
		}
		p.Status = Connecting
		metrics.RecordPeerStatusTransition(r.opts.NodeID, Disconnected.String(), Connecting.String())
		events = append(events,
			StatusChanged{ID: id, From: Disconnected, To: Connecting},
			ReconnectAttempt{ID: id})
		r.logger.Debugf("Attempting to reconnect peer %s", id)
	}
	r.unlockAndDispatch(events)
}

// Destroy stops both sweeps and discards all peers and subscriptions. Handlers
// are not called once Destroy has begun and no sweep runs after it returns; an
// operation already inside a handler when Destroy is called may still be running
// it. Destroy is idempotent. It must not be called from a
// handler of a sweep event, since it waits for the sweep to finish.
func (r *Registry) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.mu.Unlock()

	// Waits for a running sweep, which may still dispatch to handlers
	r.sched.Stop()

	r.mu.Lock()
	r.peers = make(map[string]*Peer)
	r.subs = nil
	r.publishGaugesLocked()
	r.mu.Unlock()

	r.logger.Infof("Destroyed")
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) publishGaugesLocked() {
	counts := map[Status]int{Connecting: 0, Connected: 0, Disconnected: 0}
	for _, p := range r.peers {
		counts[p.Status]++
	}
	for status, n := range counts {
		metrics.SetPeersTracked(r.opts.NodeID, status.String(), n)
	}
}

// unlockAndDispatch must be called with r.mu held. It publishes the gauges,
// releases the lock and delivers events to a snapshot of the subscribers.
func (r *Registry) unlockAndDispatch(events []Event) {
	r.publishGaugesLocked()
	if len(events) == 0 || r.destroyed {
		r.mu.Unlock()
		return
	}
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			if r.isDestroyed() {
				return
			}
			r.deliver(s.handler, ev)
		}
	}
}

func (r *Registry) isDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *Registry) deliver(handler Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Event handler panicked on %T for peer %s: %v", ev, ev.PeerID(), rec)
		}
	}()
	handler(ev)
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
