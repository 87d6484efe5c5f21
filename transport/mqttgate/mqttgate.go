// Package mqttgate serves mesh peers through an MQTT broker.
//
// Topics, under a configurable prefix:
//
//	<prefix>/presence/<peer>   peer → node  {"status":"online"|"offline","metadata":{...}}
//	<prefix>/up/<peer>         peer → node  frames
//	<prefix>/down/<peer>       node → peer  frames
//
// Sessions of a peer are tracked from its "online" presence until its "offline"
// presence. A peer has at most one MQTT session; it should set a last-will "offline"
// presence message so the broker reports it gone when its link drops.
package mqttgate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/xiaonanln/shieldmesh/transport"
	"github.com/xiaonanln/shieldmesh/util/logger"
	"github.com/xiaonanln/shieldmesh/util/taskpool"
)

// TransportName labels MQTT connections
const TransportName = "mqtt"

// DefaultTopicPrefix is used when Options.TopicPrefix is empty
const DefaultTopicPrefix = "shieldmesh"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Presence is the payload of a presence message
type Presence struct {
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Options configures a Gate
type Options struct {
	TopicPrefix string
	// SendBuffer is the per-connection outbound queue size
	SendBuffer int
}

// Gate bridges MQTT topics onto Router connections
type Gate struct {
	broker Broker
	router *transport.Router
	hooks  transport.Hooks
	prefix string
	pool   *taskpool.TaskPool
	logger *logger.Logger

	mu    sync.Mutex
	conns map[string]*conn // by peer id
}

// New creates a Gate; Start subscribes it to the broker
func New(broker Broker, router *transport.Router, hooks transport.Hooks, opts Options) *Gate {
	prefix := strings.TrimSuffix(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Gate{
		broker: broker,
		router: router,
		hooks:  hooks,
		prefix: prefix,
		pool:   taskpool.New(taskpool.Options{QueueSize: opts.SendBuffer}),
		logger: logger.NewLogger("MqttGate"),
		conns:  make(map[string]*conn),
	}
}

// PresenceTopic returns the presence topic of peerID
func (g *Gate) PresenceTopic(peerID string) string { return g.prefix + "/presence/" + peerID }

// UpTopic returns the topic peerID publishes frames on
func (g *Gate) UpTopic(peerID string) string { return g.prefix + "/up/" + peerID }

// DownTopic returns the topic peerID receives frames on
func (g *Gate) DownTopic(peerID string) string { return g.prefix + "/down/" + peerID }

// Start subscribes to presence and uplink topics
func (g *Gate) Start() error {
	if err := g.broker.Subscribe(g.prefix+"/presence/+", g.onPresence); err != nil {
		return fmt.Errorf("failed to subscribe to presence: %w", err)
	}
	if err := g.broker.Subscribe(g.prefix+"/up/+", g.onUplink); err != nil {
		return fmt.Errorf("failed to subscribe to uplink: %w", err)
	}
	g.logger.Infof("Listening for MQTT peers under %s/", g.prefix)
	return nil
}

// Stop ends every session and stops the gate's workers
func (g *Gate) Stop() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		g.endSession(c)
	}
	g.pool.Stop()
}

// SessionCount returns the number of peers with an MQTT session
func (g *Gate) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func peerFromTopic(topic string) string {
	return topic[strings.LastIndexByte(topic, '/')+1:]
}

// inbound messages of a peer are handled serially, off the MQTT client's goroutine
func (g *Gate) submitInbound(peerID string, job func()) {
	if !g.pool.Submit("in:"+peerID, func(ctx context.Context) { job() }) {
		g.logger.Warnf("Inbound queue of peer %s full, dropping message", peerID)
	}
}

func (g *Gate) onPresence(topic string, payload []byte) {
	peerID := peerFromTopic(topic)
	if peerID == "" {
		return
	}

	var p Presence
	if err := json.Unmarshal(payload, &p); err != nil {
		// Bare "online"/"offline" payloads are accepted too
		p.Status = strings.TrimSpace(string(payload))
	}

	g.submitInbound(peerID, func() {
		switch p.Status {
		case StatusOnline:
			g.beginSession(peerID, p.Metadata)
		case StatusOffline:
			g.mu.Lock()
			c := g.conns[peerID]
			g.mu.Unlock()
			if c != nil {
				g.endSession(c)
			}
		default:
			g.logger.Debugf("Ignoring presence %q of peer %s", p.Status, peerID)
		}
	})
}

func (g *Gate) onUplink(topic string, payload []byte) {
	peerID := peerFromTopic(topic)
	var frame transport.Frame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Event == "" {
		g.logger.Debugf("Ignoring malformed frame from peer %s: %v", peerID, err)
		return
	}

	g.submitInbound(peerID, func() {
		g.mu.Lock()
		c := g.conns[peerID]
		g.mu.Unlock()
		if c == nil {
			g.logger.Debugf("Dropping %s frame from peer %s without session", frame.Event, peerID)
			return
		}
		g.hooks.OnFrame(c, frame)
	})
}

func (g *Gate) beginSession(peerID string, metadata map[string]string) {
	g.mu.Lock()
	if _, exists := g.conns[peerID]; exists {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	c := &conn{id: uuid.NewString(), peerID: peerID, gate: g}

	if metadata == nil {
		metadata = make(map[string]string)
	}
	g.router.Register(c)
	if err := g.hooks.OnConnect(c, metadata); err != nil {
		g.router.Unregister(c.id)
		c.ended.Store(true)
		refused, _ := transport.NewFrame(transport.EventRefused, map[string]string{"error": err.Error()})
		g.publish(peerID, refused)
		g.logger.Infof("Refused MQTT session of peer %s: %v", peerID, err)
		return
	}
	g.mu.Lock()
	g.conns[peerID] = c
	g.mu.Unlock()

	welcome, _ := transport.NewFrame(transport.EventWelcome, transport.Welcome{ConnectionID: c.id, PeerID: peerID})
	c.Send(welcome)
	g.logger.Infof("Peer %s connected over MQTT (connection %s)", peerID, c.id)
}

func (g *Gate) endSession(c *conn) {
	g.mu.Lock()
	if g.conns[c.peerID] != c {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c.peerID)
	g.mu.Unlock()

	c.closeOnce.Do(func() {})
	c.ended.Store(true)
	g.router.Unregister(c.id)
	g.pool.Remove(c.id)
	g.hooks.OnDisconnect(c)
	g.logger.Infof("Peer %s disconnected from MQTT (connection %s)", c.peerID, c.id)
}

func (g *Gate) publish(peerID string, frame transport.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		g.logger.Warnf("Failed to encode %s frame: %v", frame.Event, err)
		return
	}
	if err := g.broker.Publish(g.DownTopic(peerID), data); err != nil {
		g.logger.Debugf("Publish to peer %s failed: %v", peerID, err)
	}
}

type conn struct {
	id        string
	peerID    string
	gate      *Gate
	ended     atomic.Bool
	closeOnce sync.Once
}

func (c *conn) ID() string        { return c.id }
func (c *conn) PeerID() string    { return c.peerID }
func (c *conn) Transport() string { return TransportName }

// Send queues a publish on the peer's downlink. Publishes of one connection run
// in order.
func (c *conn) Send(frame transport.Frame) error {
	if c.ended.Load() {
		return transport.ErrConnectionClosed
	}
	if !c.gate.pool.Submit(c.id, func(ctx context.Context) { c.gate.publish(c.peerID, frame) }) {
		return transport.ErrSendBufferFull
	}
	return nil
}

// Close ends the session once the frames queued before it are published
func (c *conn) Close() error {
	closing := false
	c.closeOnce.Do(func() { closing = true })
	if !closing {
		return nil
	}
	g := c.gate
	if !g.pool.Submit(c.id, func(ctx context.Context) { g.endSession(c) }) {
		g.endSession(c)
	}
	return nil
}
