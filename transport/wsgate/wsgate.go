// Package wsgate serves mesh peers over websocket. A peer connects to
// /ws?peer_id=<id>; every other query parameter becomes peer metadata.
package wsgate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xiaonanln/shieldmesh/transport"
	"github.com/xiaonanln/shieldmesh/util/logger"
)

// TransportName labels websocket connections
const TransportName = "websocket"

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// Options configures a Gate
type Options struct {
	// WriteWait bounds a single write
	WriteWait time.Duration
	// PongWait is how long a silent connection survives; protocol pings are sent
	// every 9/10 of it
	PongWait time.Duration
	// MaxMessageSize limits inbound frames
	MaxMessageSize int64
	// SendBuffer is the per-connection outbound queue size
	SendBuffer int
	// CheckOrigin overrides the upgrader's origin check; nil accepts any origin
	CheckOrigin func(r *http.Request) bool
}

// Gate upgrades HTTP requests to websocket sessions and registers them with a
// Router
type Gate struct {
	router   *transport.Router
	hooks    transport.Hooks
	opts     Options
	upgrader websocket.Upgrader
	logger   *logger.Logger
	wg       sync.WaitGroup
}

// New creates a Gate
func New(router *transport.Router, hooks transport.Hooks, opts Options) *Gate {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Gate{
		router: router,
		hooks:  hooks,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.NewLogger("WebsocketGate"),
	}
}

// ServeHTTP handles GET /ws?peer_id=...
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	peerID := query.Get("peer_id")
	if peerID == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}
	metadata := make(map[string]string)
	for k, v := range query {
		if k != "peer_id" && len(v) > 0 {
			metadata[k] = v[0]
		}
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warnf("Failed to upgrade connection of peer %s: %v", peerID, err)
		return
	}

	id := uuid.NewString()
	c := &conn{
		id:     id,
		peerID: peerID,
		ws:     ws,
		outbox: transport.NewOutbox(id, g.opts.SendBuffer),
		gate:   g,
	}

	g.router.Register(c)
	if err := g.hooks.OnConnect(c, metadata); err != nil {
		g.router.Unregister(id)
		g.refuse(ws, err)
		g.logger.Infof("Refused websocket session of peer %s: %v", peerID, err)
		return
	}

	welcome, _ := transport.NewFrame(transport.EventWelcome, transport.Welcome{ConnectionID: id, PeerID: peerID})
	c.Send(welcome)

	g.logger.Infof("Peer %s connected over websocket (connection %s)", peerID, id)
	g.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (g *Gate) refuse(ws *websocket.Conn, reason error) {
	defer ws.Close()
	frame, _ := transport.NewFrame(transport.EventRefused, map[string]string{"error": reason.Error()})
	ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
	if err := ws.WriteJSON(frame); err != nil {
		return
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "refused"))
}

// Wait blocks until every session handled by the gate has ended
func (g *Gate) Wait() {
	g.wg.Wait()
}

type conn struct {
	id     string
	peerID string
	ws     *websocket.Conn
	outbox *transport.Outbox
	gate   *Gate
}

func (c *conn) ID() string        { return c.id }
func (c *conn) PeerID() string    { return c.peerID }
func (c *conn) Transport() string { return TransportName }

func (c *conn) Send(frame transport.Frame) error {
	return c.outbox.Push(frame)
}

// Close ends the session after the queued frames are written
func (c *conn) Close() error {
	c.outbox.Close()
	return nil
}

func (c *conn) String() string {
	return fmt.Sprintf("wsconn(%s/%s)", c.peerID, c.id)
}

func (c *conn) readPump() {
	g := c.gate
	defer func() {
		g.router.Unregister(c.id)
		c.outbox.Close()
		c.ws.Close()
		g.hooks.OnDisconnect(c)
		g.logger.Infof("Peer %s disconnected from websocket (connection %s)", c.peerID, c.id)
		g.wg.Done()
	}()

	c.ws.SetReadLimit(g.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warnf("Error reading from %s: %v", c, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))

		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			g.logger.Debugf("Ignoring malformed frame from %s: %v", c, err)
			continue
		}
		g.hooks.OnFrame(c, frame)
	}
}

func (c *conn) writePump() {
	g := c.gate
	ticker := time.NewTicker(g.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		g.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.outbox.Frames():
			c.ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				g.logger.Debugf("Write to %s failed: %v", c, err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
