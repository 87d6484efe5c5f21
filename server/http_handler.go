package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaonanln/shieldmesh/mesh/broadcaster"
	"github.com/xiaonanln/shieldmesh/reconcile"
	"github.com/xiaonanln/shieldmesh/record"
)

// maxBodySize limits request bodies; a sync push carries a client's whole backlog
const maxBodySize = 32 << 20

// HTTPErrorResponse represents an error response
type HTTPErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HTTPResolveRequest is the body of POST /api/v1/sync/resolve
type HTTPResolveRequest struct {
	Server   json.RawMessage `json:"server"`
	Client   json.RawMessage `json:"client"`
	Strategy string          `json:"strategy"`
}

// HTTPResolveResponse carries the record the strategy keeps
type HTTPResolveResponse struct {
	Resolved record.Record `json:"resolved"`
	Strategy string        `json:"strategy"`
}

// HTTPCursorResponse reports a client's sync cursor
type HTTPCursorResponse struct {
	ClientID string `json:"clientId"`
	LastSync int64  `json:"lastSync"`
}

// HTTPPeer describes one tracked peer
type HTTPPeer struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	LastPing    time.Time         `json:"lastPing"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Connections int               `json:"connections"`
}

// HTTPPeersResponse is the body of GET /api/v1/mesh/peers
type HTTPPeersResponse struct {
	PeerCount int        `json:"peerCount"`
	Connected []string   `json:"connected"`
	Peers     []HTTPPeer `json:"peers"`
}

// HTTPBroadcastRequest is the body of POST /api/v1/mesh/broadcast
type HTTPBroadcastRequest struct {
	ID     string          `json:"id,omitempty"`
	Source string          `json:"source"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HTTPBroadcastResponse reports how many connections a broadcast reached
type HTTPBroadcastResponse struct {
	Delivered int `json:"delivered"`
}

// Handler returns the node's HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Synchronization
	mux.HandleFunc("/api/v1/sync/", s.handleSync)

	// Mesh
	mux.HandleFunc("/api/v1/mesh/peers", s.handlePeers)
	mux.HandleFunc("/api/v1/mesh/broadcast", s.handleBroadcast)
	mux.Handle("/ws", s.ws)

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// handleSync dispatches
//
//	POST /api/v1/sync/resolve
//	POST /api/v1/sync/{clientID}
//	GET  /api/v1/sync/{clientID}/changes
//	GET  /api/v1/sync/{clientID}/cursor
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sync/"), "/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] == "resolve":
		s.handleResolve(w, r)
	case len(parts) == 1 && parts[0] != "":
		s.handleSyncPush(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "changes":
		s.handleSyncChanges(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "cursor":
		s.handleSyncCursor(w, r, parts[0])
	default:
		s.writeError(w, http.StatusNotFound, "INVALID_PATH", "Path must be /api/v1/sync/{clientID}[/changes|/cursor] or /api/v1/sync/resolve")
	}
}

// handleSyncPush merges a client's buffered writes
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	var payload record.Payload
	if !s.readJSON(w, r, &payload) {
		return
	}

	result := s.reconciler.SynchronizeClientData(r.Context(), clientID, payload)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, result)
}

// handleSyncChanges returns what a client missed since its cursor
func (s *Server) handleSyncChanges(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}

	changes, err := s.reconciler.ChangesSinceLastSync(r.Context(), clientID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "CHANGES_FAILED", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, changes)
}

// handleSyncCursor returns a client's cursor
func (s *Server) handleSyncCursor(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}

	cursor, err := s.reconciler.Cursor(r.Context(), clientID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "CURSOR_FAILED", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, HTTPCursorResponse{ClientID: clientID, LastSync: cursor})
}

// handleResolve applies a conflict strategy to a server and a client copy
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	var req HTTPResolveRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	serverRec, err := record.Parse(req.Server)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_RECORD", fmt.Sprintf("server record: %v", err))
		return
	}
	clientRec, err := record.Parse(req.Client)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_RECORD", fmt.Sprintf("client record: %v", err))
		return
	}
	strategy, err := reconcile.ParseStrategy(req.Strategy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_STRATEGY", err.Error())
		return
	}

	resolved, err := reconcile.ResolveConflicts(serverRec, clientRec, strategy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_STRATEGY", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, HTTPResolveResponse{Resolved: resolved, Strategy: strategy.String()})
}

// handlePeers handles GET /api/v1/mesh/peers
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}

	peers := s.registry.Peers()
	resp := HTTPPeersResponse{
		PeerCount: len(peers),
		Connected: s.registry.ConnectedPeers(),
		Peers:     make([]HTTPPeer, 0, len(peers)),
	}
	if resp.Connected == nil {
		resp.Connected = []string{}
	}
	for _, p := range peers {
		resp.Peers = append(resp.Peers, HTTPPeer{
			ID:          p.ID,
			Status:      p.Status.String(),
			LastPing:    p.LastPing,
			Metadata:    p.Metadata,
			Connections: len(s.broadcaster.Connections(p.ID)),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleBroadcast floods a message on behalf of source. An empty source is the
// node itself, so every peer receives it.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	var req HTTPBroadcastRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Event == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMETERS", "event must not be empty")
		return
	}
	source := req.Source
	if source == "" {
		source = s.cfg.Node.ID
	}
	if err := s.filter.CheckBroadcast(source, req.Event); err != nil {
		s.writeError(w, http.StatusForbidden, "EVENT_NOT_ALLOWED", err.Error())
		return
	}

	delivered := s.broadcaster.BroadcastMessage(broadcaster.Message{
		ID:    req.ID,
		Event: req.Event,
		Data:  req.Data,
	}, source)
	s.writeJSON(w, http.StatusOK, HTTPBroadcastResponse{Delivered: delivered})
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"node":   s.cfg.Node.ID,
		"peers":  s.registry.PeerCount(),
	})
}

// readJSON decodes the request body into v, writing an error response on failure
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
			return false
		}
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY", fmt.Sprintf("Failed to read request body: %v", err))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", fmt.Sprintf("Failed to parse JSON: %v", err))
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

// writeError writes an error response in JSON format
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code string, message string) {
	s.writeJSON(w, statusCode, HTTPErrorResponse{
		Error: message,
		Code:  code,
	})
}
