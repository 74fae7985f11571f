package coordinator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
	"github.com/kmkrofficial/taskqueue-core/internal/taskstore"
)

// WorkerInfo is the master's in-memory record of a connected worker.
type WorkerInfo struct {
	NodeID        string
	Hostname      string
	Capabilities  []string
	LastHeartbeat time.Time
	Load          float64
	Online        bool
}

// ServerConfig configures the master side of the coordinator.
type ServerConfig struct {
	HeartbeatIntervalSecs int
	HeartbeatTimeout      time.Duration
}

// DefaultServerConfig returns a 10s heartbeat interval with 3x that as
// the reap timeout.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{HeartbeatIntervalSecs: 10, HeartbeatTimeout: 30 * time.Second}
}

// Server is the master side of the coordinator: it accepts worker
// connections at /v1/coordinator/ws, tracks WorkerInfo per session, and
// services RequestTask against the shared task store.
type Server struct {
	cfg    ServerConfig
	store  *taskstore.Store
	logger *slog.Logger
	router *chi.Mux
	upgrader websocket.Upgrader

	mu      sync.Mutex
	workers map[string]*WorkerInfo
	conns   map[string]*websocket.Conn
}

// NewServer builds a Server bound to store for claim/reclaim and logger
// for structured diagnostics.
func NewServer(cfg ServerConfig, store *taskstore.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		router:   chi.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		workers:  make(map[string]*WorkerInfo),
		conns:    make(map[string]*websocket.Conn),
	}
	s.setupRoutes()
	return s
}

// Router exposes the chi.Mux so cmd/taskmaster can mount it under an
// http.Server of its choosing.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Get("/v1/coordinator/ws", s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("coordinator: upgrade failed", "error", err)
		return
	}
	go s.serveSession(conn)
}

// serveSession runs the lifetime of one worker connection: it blocks on
// Register, then loops reading frames until the socket closes, at which
// point the worker is marked offline. Its running rows are left as they
// are; only ReapTimedOutWorkers reclaims them.
func (s *Server) serveSession(conn *websocket.Conn) {
	defer conn.Close()

	nodeID, capabilities, ok := s.awaitRegister(conn)
	if !ok {
		return
	}

	s.mu.Lock()
	s.workers[nodeID] = &WorkerInfo{
		NodeID:        nodeID,
		Capabilities:  capabilities,
		LastHeartbeat: time.Now(),
		Online:        true,
	}
	s.conns[nodeID] = conn
	s.mu.Unlock()

	defer s.markOffline(nodeID)

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.logger.Info("coordinator: worker disconnected", "node_id", nodeID, "error", err)
			return
		}
		s.dispatchFrame(conn, nodeID, env)
	}
}

func (s *Server) awaitRegister(conn *websocket.Conn) (string, []string, bool) {
	var env envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != frameRegister {
		s.logger.Warn("coordinator: expected register frame", "error", err, "type", env.Type)
		return "", nil, false
	}
	var reg registerFrame
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		return "", nil, false
	}

	nodeID := reg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	// Repeated registration of the same node_id replaces the prior
	// session.
	s.mu.Lock()
	if prior, exists := s.conns[nodeID]; exists {
		prior.Close()
	}
	s.mu.Unlock()

	ack, err := encodeFrame(frameRegisterAck, registerAckFrame{
		NodeID:                nodeID,
		HeartbeatIntervalSecs: s.cfg.HeartbeatIntervalSecs,
	})
	if err != nil || conn.WriteMessage(websocket.TextMessage, ack) != nil {
		return "", nil, false
	}
	return nodeID, reg.Capabilities, true
}

func (s *Server) dispatchFrame(conn *websocket.Conn, nodeID string, env envelope) {
	switch env.Type {
	case frameHeartbeat:
		s.handleHeartbeat(conn, nodeID, env.Payload)
	case frameRequestTask:
		s.handleRequestTask(conn, env.Payload)
	case frameTaskUpdate:
		s.handleTaskUpdate(env.Payload)
	default:
		s.logger.Warn("coordinator: unrecognized frame", "node_id", nodeID, "type", env.Type)
	}
}

func (s *Server) handleHeartbeat(conn *websocket.Conn, nodeID string, payload json.RawMessage) {
	var hb heartbeatFrame
	if err := json.Unmarshal(payload, &hb); err != nil {
		return
	}

	s.mu.Lock()
	if w, ok := s.workers[nodeID]; ok {
		w.LastHeartbeat = time.Now()
		w.Load = hb.LoadZeroOne
		w.Online = true
	}
	s.mu.Unlock()

	ack, err := encodeFrame(frameHeartbeatAck, heartbeatAckFrame{})
	if err == nil {
		conn.WriteMessage(websocket.TextMessage, ack)
	}
}

func (s *Server) handleRequestTask(conn *websocket.Conn, payload json.RawMessage) {
	var req requestTaskFrame
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}

	task, err := s.store.ClaimPending(req.NodeID, req.Capabilities)
	if err != nil {
		s.logger.Error("coordinator: claim failed", "node_id", req.NodeID, "error", err)
		return
	}

	var frame []byte
	if task == nil {
		frame, err = encodeFrame(frameNoTaskAvail, noTaskAvailableFrame{})
	} else {
		frame, err = encodeFrame(frameDispatchTask, dispatchTaskFrame{
			TaskID:   task.ID,
			TaskType: task.TaskType,
			Payload:  task.Payload,
		})
	}
	if err == nil {
		conn.WriteMessage(websocket.TextMessage, frame)
	}
}

// handleTaskUpdate applies a worker's progress mirror to the store as
// if it had been generated locally. Updates against a terminal row are
// ignored.
func (s *Server) handleTaskUpdate(payload json.RawMessage) {
	var upd taskUpdateFrame
	if err := json.Unmarshal(payload, &upd); err != nil {
		return
	}

	var err error
	if taskstore.IsTerminal(upd.Status) {
		err = s.store.Finalize(upd.TaskID, upd.Status, 0, upd.Result, upd.Error)
	} else {
		err = s.store.UpdateLive(upd.TaskID, upd.Status, upd.Progress, upd.Message, upd.Result, upd.Error)
	}
	if err != nil && err != taskerrors.ErrInvalidTransition {
		s.logger.Error("coordinator: task update rejected", "task_id", upd.TaskID, "error", err)
	}
}

// markOffline records that nodeID's session has ended. A plain
// disconnect (read error, closed socket) only marks the worker
// offline: the worker may still be legitimately running its in-flight
// tasks and could reconnect, so its running rows are left untouched.
// Only a confirmed heartbeat timeout (ReapTimedOutWorkers) reclaims
// orphaned rows back to pending.
func (s *Server) markOffline(nodeID string) {
	s.mu.Lock()
	if w, ok := s.workers[nodeID]; ok {
		w.Online = false
	}
	delete(s.conns, nodeID)
	s.mu.Unlock()
}

// ReapTimedOutWorkers is the heartbeat-timeout sweep: any worker whose
// last heartbeat exceeds cfg.HeartbeatTimeout is marked offline and its
// running rows reclaimed to pending, per spec's distinction between a
// plain disconnect and a confirmed-dead worker.
// Intended to be called periodically by cmd/taskmaster.
func (s *Server) ReapTimedOutWorkers() {
	cutoff := time.Now().Add(-s.cfg.HeartbeatTimeout)

	s.mu.Lock()
	var stale []string
	for nodeID, w := range s.workers {
		if w.Online && w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, nodeID)
		}
	}
	s.mu.Unlock()

	for _, nodeID := range stale {
		s.mu.Lock()
		if conn, ok := s.conns[nodeID]; ok {
			conn.Close()
		}
		s.mu.Unlock()
		s.markOffline(nodeID)

		if _, err := s.store.ReclaimOrphans(nodeID); err != nil {
			s.logger.Error("coordinator: orphan reclaim failed", "node_id", nodeID, "error", err)
		}
	}
}

// Workers returns a snapshot of every tracked worker, used for status
// reporting.
func (s *Server) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	return out
}
