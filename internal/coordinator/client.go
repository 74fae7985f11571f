package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/kmkrofficial/taskqueue-core/internal/executor"
	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
	"github.com/kmkrofficial/taskqueue-core/internal/taskerrors"
)

// ClientConfig configures the worker side of the coordinator.
type ClientConfig struct {
	MasterURL        string
	Hostname         string
	Capabilities     []string
	PollInterval     time.Duration
	ReconnectBackoff time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	return c
}

// Client is the worker side of the coordinator: it registers with a
// master, answers ControlTask commands against locally-dispatched
// handles, and polls for work via RequestTask whenever it is idle.
// State progresses Disconnected -> Connecting -> Registered -> Active,
// reconnecting with a fixed backoff on any read/write error.
type Client struct {
	cfg       ClientConfig
	executors *executor.Registry
	logger    *slog.Logger

	nodeID                string
	heartbeatIntervalSecs int

	pollLimiter *rate.Limiter
	activeCount atomic.Int64

	mu      sync.Mutex
	handles map[string]*taskctx.Handle
}

// safeConn serializes writes to a single websocket connection.
// gorilla/websocket allows only one concurrent writer; the heartbeat
// loop, the poll loop, and every in-flight dispatched task's progress
// reporter all write frames to the same connection independently, so
// every WriteMessage call on the client side must go through this.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *safeConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// NewClient builds a Client that dispatches received tasks through
// executors.
func NewClient(cfg ClientConfig, executors *executor.Registry, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:         cfg,
		executors:   executors,
		logger:      logger,
		pollLimiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		handles:     make(map[string]*taskctx.Handle),
	}
}

// Run drives the connect/register/serve loop until ctx is cancelled,
// reconnecting with cfg.ReconnectBackoff between attempts.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runSession(ctx); err != nil {
			c.logger.Warn("coordinator: session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	rawConn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.MasterURL, nil)
	if err != nil {
		return err
	}
	defer rawConn.Close()
	conn := &safeConn{conn: rawConn}

	regFrame, err := encodeFrame(frameRegister, registerFrame{
		NodeID:       c.nodeID,
		Hostname:     c.cfg.Hostname,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, regFrame); err != nil {
		return err
	}

	var env envelope
	if err := rawConn.ReadJSON(&env); err != nil || env.Type != frameRegisterAck {
		return err
	}
	var ack registerAckFrame
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return err
	}
	c.nodeID = ack.NodeID
	c.heartbeatIntervalSecs = ack.HeartbeatIntervalSecs
	c.logger.Info("coordinator: registered", "node_id", c.nodeID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.heartbeatLoop(sessionCtx, conn) }()
	go func() { defer wg.Done(); c.pollLoop(sessionCtx, conn) }()

	readErr := c.readLoop(rawConn, conn)
	cancel()
	wg.Wait()
	return readErr
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *safeConn) {
	interval := time.Duration(c.heartbeatIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := encodeFrame(frameHeartbeat, heartbeatFrame{
				NodeID:      c.nodeID,
				LoadZeroOne: currentLoad(),
			})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// currentLoad samples CPU utilization via gopsutil and normalizes it to
// [0,1] for the Heartbeat frame's load_0_to_1 field.
func currentLoad() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	load := percents[0] / 100
	if load < 0 {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}

func (c *Client) pollLoop(ctx context.Context, conn *safeConn) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.activeCount.Load() > 0 {
				continue
			}
			if !c.pollLimiter.Allow() {
				continue
			}
			frame, err := encodeFrame(frameRequestTask, requestTaskFrame{
				NodeID:       c.nodeID,
				Capabilities: c.cfg.Capabilities,
			})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(rawConn *websocket.Conn, conn *safeConn) error {
	for {
		var env envelope
		if err := rawConn.ReadJSON(&env); err != nil {
			return err
		}
		switch env.Type {
		case frameDispatchTask:
			c.handleDispatch(conn, env.Payload)
		case frameControlTask:
			c.handleControl(env.Payload)
		case frameHeartbeatAck, frameNoTaskAvail:
			// No action required.
		default:
			c.logger.Warn("coordinator: unrecognized frame", "type", env.Type)
		}
	}
}

func (c *Client) handleControl(payload json.RawMessage) {
	var ctl controlTaskFrame
	if err := json.Unmarshal(payload, &ctl); err != nil {
		return
	}

	c.mu.Lock()
	handle, ok := c.handles[ctl.TaskID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch ctl.Action {
	case controlPause:
		handle.Pause()
	case controlResume:
		handle.Resume()
	case controlCancel:
		handle.Cancel()
	}
}

// frameReporter forwards every gated progress update as a TaskUpdate
// frame, implementing taskctx.ProgressReporter.
type frameReporter struct {
	conn   *safeConn
	nodeID string
}

func (r *frameReporter) Report(taskID string, fraction float64, message string) {
	msg := message
	frame, err := encodeFrame(frameTaskUpdate, taskUpdateFrame{
		NodeID:   r.nodeID,
		TaskID:   taskID,
		Status:   "running",
		Progress: fraction * 100,
		Message:  &msg,
	})
	if err != nil {
		return
	}
	r.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) handleDispatch(conn *safeConn, payload json.RawMessage) {
	var dispatch dispatchTaskFrame
	if err := json.Unmarshal(payload, &dispatch); err != nil {
		return
	}

	e, ok := c.executors.Lookup(dispatch.TaskType)
	if !ok {
		c.logger.Warn("coordinator: no local executor for dispatched type", "task_type", dispatch.TaskType)
		return
	}

	handle, goCtx := taskctx.NewHandle(context.Background(), dispatch.TaskID, dispatch.TaskType)
	taskCtx := handle.NewContext(goCtx, &frameReporter{conn: conn, nodeID: c.nodeID})

	c.mu.Lock()
	c.handles[dispatch.TaskID] = handle
	c.mu.Unlock()
	c.activeCount.Add(1)

	go func() {
		defer func() {
			c.activeCount.Add(-1)
			c.mu.Lock()
			delete(c.handles, dispatch.TaskID)
			c.mu.Unlock()
		}()

		result, err := e.Execute(taskCtx, dispatch.Payload)
		c.sendTerminalUpdate(conn, dispatch.TaskID, result, err)
	}()
}

func (c *Client) sendTerminalUpdate(conn *safeConn, taskID string, result executor.Result, execErr error) {
	status := "completed"
	var errMsg *string
	var resultPayload *string

	switch {
	case execErr == nil:
		if result.Payload != "" {
			resultPayload = &result.Payload
		}
	case errors.Is(execErr, taskerrors.ErrCancelled):
		status = "cancelled"
	default:
		status = "failed"
		msg := execErr.Error()
		errMsg = &msg
	}

	frame, err := encodeFrame(frameTaskUpdate, taskUpdateFrame{
		NodeID:   c.nodeID,
		TaskID:   taskID,
		Status:   status,
		Progress: 100,
		Result:   resultPayload,
		Error:    errMsg,
	})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, frame)
}
