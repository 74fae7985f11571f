// Package coordinator is the distributed task coordinator: a master
// side that accepts worker WebSocket connections and hands out pending
// tasks over a bidirectional tagged-JSON frame protocol, and a worker
// side that maintains the Disconnected/Connecting/Registered/Active
// state machine against it. The upgrade route is hosted on a
// chi.Mux + middleware stack, and frames dispatch by a type tag
// carried in each message envelope.
package coordinator

import "encoding/json"

// frameType tags every frame crossing the wire so the receiver can
// dispatch without guessing from shape.
type frameType string

const (
	frameRegister       frameType = "register"
	frameHeartbeat      frameType = "heartbeat"
	frameRequestTask    frameType = "request_task"
	frameTaskUpdate     frameType = "task_update"
	frameRegisterAck    frameType = "register_ack"
	frameHeartbeatAck   frameType = "heartbeat_ack"
	frameDispatchTask   frameType = "dispatch_task"
	frameNoTaskAvail    frameType = "no_task_available"
	frameControlTask    frameType = "control_task"
)

// envelope is the wire shape: a type tag plus the raw payload, decoded
// in two passes (tag first, then the concrete struct).
type envelope struct {
	Type    frameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeFrame(t frameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: t, Payload: raw})
}

// Worker → Master frames.

type registerFrame struct {
	NodeID       string   `json:"node_id,omitempty"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
}

type heartbeatFrame struct {
	NodeID    string  `json:"node_id"`
	LoadZeroOne float64 `json:"load_0_to_1"`
}

type requestTaskFrame struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
}

type taskUpdateFrame struct {
	NodeID   string  `json:"node_id"`
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  *string `json:"message,omitempty"`
	Result   *string `json:"result,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// Master → Worker frames.

type registerAckFrame struct {
	NodeID               string `json:"node_id"`
	HeartbeatIntervalSecs int    `json:"heartbeat_interval_secs"`
}

type heartbeatAckFrame struct{}

type dispatchTaskFrame struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Payload  string `json:"payload"`
}

type noTaskAvailableFrame struct{}

// controlAction is one of the three lifecycle commands the master can
// push down to a worker out of band from task dispatch.
type controlAction string

const (
	controlPause  controlAction = "pause"
	controlResume controlAction = "resume"
	controlCancel controlAction = "cancel"
)

type controlTaskFrame struct {
	TaskID string        `json:"task_id"`
	Action controlAction `json:"action"`
}
