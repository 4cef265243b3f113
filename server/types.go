package server

import (
	"time"

	"github.com/statuswire/statuswire/broker"
)

// Frame type discriminators for the streaming wire format. Every frame is a
// self-contained JSON object carrying at minimum a "type" field.
const (
	FrameConnected       = "connected"
	FrameExecutionUpdate = "execution_update"
	FrameKeepalive       = "keepalive"
	FrameError           = "error"
)

// ConnectedFrame is written once when a streaming connection is accepted.
type ConnectedFrame struct {
	Type         string `json:"type"` // "connected"
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
}

// ExecutionUpdateFrame carries one execution state change to the client.
type ExecutionUpdateFrame struct {
	Type  string        `json:"type"` // "execution_update"
	Event *broker.Event `json:"event"`
}

// KeepaliveFrame is written on a fixed interval to detect half-open
// connections and keep intermediary infrastructure from idling out the
// stream.
type KeepaliveFrame struct {
	Type      string `json:"type"` // "keepalive"
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a connection-scoped error to the client.
type ErrorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

func newConnectedFrame(connectionID string) ConnectedFrame {
	return ConnectedFrame{
		Type:         FrameConnected,
		ConnectionID: connectionID,
		Timestamp:    time.Now().Unix(),
	}
}

func newKeepaliveFrame() KeepaliveFrame {
	return KeepaliveFrame{
		Type:      FrameKeepalive,
		Timestamp: time.Now().Unix(),
	}
}

// CallbackResponse is the ingestion endpoint's success response.
type CallbackResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

// HealthResponse reports broker and store connectivity for the probe.
type HealthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	Broker      string `json:"broker"`
	Clients     int    `json:"clients"`
	Subscribers int    `json:"subscribers"`
}
