// Package events defines the events published by the game host about its
// remote player connections.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle events
	EventClientConnected    EventType = "client_connected"
	EventClientRejected     EventType = "client_rejected"
	EventClientDisconnected EventType = "client_disconnected"
	EventClientRemoved      EventType = "client_removed"

	// Monitoring events
	EventClientLagging   EventType = "client_lagging"
	EventClientsSnapshot EventType = "clients_snapshot"

	// Server control events
	EventAcceptStateChanged EventType = "accept_state_changed"
	EventShutdown           EventType = "shutdown"
)

// RejectReason explains why an incoming connection was turned away.
type RejectReason int

const (
	RejectNotAccepting RejectReason = iota
	RejectClientLimit
	RejectSetupFailed
)

var rejectReasonStrings = map[RejectReason]string{
	RejectNotAccepting: "not_accepting",
	RejectClientLimit:  "client_limit",
	RejectSetupFailed:  "setup_failed",
}

// String returns the string representation of RejectReason.
func (r RejectReason) String() string {
	if str, ok := rejectReasonStrings[r]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes RejectReason as a JSON string (e.g. "client_limit").
func (r RejectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event is a single occurrence published on the bus.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientPayload describes a connection for lifecycle events.
type ClientPayload struct {
	ClientID uint32    `json:"client_id"`
	IP       string    `json:"ip"`
	At       time.Time `json:"at"`
}

// RejectedPayload describes a refused incoming connection. No client id is
// ever assigned to a rejected connection.
type RejectedPayload struct {
	IP     string       `json:"ip"`
	Reason RejectReason `json:"reason"`
	At     time.Time    `json:"at"`
}

// LagPayload is emitted when a client's mean round trip time exceeds the
// configured threshold.
type LagPayload struct {
	ClientID  uint32 `json:"client_id"`
	IP        string `json:"ip"`
	MeanRTTMs int64  `json:"mean_rtt_ms"`
	LimitMs   int64  `json:"limit_ms"`
}

// ClientSnapshot is a point-in-time description of one client, safe to
// publish outside of the server.
type ClientSnapshot struct {
	ClientID          uint32 `json:"client_id"`
	Active            bool   `json:"active"`
	IP                string `json:"ip"`
	MeanRTTMs         int64  `json:"mean_rtt_ms"`
	ConnectedForMs    int64  `json:"connected_for_ms"`
	DisconnectedForMs int64  `json:"disconnected_for_ms"`
}

// SnapshotPayload carries the state of all known clients.
type SnapshotPayload struct {
	Accepting bool             `json:"accepting"`
	Clients   []ClientSnapshot `json:"clients"`
}

// AcceptStatePayload reports a change of the accept gate.
type AcceptStatePayload struct {
	Accepting bool `json:"accepting"`
}
