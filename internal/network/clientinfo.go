package network

import "github.com/lkrzak/mniam-headless/internal/events"

// UnknownIP is reported for client ids that are not in the table.
const UnknownIP = "unknown"

// ClientInfo is a point-in-time snapshot of one connection.
type ClientInfo struct {
	ID                    uint32 `json:"id"`
	Active                bool   `json:"active"`
	IP                    string `json:"ip"`
	MeanRTTMillis         int64  `json:"mean_rtt_ms"`
	ConnectedForMillis    int64  `json:"connected_for_ms"`
	DisconnectedForMillis int64  `json:"disconnected_for_ms"`
}

func unknownClient(id uint32) ClientInfo {
	return ClientInfo{ID: id, IP: UnknownIP}
}

// ToSnapshot converts the info for publication on the event bus.
func (ci ClientInfo) ToSnapshot() events.ClientSnapshot {
	return events.ClientSnapshot{
		ClientID:          ci.ID,
		Active:            ci.Active,
		IP:                ci.IP,
		MeanRTTMs:         ci.MeanRTTMillis,
		ConnectedForMs:    ci.ConnectedForMillis,
		DisconnectedForMs: ci.DisconnectedForMillis,
	}
}
