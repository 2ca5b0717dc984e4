package metrics

import "sync"

// Event names counted by the relay. They end up as the `event` label of
// aero_webrtc_mesh_events_total.
const (
	SignalConnections       = "signal_connections"
	SignalAuthFailed        = "signal_auth_failed"
	SignalRateLimited       = "signal_rate_limited"
	SignalProtocolErrors    = "signal_protocol_errors"
	RoomJoins               = "room_joins"
	RoomLeaves              = "room_leaves"
	RoomDuplicateJoins      = "room_duplicate_joins"
	RoomsCollected          = "rooms_collected"
	RelayedSignals          = "relayed_signals"
	RelayTargetUnreachable  = "relay_target_unreachable"
	RelayStaleSender        = "relay_stale_sender"
	ChatMessages            = "chat_messages"
	HandRaises              = "hand_raises"
	MeetingsCreated         = "meetings_created"
	MeetingsCollected       = "meetings_collected"
	ICECredentialsRequested = "ice_credentials_requested"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add is a no-op on a nil receiver so optional metrics need no guards.
func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
