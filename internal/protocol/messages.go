package protocol

// HELLO (client -> server): first frame on a fresh connection. The token is
// a signed, time-limited credential issued by the backend out-of-band; the
// instance validates it but never issues one.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Token           string `json:"token"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> client): handshake accepted.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	InstanceID      string `json:"instance_id"`
	EntityID        uint64 `json:"entity_id"`
	TickRateHz      int    `json:"tick_rate_hz"`
	ServerTick      uint64 `json:"server_tick"`
}

// INPUT (client -> server): a tick-stamped command on the unreliable lane.
// Seq is client-assigned and strictly increasing; the server deduplicates
// on it and echoes the last applied value in every state payload so the
// client can reconcile its prediction.
type InputMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Tick            uint64     `json:"tick"`
	Seq             uint64     `json:"seq"`
	Move            [2]float64 `json:"move"`
}

// INPUT_ACK (server -> client): per-command verdict. Only rejections are
// delivered reliably; accepted commands are implied by the state payload's
// last_input_seq.
type InputAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick"`
}

// ACK (client -> server): acknowledges the newest state payload the client
// has applied. Advances the delta baseline for that session.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
}

// EVENT (server -> client): session-control and one-time world events on
// the reliable lane. Retried until the client answers with EVENT_ACK.
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Kind            string `json:"kind"`
	EntityID        uint64 `json:"entity_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Tick            uint64 `json:"tick"`
}

// Event kinds.
const (
	EventPlayerJoined = "PLAYER_JOINED"
	EventPlayerLeft   = "PLAYER_LEFT"
	EventDraining     = "DRAINING"
	EventKicked       = "KICKED"
)

// EVENT_ACK (client -> server).
type EventAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
}

// GOODBYE (server -> client): sent best-effort before the server closes the
// connection, so clients always see an explicit reason.
type GoodbyeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Reason          string `json:"reason,omitempty"`
}
