package protocol

import "encoding/json"

// Version is the wire schema version. Frames carrying any other version are
// rejected outright, never best-effort parsed.
const Version = "1.0"

// Message types.
const (
	TypeHello    = "HELLO"
	TypeWelcome  = "WELCOME"
	TypeInput    = "INPUT"
	TypeInputAck = "INPUT_ACK"
	TypeAck      = "ACK"
	TypeEvent    = "EVENT"
	TypeEventAck = "EVENT_ACK"
	TypeGoodbye  = "GOODBYE"
)

// BaseMessage lets us route unknown JSON frames by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
