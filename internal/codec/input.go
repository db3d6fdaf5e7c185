package codec

import (
	"encoding/json"
	"fmt"

	"keyscape.gg/internal/protocol"
)

// Rejection is a typed input-decode failure carrying a wire error code, so
// the caller can answer with an explicit NACK instead of a silent drop.
type Rejection struct {
	Code string
	Err  error
}

func (r *Rejection) Error() string { return fmt.Sprintf("%s: %v", r.Code, r.Err) }
func (r *Rejection) Unwrap() error { return r.Err }

// DecodeInput validates an inbound INPUT frame structurally (JSON schema)
// and by version, returning a typed rejection on failure. Tick-window and
// duplicate checks are session state and happen in the session layer.
func DecodeInput(raw []byte) (protocol.InputMsg, *Rejection) {
	var in protocol.InputMsg
	if err := protocol.ValidateFrame(protocol.TypeInput, raw); err != nil {
		return in, &Rejection{Code: protocol.ErrProtoBadRequest, Err: err}
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, &Rejection{Code: protocol.ErrProtoBadRequest, Err: err}
	}
	if in.ProtocolVersion != protocol.Version {
		return in, &Rejection{Code: protocol.ErrProtoVersion, Err: fmt.Errorf("version %q", in.ProtocolVersion)}
	}
	return in, nil
}
