package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Handshake/admission.
	ErrTokenRejected  = "E_TOKEN_REJECTED"
	ErrDuplicateToken = "E_DUPLICATE_TOKEN"
	ErrInstanceFull   = "E_INSTANCE_FULL"
	ErrDraining       = "E_DRAINING"

	// Input command verdicts.
	ErrStaleInput     = "E_STALE_INPUT"
	ErrFutureInput    = "E_FUTURE_INPUT"
	ErrDuplicateInput = "E_DUPLICATE_INPUT"
	ErrUnknownSession = "E_UNKNOWN_SESSION"

	// Session faults.
	ErrBacklogOverflow = "E_BACKLOG_OVERFLOW"
	ErrIdleTimeout     = "E_IDLE_TIMEOUT"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrTokenRejected:   {},
	ErrDuplicateToken:  {},
	ErrInstanceFull:    {},
	ErrDraining:        {},
	ErrStaleInput:      {},
	ErrFutureInput:     {},
	ErrDuplicateInput:  {},
	ErrUnknownSession:  {},
	ErrBacklogOverflow: {},
	ErrIdleTimeout:     {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
