package protocol

// Trainer error codes, following the JSON-RPC 2.0 reserved range.
const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603

	// Session layer.
	ErrNoSession      = -32001
	ErrSessionExists  = -32002
	ErrShapeMismatch  = -32003
	ErrModelNotLoaded = -32004
)

var knownCodes = map[int]struct{}{
	ErrParse:          {},
	ErrInvalidRequest: {},
	ErrMethodNotFound: {},
	ErrInvalidParams:  {},
	ErrInternal:       {},
	ErrNoSession:      {},
	ErrSessionExists:  {},
	ErrShapeMismatch:  {},
	ErrModelNotLoaded: {},
}

func IsKnownCode(code int) bool {
	if code == 0 {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
