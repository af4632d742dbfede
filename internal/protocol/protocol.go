package protocol

// Envelope versions. The textual codec speaks JSON-RPC 2.0, the binary codec
// carries the trainer API revision under the "api" key.
const (
	JSONRPCVersion = "2.0"
	APIVersion     = "v1alpha1"
)

// Methods understood by the external trainer.
const (
	MethodBeginSession = "begin_session"
	MethodGetActions   = "get_actions"
	MethodGetAction    = "get_action"
	MethodGiveRewards  = "give_rewards"
	MethodGiveReward   = "give_reward"
	MethodEndSession   = "end_session"
	MethodSaveModel    = "save_model"
)

// Greeting frames exchanged before the first request. The trainer speaks
// first; the client answers with HandshakeAck.
const (
	HandshakeGreeting = "Connection established"
	HandshakeAck      = "Connection established..."
)

// RawMessage is a method-specific payload still in its wire encoding. Only
// the codec that produced it can unmarshal it.
type RawMessage []byte

// Request is the logical envelope shared by every codec. Param is any
// encodable value when sending and a RawMessage after decoding.
type Request struct {
	Version string
	Method  string
	Param   any
	ID      int
}

// Response mirrors Request. Result is a RawMessage after decoding.
type Response struct {
	Version string
	Result  any
	Error   *Error
	ID      int
}

// Error is a trainer-side failure carried inside a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func IsKnownMethod(m string) bool {
	switch m {
	case MethodBeginSession, MethodGetActions, MethodGetAction,
		MethodGiveRewards, MethodGiveReward, MethodEndSession, MethodSaveModel:
		return true
	}
	return false
}
