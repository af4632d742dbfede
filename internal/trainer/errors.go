package trainer

import (
	"context"
	"errors"
	"fmt"

	"singularitytrainer.ai/internal/codec"
)

var (
	// ErrBatchPending means not every registered environment has submitted
	// its observation for this tick yet.
	ErrBatchPending   = errors.New("trainer: batch incomplete")
	ErrNotActive      = errors.New("trainer: session not active")
	ErrUnknownContext = errors.New("trainer: unknown context id")
	ErrTimeout        = errors.New("trainer: response timeout")
	ErrEncode         = errors.New("trainer: encode failed")
	// ErrTransport is fatal: the session is torn down when it surfaces.
	ErrTransport = errors.New("trainer: transport failure")
)

// RPCError is an error object returned by the trainer.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("trainer: %s failed code=%d: %s", e.Method, e.Code, e.Message)
}

// IsRecoverable reports whether err only costs the current tick.
func IsRecoverable(err error) bool {
	var rpcErr *RPCError
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, codec.ErrDecode) ||
		errors.Is(err, ErrEncode) ||
		errors.As(err, &rpcErr)
}

// Outcome classifies how a tick ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeDecode    Outcome = "decode_error"
	OutcomeEncode    Outcome = "encode_error"
	OutcomeRPC       Outcome = "rpc_error"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeTransport Outcome = "transport_error"
)

func outcomeOf(err error) Outcome {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, codec.ErrDecode):
		return OutcomeDecode
	case errors.Is(err, ErrEncode):
		return OutcomeEncode
	case errors.As(err, &rpcErr):
		return OutcomeRPC
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeTransport
	}
}
