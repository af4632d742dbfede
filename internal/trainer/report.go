package trainer

import (
	"time"

	"singularitytrainer.ai/internal/protocol"
	"singularitytrainer.ai/internal/stats"
)

// TickReport describes one dispatched control tick. Slices are indexed like
// Contexts.
type TickReport struct {
	RunID     string          `json:"run_id"`
	Tick      uint64          `json:"tick"`
	At        time.Time       `json:"at"`
	Policy    Policy          `json:"policy"`
	Outcome   Outcome         `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Contexts  []int           `json:"contexts"`
	Actions   [][]int         `json:"actions,omitempty"`
	Values    []float64       `json:"values,omitempty"`
	Rewards   []float64       `json:"rewards,omitempty"`
	Dones     []bool          `json:"dones,omitempty"`
	Skipped   []int           `json:"skipped,omitempty"`
	LatencyMS float64         `json:"latency_ms"`
	RewardEMA float64         `json:"reward_ema"`
	Episodes  []stats.Episode `json:"episodes,omitempty"`
}

// RunInfo describes a session at the time it became active.
type RunInfo struct {
	RunID     string                     `json:"run_id"`
	URL       string                     `json:"url"`
	Codec     string                     `json:"codec"`
	Policy    Policy                     `json:"policy"`
	StartedAt time.Time                  `json:"started_at"`
	Session   protocol.BeginSessionParam `json:"session"`
}

// Sink receives every tick report. Errors are logged and otherwise ignored.
type Sink interface {
	RecordTick(r TickReport) error
}

// RunSink is implemented by sinks that also track session boundaries.
type RunSink interface {
	Sink
	OpenRun(info RunInfo) error
	CloseRun(runID string, at time.Time) error
}

// Counters are cumulative tick outcome counts. The outcome fields sum to
// Ticks. LateAcks counts responses to requests sent without waiting.
type Counters struct {
	Ticks          uint64 `json:"ticks"`
	OK             uint64 `json:"ok"`
	Timeouts       uint64 `json:"timeouts"`
	DecodeErrors   uint64 `json:"decode_errors"`
	RPCErrors      uint64 `json:"rpc_errors"`
	EncodeErrors   uint64 `json:"encode_errors"`
	Canceled       uint64 `json:"canceled"`
	TransportErrs  uint64 `json:"transport_errors"`
	StaleResponses uint64 `json:"stale_responses"`
	LateAcks       uint64 `json:"late_acks"`
}
