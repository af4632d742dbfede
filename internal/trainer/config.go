package trainer

import (
	"time"

	"singularitytrainer.ai/internal/protocol"
)

// Policy selects how observations are grouped into requests. It is fixed
// for the life of a process.
type Policy string

const (
	// PolicyBatched sends one get_actions per tick once every environment
	// has submitted.
	PolicyBatched Policy = "batched"
	// PolicyPerEnv sends one get_action per submitted observation.
	PolicyPerEnv Policy = "per_env"
)

type Config struct {
	URL              string
	WaitTime         time.Duration
	HandshakeTimeout time.Duration
	GreetingAck      string
	Policy           Policy
	// AwaitRewardAck waits (bounded by WaitTime) for the give_rewards
	// acknowledgement. When false reward reports are fire-and-forget.
	AwaitRewardAck bool

	NormalizeObservations bool
	ObservationClip       float64

	Session protocol.BeginSessionParam

	EMAAlpha       float64
	RewardHistory  int
	EpisodeHistory int
}

func (c *Config) defaults() {
	if c.WaitTime <= 0 {
		c.WaitTime = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.GreetingAck == "" {
		c.GreetingAck = protocol.HandshakeAck
	}
	if c.Policy == "" {
		c.Policy = PolicyBatched
	}
}
