// Package observerproto is the message vocabulary of the live tick stream
// served to operators. It is separate from the trainer wire protocol.
package observerproto

import "singularitytrainer.ai/internal/trainer"

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Every forwards one tick in Every. Zero or one forwards all ticks.
	Every int `json:"every,omitempty"`
	// Contexts restricts per-context slices to these ids. Empty keeps all.
	Contexts []int `json:"contexts,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	State           string `json:"state"`
	Contexts        int    `json:"contexts"`
}

// Server -> Client. Sent for every forwarded tick.
type TickMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Report          trainer.TickReport `json:"report"`
}
