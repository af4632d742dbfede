// Package env defines the boundary between a simulated environment and the
// training client, plus the episode bookkeeping most environments share.
package env

import (
	"errors"
	"fmt"
	"sync"

	"singularitytrainer.ai/internal/observation"
	"singularitytrainer.ai/internal/stats"
)

var ErrDetached = errors.New("env: not attached to a trainer")

// Submitter receives one observation per environment per control tick.
type Submitter interface {
	Submit(obs *observation.Observation) error
}

// Environment is what the training client drives. RewardAndDone is
// read-and-reset: each call returns what accumulated since the previous one.
type Environment interface {
	// Attach is called once at registration with the stable context id.
	Attach(trainer Submitter, contextID int)
	BeginTraining()
	SendActions(agent int, actions []int) error
	RewardAndDone(agent int) (reward float64, done bool)
	ChangeReward(agent int, delta float64)
	SetValue(agent int, value float64)
	Pause() error
	UnPause() error
}

// Base implements the bookkeeping half of Environment for single-agent
// environments. Embedders supply BeginTraining and SendActions.
type Base struct {
	Episode *Episode
	Values  *stats.ValueHistory

	mu        sync.RWMutex
	trainer   Submitter
	contextID int
}

func NewBase(p Policy, valueHistory int) *Base {
	return &Base{
		Episode: NewEpisode(p, nil),
		Values:  stats.NewValueHistory(valueHistory),
	}
}

func (b *Base) Attach(trainer Submitter, contextID int) {
	b.mu.Lock()
	b.trainer = trainer
	b.contextID = contextID
	b.mu.Unlock()
}

func (b *Base) ContextID() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.contextID
}

// Submit hands obs to the attached trainer, stamping the context id.
func (b *Base) Submit(obs *observation.Observation) error {
	b.mu.RLock()
	t, id := b.trainer, b.contextID
	b.mu.RUnlock()
	if t == nil {
		return ErrDetached
	}
	obs.ContextID = id
	return t.Submit(obs)
}

func (b *Base) RewardAndDone(int) (float64, bool) { return b.Episode.RewardAndDone() }
func (b *Base) ChangeReward(_ int, delta float64)  { b.Episode.ChangeReward(delta) }
func (b *Base) SetValue(_ int, v float64)          { b.Values.Push(v) }

func (b *Base) Pause() error   { return fmt.Errorf("pause: %w", errors.ErrUnsupported) }
func (b *Base) UnPause() error { return fmt.Errorf("unpause: %w", errors.ErrUnsupported) }
