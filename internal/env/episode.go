package env

import (
	"sync"
	"time"
)

// Policy bounds an episode. Zero values disable a limit.
type Policy struct {
	MaxSteps    int
	MaxDuration time.Duration
}

// Episode holds the reward accumulator and done flag of one agent. The done
// flag set by a reset is reported by exactly one RewardAndDone call.
type Episode struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	reward  float64
	done    bool
	steps   int
	count   int
	started time.Time
}

// NewEpisode uses time.Now when now is nil.
func NewEpisode(p Policy, now func() time.Time) *Episode {
	if now == nil {
		now = time.Now
	}
	return &Episode{policy: p, now: now, started: now()}
}

func (e *Episode) ChangeReward(delta float64) {
	e.mu.Lock()
	e.reward += delta
	e.mu.Unlock()
}

// RewardAndDone returns the reward accumulated since the last call and the
// pending done flag, then clears both.
func (e *Episode) RewardAndDone() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, d := e.reward, e.done
	e.reward = 0
	e.done = false
	return r, d
}

// Step counts one control step and ends the episode when a policy limit is
// reached. It reports whether the episode ended.
func (e *Episode) Step() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps++
	limit := e.policy.MaxSteps > 0 && e.steps >= e.policy.MaxSteps
	if !limit && e.policy.MaxDuration > 0 {
		limit = e.now().Sub(e.started) >= e.policy.MaxDuration
	}
	if limit {
		e.endLocked()
	}
	return limit
}

// End closes the episode early, for terminal in-world events.
func (e *Episode) End() {
	e.mu.Lock()
	e.endLocked()
	e.mu.Unlock()
}

func (e *Episode) endLocked() {
	e.done = true
	e.steps = 0
	e.count++
	e.started = e.now()
}

func (e *Episode) Steps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps
}

// Count is the number of episodes ended so far.
func (e *Episode) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}
