// Package action decodes a per-agent action vector into effects on actuator
// modules. The vector is partitioned contiguously across registered actions
// in registration order; each action consumes Arity slots.
package action

import (
	"errors"
	"fmt"
)

var ErrCapability = errors.New("action: actuator lacks capability")

// Capabilities an actuator module may expose.
type Shooter interface {
	Shoot()
}

type Thruster interface {
	Thrust()
}

// Trigger decides whether the slots consumed by an action fire it.
type Trigger interface {
	Fires(slots []int) bool
}

// Boolean fires when any consumed slot is non-zero.
type Boolean struct{}

func (Boolean) Fires(slots []int) bool {
	for _, s := range slots {
		if s != 0 {
			return true
		}
	}
	return false
}

// Discrete fires when the first consumed slot equals FireValue.
type Discrete struct {
	FireValue int
}

func (d Discrete) Fires(slots []int) bool {
	return len(slots) > 0 && slots[0] == d.FireValue
}

// Action is a typed command bound to one actuator.
type Action interface {
	Name() string
	Arity() int
	// Apply receives exactly Arity slots.
	Apply(slots []int)
}

type shoot struct {
	gun     Shooter
	arity   int
	trigger Trigger
}

// Shoot binds a shoot command to module. The capability is checked here
// once; Apply never re-checks it.
func Shoot(module any, arity int, trigger Trigger) (Action, error) {
	gun, ok := module.(Shooter)
	if !ok {
		return nil, fmt.Errorf("shoot on %T: %w", module, ErrCapability)
	}
	return &shoot{gun: gun, arity: normArity(arity), trigger: normTrigger(trigger)}, nil
}

func (a *shoot) Name() string { return "shoot" }
func (a *shoot) Arity() int   { return a.arity }
func (a *shoot) Apply(slots []int) {
	if a.trigger.Fires(slots) {
		a.gun.Shoot()
	}
}

type thrust struct {
	engine  Thruster
	arity   int
	trigger Trigger
}

func Thrust(module any, arity int, trigger Trigger) (Action, error) {
	engine, ok := module.(Thruster)
	if !ok {
		return nil, fmt.Errorf("thrust on %T: %w", module, ErrCapability)
	}
	return &thrust{engine: engine, arity: normArity(arity), trigger: normTrigger(trigger)}, nil
}

func (a *thrust) Name() string { return "thrust" }
func (a *thrust) Arity() int   { return a.arity }
func (a *thrust) Apply(slots []int) {
	if a.trigger.Fires(slots) {
		a.engine.Thrust()
	}
}

func normArity(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func normTrigger(t Trigger) Trigger {
	if t == nil {
		return Boolean{}
	}
	return t
}

// Set is the ordered list of actions belonging to one agent.
type Set struct {
	actions []Action
	width   int
}

func (s *Set) Register(a Action) {
	s.actions = append(s.actions, a)
	s.width += a.Arity()
}

// Width is the total number of slots the action vector must carry.
func (s *Set) Width() int { return s.width }

// Arities lists per-action arities in registration order, the shape
// advertised to the trainer as model outputs.
func (s *Set) Arities() []int {
	out := make([]int, len(s.actions))
	for i, a := range s.actions {
		out[i] = a.Arity()
	}
	return out
}

// Apply partitions vector across the registered actions. vector must be
// exactly Width long; shorter or longer vectors are a caller bug.
func (s *Set) Apply(vector []int) {
	off := 0
	for _, a := range s.actions {
		n := a.Arity()
		a.Apply(vector[off : off+n])
		off += n
	}
}
