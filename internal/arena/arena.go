// Package arena is a small kinematic environment used to exercise the
// training client end to end. Each Env is one bot chasing a target zone.
package arena

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"singularitytrainer.ai/internal/action"
	"singularitytrainer.ai/internal/env"
	"singularitytrainer.ai/internal/observation"
)

const (
	Radius     = 10.0
	ZoneRadius = 2.0

	dt          = 0.05
	linearDrag  = 0.95
	angularDrag = 0.9
	gunRange    = 8.0
	gunCone     = 0.2
	gunCooldown = 10

	zoneReward   = 1.0
	hitReward    = 5.0
	escapeReward = -10.0
)

type Config struct {
	MaxSteps        int
	MaxEpisode      time.Duration
	SimStepsPerTick int
	Seed            int64
	RetreatPenalty  float64
	ValueHistory    int
}

// Env is a single-agent arena. Tick and SendActions may be called from
// different goroutines.
type Env struct {
	*env.Base

	cfg Config
	rng *rand.Rand

	mu      sync.Mutex
	body    Body
	zoneX   float64
	zoneY   float64
	root    *Hull
	sensors []Sensor
	thrust  []*Thruster
	retreat *Thruster
	gun     *Gun
	actions action.Set
	hits    int
	escapes int
}

func New(cfg Config) (*Env, error) {
	if cfg.SimStepsPerTick <= 0 {
		cfg.SimStepsPerTick = 1
	}
	e := &Env{
		Base: env.NewBase(env.Policy{MaxSteps: cfg.MaxSteps, MaxDuration: cfg.MaxEpisode}, cfg.ValueHistory),
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(uint64(cfg.Seed), 0x5eed)),
	}

	forward := &Thruster{leaf: leaf{"thruster_forward"}, linear: 4}
	e.retreat = &Thruster{leaf: leaf{"thruster_retreat"}, linear: -2}
	left := &Thruster{leaf: leaf{"thruster_left"}, angular: 3}
	right := &Thruster{leaf: leaf{"thruster_right"}, angular: -3}
	e.gun = &Gun{leaf: leaf{"gun"}, cooldown: gunCooldown}
	e.root = &Hull{
		leaf: leaf{"hull"},
		children: []Module{
			&OrientationSensor{leaf: leaf{"orientation"}, body: &e.body},
			&PositionSensor{leaf: leaf{"position"}, body: &e.body, radius: Radius},
			forward, e.retreat, left, right,
			e.gun,
		},
	}

	var err error
	Walk(e.root, func(m Module) {
		if err != nil {
			return
		}
		if s, ok := m.(Sensor); ok {
			e.sensors = append(e.sensors, s)
		}
		var a action.Action
		switch mod := m.(type) {
		case *Thruster:
			e.thrust = append(e.thrust, mod)
			a, err = action.Thrust(mod, 1, action.Boolean{})
		case *Gun:
			a, err = action.Shoot(mod, 1, action.Boolean{})
		}
		if a != nil {
			e.actions.Register(a)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("arena: bind actions: %w", err)
	}
	e.reset()
	return e, nil
}

// Root exposes the module tree.
func (e *Env) Root() Module { return e.root }

// Outputs is the action shape to advertise as model outputs.
func (e *Env) Outputs() []int { return []int{e.actions.Width()} }

// Inputs is the observation width to advertise as model inputs.
func (e *Env) Inputs() []int {
	n := 0
	for _, s := range e.sensors {
		n += len(s.Read())
	}
	return []int{n}
}

func (e *Env) BeginTraining() {
	e.mu.Lock()
	e.reset()
	e.mu.Unlock()
	// Drop anything accumulated before the session started.
	e.Episode.RewardAndDone()
}

// SendActions holds the decoded controls until the next one arrives.
func (e *Env) SendActions(_ int, actions []int) error {
	if len(actions) != e.actions.Width() {
		return fmt.Errorf("arena: action vector has %d slots, want %d", len(actions), e.actions.Width())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.thrust {
		t.firing = false
	}
	e.gun.pulled = false
	e.actions.Apply(actions)
	if e.retreat.firing && e.cfg.RetreatPenalty != 0 {
		e.Episode.ChangeReward(e.cfg.RetreatPenalty)
	}
	return nil
}

// Tick advances the simulation by one control step and submits the
// resulting observation.
func (e *Env) Tick() error {
	e.mu.Lock()
	for i := 0; i < e.cfg.SimStepsPerTick; i++ {
		if e.simStep() {
			break
		}
	}
	if e.inZone() {
		e.Episode.ChangeReward(zoneReward)
	}
	if e.Episode.Step() {
		e.reset()
	}
	obs := e.observeLocked()
	e.mu.Unlock()

	return e.Submit(obs)
}

// simStep integrates one sim step. It reports whether the bot left the
// arena, which ends the episode.
func (e *Env) simStep() bool {
	b := &e.body
	var accel, spin float64
	for _, t := range e.thrust {
		if t.firing {
			accel += t.linear
			spin += t.angular
		}
	}
	b.Omega = (b.Omega + spin*dt) * angularDrag
	b.Heading = math.Mod(b.Heading+b.Omega*dt, 2*math.Pi)
	b.VX = (b.VX + accel*math.Cos(b.Heading)*dt) * linearDrag
	b.VY = (b.VY + accel*math.Sin(b.Heading)*dt) * linearDrag
	b.X += b.VX * dt
	b.Y += b.VY * dt

	if e.gun.fire() && e.onTarget() {
		e.hits++
		e.Episode.ChangeReward(hitReward)
	}
	if math.Hypot(b.X, b.Y) > Radius {
		e.escapes++
		e.Episode.ChangeReward(escapeReward)
		e.Episode.End()
		e.reset()
		return true
	}
	return false
}

func (e *Env) inZone() bool {
	return math.Hypot(e.body.X-e.zoneX, e.body.Y-e.zoneY) <= ZoneRadius
}

// onTarget reports whether the zone centre lies inside the gun's cone.
func (e *Env) onTarget() bool {
	dx, dy := e.zoneX-e.body.X, e.zoneY-e.body.Y
	if math.Hypot(dx, dy) > gunRange {
		return false
	}
	diff := math.Atan2(dy, dx) - e.body.Heading
	diff = math.Atan2(math.Sin(diff), math.Cos(diff))
	return math.Abs(diff) <= gunCone
}

func (e *Env) reset() {
	r := Radius / 2 * math.Sqrt(e.rng.Float64())
	a := e.rng.Float64() * 2 * math.Pi
	e.body = Body{X: r * math.Cos(a), Y: r * math.Sin(a), Heading: e.rng.Float64() * 2 * math.Pi}
	e.zoneX = (e.rng.Float64()*2 - 1) * Radius / 2
	e.zoneY = (e.rng.Float64()*2 - 1) * Radius / 2
	e.gun.remaining = 0
}

func (e *Env) observeLocked() *observation.Observation {
	obs := observation.New(0, 0)
	for _, s := range e.sensors {
		obs.AddSensorReading(s.Read())
	}
	return obs
}

// Status is a point-in-time view of the bot for operators.
type Status struct {
	Body     Body    `json:"body"`
	ZoneX    float64 `json:"zone_x"`
	ZoneY    float64 `json:"zone_y"`
	Hits     int     `json:"hits"`
	Escapes  int     `json:"escapes"`
	Episodes int     `json:"episodes"`
	Value    float64 `json:"value"`
}

func (e *Env) Status() Status {
	e.mu.Lock()
	st := Status{Body: e.body, ZoneX: e.zoneX, ZoneY: e.zoneY, Hits: e.hits, Escapes: e.escapes}
	e.mu.Unlock()
	st.Episodes = e.Episode.Count()
	st.Value = e.Values.Normalized()
	return st
}
