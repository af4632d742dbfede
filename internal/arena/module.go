package arena

import (
	"math"

	"singularitytrainer.ai/internal/observation"
)

// Module is a node in a bot's module tree. Sensors and actuators are found
// by walking the tree, so their order is the tree's depth-first order.
type Module interface {
	Name() string
	Children() []Module
}

// Sensor modules contribute one reading to each observation.
type Sensor interface {
	Module
	Read() observation.SensorReading
}

// Walk visits m and its descendants depth-first, parents before children.
func Walk(m Module, fn func(Module)) {
	if m == nil {
		return
	}
	fn(m)
	for _, c := range m.Children() {
		Walk(c, fn)
	}
}

type leaf struct{ name string }

func (l leaf) Name() string       { return l.name }
func (l leaf) Children() []Module { return nil }

// Hull is the root module of a bot.
type Hull struct {
	leaf
	children []Module
}

func (h *Hull) Children() []Module { return h.children }

// Body is the kinematic state of a bot.
type Body struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	Omega   float64 `json:"omega"`
}

// OrientationSensor reads sin θ, cos θ, vx, vy and ω.
type OrientationSensor struct {
	leaf
	body *Body
}

func (s *OrientationSensor) Read() observation.SensorReading {
	b := s.body
	return observation.SensorReading{math.Sin(b.Heading), math.Cos(b.Heading), b.VX, b.VY, b.Omega}
}

// PositionSensor reads x and y scaled by the arena radius.
type PositionSensor struct {
	leaf
	body   *Body
	radius float64
}

func (s *PositionSensor) Read() observation.SensorReading {
	return observation.SensorReading{s.body.X / s.radius, s.body.Y / s.radius}
}

// Thruster pushes the body while firing. Linear thrusters accelerate along
// the heading, rotational ones spin the body.
type Thruster struct {
	leaf
	linear  float64
	angular float64
	firing  bool
}

func (t *Thruster) Thrust()      { t.firing = true }
func (t *Thruster) Firing() bool { return t.firing }

// Gun fires along the heading and then needs cooldown sim steps to recharge.
type Gun struct {
	leaf
	cooldown  int
	remaining int
	pulled    bool
}

func (g *Gun) Shoot() { g.pulled = true }

// fire reports whether the gun discharged this sim step.
func (g *Gun) fire() bool {
	if g.remaining > 0 {
		g.remaining--
		return false
	}
	if !g.pulled {
		return false
	}
	g.pulled = false
	g.remaining = g.cooldown
	return true
}
