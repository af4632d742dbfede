package action

import (
	"errors"
	"testing"
)

type gun struct{ shots int }

func (g *gun) Shoot() { g.shots++ }

type engine struct{ pulses int }

func (e *engine) Thrust() { e.pulses++ }

type sensor struct{}

func mustAction(t *testing.T, a Action, err error) Action {
	t.Helper()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return a
}

func TestSet_PartitionsInRegistrationOrder(t *testing.T) {
	left, right := &engine{}, &engine{}
	g := &gun{}
	var s Set
	a1, err1 := Thrust(left, 1, nil)
	s.Register(mustAction(t, a1, err1))
	a2, err2 := Thrust(right, 1, nil)
	s.Register(mustAction(t, a2, err2))
	a3, err3 := Shoot(g, 2, nil)
	s.Register(mustAction(t, a3, err3))

	if s.Width() != 4 {
		t.Fatalf("width=%d want=4", s.Width())
	}
	if ar := s.Arities(); len(ar) != 3 || ar[2] != 2 {
		t.Fatalf("arities=%v", ar)
	}

	s.Apply([]int{1, 0, 0, 0})
	if left.pulses != 1 || right.pulses != 0 || g.shots != 0 {
		t.Fatalf("left=%d right=%d shots=%d", left.pulses, right.pulses, g.shots)
	}
	s.Apply([]int{0, 1, 0, 1})
	if left.pulses != 1 || right.pulses != 1 || g.shots != 1 {
		t.Fatalf("left=%d right=%d shots=%d", left.pulses, right.pulses, g.shots)
	}
}

func TestDiscreteTrigger(t *testing.T) {
	g := &gun{}
	a0, err0 := Shoot(g, 1, Discrete{FireValue: 2})
	a := mustAction(t, a0, err0)
	a.Apply([]int{1})
	a.Apply([]int{0})
	if g.shots != 0 {
		t.Fatalf("shots=%d want=0", g.shots)
	}
	a.Apply([]int{2})
	if g.shots != 1 {
		t.Fatalf("shots=%d want=1", g.shots)
	}
}

func TestCapabilityCheckedAtRegistration(t *testing.T) {
	if _, err := Shoot(&sensor{}, 1, nil); !errors.Is(err, ErrCapability) {
		t.Fatalf("err=%v want ErrCapability", err)
	}
	if _, err := Thrust(&gun{}, 1, nil); !errors.Is(err, ErrCapability) {
		t.Fatalf("err=%v want ErrCapability", err)
	}
}
