package arena

import (
	"math"
	"reflect"
	"sync"
	"testing"

	"singularitytrainer.ai/internal/observation"
)

type captureSubmitter struct {
	mu  sync.Mutex
	got []*observation.Observation
}

func (c *captureSubmitter) Submit(obs *observation.Observation) error {
	c.mu.Lock()
	c.got = append(c.got, obs)
	c.mu.Unlock()
	return nil
}

func newTestEnv(t *testing.T, cfg Config) (*Env, *captureSubmitter) {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sub := &captureSubmitter{}
	e.Attach(sub, 3)
	e.BeginTraining()
	return e, sub
}

// park puts the bot at the origin facing +x with the zone at (zx, 0).
func park(e *Env, zx float64) {
	e.body = Body{}
	e.zoneX, e.zoneY = zx, 0
}

func TestWalk_DepthFirstOrder(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	var names []string
	Walk(e.Root(), func(m Module) { names = append(names, m.Name()) })
	want := []string{"hull", "orientation", "position", "thruster_forward", "thruster_retreat", "thruster_left", "thruster_right", "gun"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("walk=%v want=%v", names, want)
	}
}

func TestShape(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	if got := e.Inputs(); !reflect.DeepEqual(got, []int{7}) {
		t.Fatalf("inputs=%v want=[7]", got)
	}
	if got := e.Outputs(); !reflect.DeepEqual(got, []int{5}) {
		t.Fatalf("outputs=%v want=[5]", got)
	}
}

func TestTick_SubmitsObservation(t *testing.T) {
	e, sub := newTestEnv(t, Config{Seed: 7})
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(sub.got) != 1 {
		t.Fatalf("submitted=%d want=1", len(sub.got))
	}
	obs := sub.got[0]
	if obs.ContextID != 3 || obs.Len() != 7 || obs.Readings() != 2 {
		t.Fatalf("obs ctx=%d len=%d readings=%d", obs.ContextID, obs.Len(), obs.Readings())
	}
	v := obs.Vector()
	if s2c2 := v[0]*v[0] + v[1]*v[1]; math.Abs(s2c2-1) > 1e-9 {
		t.Fatalf("sin^2+cos^2=%v", s2c2)
	}
}

func TestSendActions_WrongWidth(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	if err := e.SendActions(0, []int{1, 0}); err == nil {
		t.Fatalf("expected width error")
	}
}

func TestSendActions_RetreatPenalty(t *testing.T) {
	e, _ := newTestEnv(t, Config{RetreatPenalty: -0.1})
	if err := e.SendActions(0, []int{0, 1, 0, 0, 0}); err != nil {
		t.Fatalf("send: %v", err)
	}
	r, done := e.RewardAndDone(0)
	if r != -0.1 || done {
		t.Fatalf("reward=%v done=%v want=-0.1,false", r, done)
	}
}

func TestForwardThrustMovesAlongHeading(t *testing.T) {
	e, _ := newTestEnv(t, Config{SimStepsPerTick: 4})
	park(e, 9)
	if err := e.SendActions(0, []int{1, 0, 0, 0, 0}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	b := e.Status().Body
	if b.VX <= 0 || b.X <= 0 || math.Abs(b.VY) > 1e-12 {
		t.Fatalf("body=%+v", b)
	}
}

func TestGunHitRewards(t *testing.T) {
	e, _ := newTestEnv(t, Config{SimStepsPerTick: 1})
	park(e, 3)
	if err := e.SendActions(0, []int{0, 0, 0, 0, 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	r, done := e.RewardAndDone(0)
	if r != hitReward || done {
		t.Fatalf("reward=%v done=%v want=%v,false", r, done, hitReward)
	}
	// The trigger is consumed and the gun is cooling down.
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if r, _ := e.RewardAndDone(0); r != 0 {
		t.Fatalf("second tick reward=%v want=0", r)
	}
	if st := e.Status(); st.Hits != 1 {
		t.Fatalf("hits=%d want=1", st.Hits)
	}
}

func TestZoneReward(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	park(e, 1)
	e.body.Heading = math.Pi
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if r, _ := e.RewardAndDone(0); r != zoneReward {
		t.Fatalf("reward=%v want=%v", r, zoneReward)
	}
}

func TestLeavingArenaEndsEpisode(t *testing.T) {
	e, _ := newTestEnv(t, Config{SimStepsPerTick: 1})
	park(e, -9)
	e.body.Heading = math.Pi
	e.body.X = Radius - 0.01
	e.body.VX = 10
	if err := e.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	r, done := e.RewardAndDone(0)
	if !done || r > escapeReward+zoneReward {
		t.Fatalf("reward=%v done=%v", r, done)
	}
	st := e.Status()
	if math.Hypot(st.Body.X, st.Body.Y) > Radius || st.Escapes != 1 || st.Episodes != 1 {
		t.Fatalf("status after reset=%+v", st)
	}
}

func TestMaxStepsEndsEpisode(t *testing.T) {
	e, _ := newTestEnv(t, Config{MaxSteps: 2})
	park(e, 9)
	_ = e.Tick()
	if _, done := e.RewardAndDone(0); done {
		t.Fatalf("done after one step")
	}
	_ = e.Tick()
	if _, done := e.RewardAndDone(0); !done {
		t.Fatalf("not done after max steps")
	}
}
