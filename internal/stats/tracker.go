package stats

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Episode is one finished episode of one context.
type Episode struct {
	ContextID int     `json:"context_id"`
	Seq       int     `json:"seq"`
	Return    float64 `json:"return"`
	Steps     int     `json:"steps"`
}

type accum struct {
	ret   float64
	steps int
	seq   int
}

// Tracker folds reported rewards into an exponential moving average, a
// rolling window and per-context episode accumulators.
type Tracker struct {
	mu      sync.Mutex
	alpha   float64
	ema     float64
	seeded  bool
	reports uint64
	ended   uint64

	rewards *Ring[float64]
	returns *Ring[float64]
	open    map[int]*accum
}

func NewTracker(alpha float64, rewardHistory, episodeHistory int) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.01
	}
	if rewardHistory <= 0 {
		rewardHistory = 1000
	}
	if episodeHistory <= 0 {
		episodeHistory = 100
	}
	return &Tracker{
		alpha:   alpha,
		rewards: NewRing[float64](rewardHistory),
		returns: NewRing[float64](episodeHistory),
		open:    make(map[int]*accum),
	}
}

// Record adds one reward report for a context and, when done is set, closes
// that context's episode and returns it.
func (t *Tracker) Record(contextID int, reward float64, done bool) (Episode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reports++
	if !t.seeded {
		t.ema = reward
		t.seeded = true
	} else {
		t.ema += t.alpha * (reward - t.ema)
	}
	t.rewards.Push(reward)

	a := t.open[contextID]
	if a == nil {
		a = &accum{}
		t.open[contextID] = a
	}
	a.ret += reward
	a.steps++
	if !done {
		return Episode{}, false
	}
	ep := Episode{ContextID: contextID, Seq: a.seq, Return: a.ret, Steps: a.steps}
	a.seq++
	a.ret = 0
	a.steps = 0
	t.ended++
	t.returns.Push(ep.Return)
	return ep, true
}

// Snapshot is a copy of the tracker state for display.
type Snapshot struct {
	Reports      uint64    `json:"reports"`
	Episodes     uint64    `json:"episodes"`
	RewardEMA    float64   `json:"reward_ema"`
	RewardMean   float64   `json:"reward_mean"`
	MeanReturn   float64   `json:"mean_return"`
	Returns      []float64 `json:"returns,omitempty"`
	RecentReward []float64 `json:"recent_reward,omitempty"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		Reports:      t.reports,
		Episodes:     t.ended,
		RewardEMA:    t.ema,
		Returns:      t.returns.Values(),
		RecentReward: t.rewards.Values(),
	}
	if len(s.RecentReward) > 0 {
		s.RewardMean = stat.Mean(s.RecentReward, nil)
	}
	if len(s.Returns) > 0 {
		s.MeanReturn = stat.Mean(s.Returns, nil)
	}
	return s
}

func (t *Tracker) RewardEMA() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ema
}
