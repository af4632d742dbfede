package trainer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/env"
	"singularitytrainer.ai/internal/observation"
	"singularitytrainer.ai/internal/protocol"
)

// Step dispatches the pending batch if the policy allows it. It returns
// ErrBatchPending when there is nothing to send yet. Timeouts, decode
// failures and trainer errors cost only this tick: environments keep their
// accumulated reward. Transport failures close the session.
func (c *Client) Step(ctx context.Context) (TickReport, error) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()

	batch, envs, err := c.drain()
	if err != nil {
		return TickReport{}, err
	}

	c.tick++
	start := time.Now()
	rep := TickReport{
		RunID:  c.RunID(),
		Tick:   c.tick,
		At:     start.UTC(),
		Policy: c.cfg.Policy,
	}
	if c.cfg.Policy == PolicyPerEnv {
		err = c.stepPerEnv(ctx, &rep, batch, envs)
	} else {
		err = c.stepBatched(ctx, &rep, batch, envs)
	}
	rep.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	c.finish(&rep, err)
	return rep, err
}

// drain takes the pending batch, ordered by ascending context id.
func (c *Client) drain() ([]*observation.Observation, []env.Environment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active() {
		return nil, nil, ErrNotActive
	}
	need := len(c.envs)
	if c.cfg.Policy == PolicyPerEnv {
		need = 1
	}
	if len(c.pending) == 0 || len(c.pending) < need {
		return nil, nil, ErrBatchPending
	}
	batch := make([]*observation.Observation, 0, len(c.pending))
	for _, o := range c.pending {
		batch = append(batch, o)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ContextID < batch[j].ContextID })
	c.pending = make(map[int]*observation.Observation, len(c.envs))
	c.state = StateDispatching
	return batch, c.envs, nil
}

func (c *Client) stepBatched(ctx context.Context, rep *TickReport, batch []*observation.Observation, envs []env.Environment) error {
	for _, o := range batch {
		rep.Contexts = append(rep.Contexts, o.ContextID)
	}
	inputs, err := c.inputs(batch)
	if err != nil {
		return err
	}

	var res protocol.GetActionsResult
	param := protocol.GetActionsParam{Inputs: inputs, SessionID: c.cfg.Session.SessionID}
	if err := c.call(ctx, protocol.MethodGetActions, param, true, &res); err != nil {
		return err
	}
	values := res.Estimates()
	if len(res.Actions) != len(batch) {
		return fmt.Errorf("%w: get_actions returned %d action rows for %d inputs", codec.ErrDecode, len(res.Actions), len(batch))
	}
	if len(values) != 0 && len(values) != len(batch) {
		return fmt.Errorf("%w: get_actions returned %d values for %d inputs", codec.ErrDecode, len(values), len(batch))
	}

	c.setState(StateApplying)
	rep.Actions = res.Actions
	rep.Values = values
	rep.Rewards = make([]float64, len(batch))
	rep.Dones = make([]bool, len(batch))
	for i, o := range batch {
		e := envs[o.ContextID]
		if len(values) > 0 {
			e.SetValue(o.Agent, values[i])
		}
		if err := e.SendActions(o.Agent, res.Actions[i]); err != nil {
			c.log.Printf("send actions context=%d err=%v", o.ContextID, err)
		}
		rep.Rewards[i], rep.Dones[i] = e.RewardAndDone(o.Agent)
	}
	c.record(rep)

	if !c.cfg.Session.Training {
		return nil
	}
	report := protocol.GiveRewardsParam{Rewards: rep.Rewards, Dones: rep.Dones, SessionID: c.cfg.Session.SessionID}
	return c.call(ctx, protocol.MethodGiveRewards, report, c.cfg.AwaitRewardAck, nil)
}

// stepPerEnv runs one get_action/give_reward exchange per observation. A
// recoverable failure skips only that context.
func (c *Client) stepPerEnv(ctx context.Context, rep *TickReport, batch []*observation.Observation, envs []env.Environment) error {
	var firstErr error
	for _, o := range batch {
		inputs, err := c.inputs([]*observation.Observation{o})
		if err == nil {
			err = c.exchangeOne(ctx, rep, o, inputs[0], envs[o.ContextID])
		}
		if err == nil {
			continue
		}
		rep.Skipped = append(rep.Skipped, o.ContextID)
		if firstErr == nil {
			firstErr = err
		}
		if !IsRecoverable(err) {
			break
		}
	}
	c.record(rep)
	return firstErr
}

func (c *Client) exchangeOne(ctx context.Context, rep *TickReport, o *observation.Observation, input []float64, e env.Environment) error {
	var res protocol.GetActionResult
	param := protocol.GetActionParam{
		Inputs:    [][]float64{input},
		Context:   o.ContextID,
		SessionID: c.cfg.Session.SessionID,
	}
	if err := c.call(ctx, protocol.MethodGetAction, param, true, &res); err != nil {
		return err
	}

	c.setState(StateApplying)
	e.SetValue(o.Agent, res.Value)
	if err := e.SendActions(o.Agent, res.Actions); err != nil {
		c.log.Printf("send actions context=%d err=%v", o.ContextID, err)
	}
	reward, done := e.RewardAndDone(o.Agent)
	rep.Contexts = append(rep.Contexts, o.ContextID)
	rep.Actions = append(rep.Actions, res.Actions)
	rep.Values = append(rep.Values, res.Value)
	rep.Rewards = append(rep.Rewards, reward)
	rep.Dones = append(rep.Dones, done)

	if !c.cfg.Session.Training {
		return nil
	}
	report := protocol.GiveRewardParam{Reward: reward, Done: done, Context: o.ContextID, SessionID: c.cfg.Session.SessionID}
	return c.call(ctx, protocol.MethodGiveReward, report, c.cfg.AwaitRewardAck, nil)
}

// inputs flattens observations into request rows, normalizing them when
// configured.
func (c *Client) inputs(batch []*observation.Observation) ([][]float64, error) {
	rows := make([][]float64, len(batch))
	for i, o := range batch {
		rows[i] = o.Vector()
	}
	if !c.cfg.NormalizeObservations || len(rows) == 0 {
		return rows, nil
	}
	if c.norm != nil && c.norm.Size() != len(rows[0]) {
		c.log.Printf("normalizer width=%d does not match inputs=%d; starting fresh", c.norm.Size(), len(rows[0]))
		c.norm = nil
	}
	if c.norm == nil {
		c.norm = observation.NewNormalizer(len(rows[0]), c.cfg.ObservationClip)
	}
	c.norm.Training = c.cfg.Session.Training
	if err := c.norm.Process(rows); err != nil {
		return nil, fmt.Errorf("%w: normalize: %v", ErrEncode, err)
	}
	return rows, nil
}

// record folds the reported rewards into the tracker.
func (c *Client) record(rep *TickReport) {
	for i, id := range rep.Contexts {
		if i >= len(rep.Rewards) {
			break
		}
		if ep, ok := c.tracker.Record(id, rep.Rewards[i], rep.Dones[i]); ok {
			rep.Episodes = append(rep.Episodes, ep)
		}
	}
	rep.RewardEMA = c.tracker.RewardEMA()
}

func (c *Client) finish(rep *TickReport, err error) {
	rep.Outcome = outcomeOf(err)
	if err != nil {
		rep.Error = err.Error()
	}
	c.ticks.Add(1)
	switch rep.Outcome {
	case OutcomeOK:
		c.ok.Add(1)
	case OutcomeTimeout:
		c.timeouts.Add(1)
	case OutcomeDecode:
		c.decodes.Add(1)
	case OutcomeRPC:
		c.rpcErrs.Add(1)
	case OutcomeEncode:
		c.encodes.Add(1)
	case OutcomeCanceled:
		c.canceled.Add(1)
	case OutcomeTransport:
		c.broken.Add(1)
	}
	if err != nil {
		c.log.Printf("tick=%d outcome=%s err=%v", rep.Tick, rep.Outcome, err)
	}

	for _, s := range c.sinks {
		if serr := s.RecordTick(*rep); serr != nil {
			c.log.Printf("tick sink: %v", serr)
		}
	}

	if errors.Is(err, ErrTransport) {
		c.teardownLocked()
		return
	}
	if c.State().Active() {
		c.setState(StateBatching)
	}
}
