// Package trainer drives a session with an external reinforcement-learning
// trainer: it gathers one observation per environment per tick, exchanges
// them for actions over a single connection and reports rewards back.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/env"
	"singularitytrainer.ai/internal/observation"
	"singularitytrainer.ai/internal/protocol"
	"singularitytrainer.ai/internal/stats"
	"singularitytrainer.ai/internal/transport/ws"
)

// Transport is a framed connection to the trainer.
type Transport interface {
	Send(ctx context.Context, frame []byte, binary bool) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Transport, error)

type Options struct {
	Codec  codec.Codec
	Dial   DialFunc
	Logger *log.Logger
	Sinks  []Sink
	// Normalizer seeds observation normalization, typically restored from
	// a checkpoint. Ignored unless NormalizeObservations is set.
	Normalizer *observation.Normalizer
}

// Client owns the transport and the pending batch. Submit may be called
// from any goroutine; Step, BeginTraining, SaveModel and EndTraining are
// serialized so at most one request is in flight.
type Client struct {
	cfg   Config
	codec codec.Codec
	dial  DialFunc
	log   *log.Logger
	sinks []Sink

	mu      sync.Mutex
	state   State
	envs    []env.Environment
	pending map[int]*observation.Observation
	runID   string

	// Guarded by rpcMu.
	rpcMu     sync.Mutex
	conn      Transport
	nextID    int
	tick      uint64
	norm      *observation.Normalizer
	runOpen   bool
	endCalled bool
	// unacked holds ids of requests sent without waiting; their responses
	// are expected and are not stale.
	unacked map[int]struct{}

	tracker *stats.Tracker

	ticks    atomic.Uint64
	ok       atomic.Uint64
	timeouts atomic.Uint64
	decodes  atomic.Uint64
	rpcErrs  atomic.Uint64
	encodes  atomic.Uint64
	canceled atomic.Uint64
	broken   atomic.Uint64
	stale    atomic.Uint64
	lateAcks atomic.Uint64
}

const maxUnacked = 1024

func New(cfg Config, opts Options) *Client {
	cfg.defaults()
	c := &Client{
		cfg:     cfg,
		codec:   opts.Codec,
		dial:    opts.Dial,
		log:     opts.Logger,
		sinks:   opts.Sinks,
		pending: make(map[int]*observation.Observation),
		unacked: make(map[int]struct{}),
		norm:    opts.Normalizer,
		tracker: stats.NewTracker(cfg.EMAAlpha, cfg.RewardHistory, cfg.EpisodeHistory),
	}
	if c.codec == nil {
		c.codec = codec.JSON{}
	}
	if c.log == nil {
		c.log = log.New(io.Discard, "", 0)
	}
	if c.dial == nil {
		hs := cfg.HandshakeTimeout
		c.dial = func(ctx context.Context, url string) (Transport, error) {
			return ws.Dial(ctx, url, ws.DialOptions{HandshakeTimeout: hs})
		}
	}
	return c
}

// Register assigns each environment the next zero-based context id, in
// argument order, and attaches the client to it. Registration closes once
// the session starts.
func (c *Client) Register(envs ...env.Environment) ([]int, error) {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return nil, fmt.Errorf("register in state %s", c.state)
	}
	ids := make([]int, len(envs))
	for i, e := range envs {
		ids[i] = len(c.envs)
		c.envs = append(c.envs, e)
	}
	c.mu.Unlock()

	for i, e := range envs {
		e.Attach(c, ids[i])
	}
	return ids, nil
}

// Submit stores obs in the pending batch under obs.ContextID. A second
// submission for the same context before dispatch replaces the first.
func (c *Client) Submit(obs *observation.Observation) error {
	if obs == nil {
		return fmt.Errorf("nil observation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active() {
		return ErrNotActive
	}
	if obs.ContextID < 0 || obs.ContextID >= len(c.envs) {
		return fmt.Errorf("%w: %d", ErrUnknownContext, obs.ContextID)
	}
	c.pending[obs.ContextID] = obs
	if c.state == StateSessionActive {
		c.state = StateBatching
	}
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

func (c *Client) Environments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *Client) Stats() stats.Snapshot { return c.tracker.Snapshot() }

// NormalizerState returns the observation statistics gathered so far. ok is
// false until the first normalized tick.
func (c *Client) NormalizerState() (st observation.NormalizerState, ok bool) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	if c.norm == nil {
		return st, false
	}
	return c.norm.State(), true
}

func (c *Client) Counters() Counters {
	return Counters{
		Ticks:          c.ticks.Load(),
		OK:             c.ok.Load(),
		Timeouts:       c.timeouts.Load(),
		DecodeErrors:   c.decodes.Load(),
		RPCErrors:      c.rpcErrs.Load(),
		EncodeErrors:   c.encodes.Load(),
		Canceled:       c.canceled.Load(),
		TransportErrs:  c.broken.Load(),
		StaleResponses: c.stale.Load(),
		LateAcks:       c.lateAcks.Load(),
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s && !perTick(s) && !(perTick(prev) && s.Active()) {
		c.log.Printf("session state %s -> %s", prev, s)
	}
}

func perTick(s State) bool {
	return s == StateBatching || s == StateDispatching || s == StateApplying
}

// BeginTraining connects, performs the greeting handshake and opens the
// session. Any failure tears the client down to Closed.
func (c *Client) BeginTraining(ctx context.Context) error {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()

	c.mu.Lock()
	if c.state != StateUninitialized {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("begin training in state %s", st)
	}
	if len(c.envs) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("begin training: no environments registered")
	}
	contexts := len(c.envs)
	envs := append([]env.Environment(nil), c.envs...)
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.log.Printf("connecting url=%s codec=%s policy=%s", c.cfg.URL, c.codec.Name(), c.cfg.Policy)
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.teardownLocked()
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}
	c.conn = conn

	c.setState(StateHandshaking)
	if err := c.handshake(ctx); err != nil {
		c.teardownLocked()
		return err
	}

	param := c.cfg.Session
	if param.Contexts != 0 && param.Contexts != contexts {
		c.log.Printf("session contexts=%d overridden by registered environments=%d", param.Contexts, contexts)
	}
	param.Contexts = contexts
	if err := c.call(ctx, protocol.MethodBeginSession, param, true, nil); err != nil {
		c.teardownLocked()
		return fmt.Errorf("begin session: %w", err)
	}

	runID := uuid.NewString()
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()
	c.setState(StateSessionActive)

	info := RunInfo{
		RunID:     runID,
		URL:       c.cfg.URL,
		Codec:     c.codec.Name(),
		Policy:    c.cfg.Policy,
		StartedAt: time.Now().UTC(),
		Session:   param,
	}
	for _, s := range c.sinks {
		if rs, ok := s.(RunSink); ok {
			if err := rs.OpenRun(info); err != nil {
				c.log.Printf("open run sink: %v", err)
			}
		}
	}
	c.runOpen = true
	c.log.Printf("session active run=%s session_id=%d contexts=%d training=%v", runID, param.SessionID, contexts, param.Training)

	for _, e := range envs {
		e.BeginTraining()
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	greeting, err := c.conn.Receive(hctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: waiting for greeting: %v", ErrTransport, err)
	}
	c.log.Printf("trainer greeting=%q", clip(greeting, 80))
	if err := c.conn.Send(hctx, []byte(c.cfg.GreetingAck), false); err != nil {
		return fmt.Errorf("%w: sending greeting ack: %v", ErrTransport, err)
	}
	return nil
}

// EndTraining sends a best-effort end_session and releases the transport.
// Errors are logged and swallowed. Only the first call has any effect.
func (c *Client) EndTraining(ctx context.Context) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	if c.endCalled {
		return
	}
	c.endCalled = true

	st := c.State()
	if st.Active() && c.conn != nil {
		c.setState(StateSessionEnding)
		param := protocol.EndSessionParam{SessionID: c.cfg.Session.SessionID}
		if err := c.call(ctx, protocol.MethodEndSession, param, false, nil); err != nil {
			c.log.Printf("end session ignored err=%v", err)
		}
	}
	c.teardownLocked()
}

// SaveModel asks the trainer to persist its model at path.
func (c *Client) SaveModel(ctx context.Context, path string) error {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	if !c.State().Active() {
		return ErrNotActive
	}
	param := protocol.SaveModelParam{Path: path, SessionID: c.cfg.Session.SessionID}
	err := c.call(ctx, protocol.MethodSaveModel, param, true, nil)
	if errors.Is(err, ErrTransport) {
		c.teardownLocked()
	}
	return err
}

// teardownLocked moves through SessionEnding to Closed, closing the
// transport and any open run. Callers hold rpcMu.
func (c *Client) teardownLocked() {
	if c.State() != StateClosed {
		c.setState(StateSessionEnding)
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Printf("close transport ignored err=%v", err)
		}
		c.conn = nil
	}
	if c.runOpen {
		c.runOpen = false
		runID := c.RunID()
		now := time.Now().UTC()
		for _, s := range c.sinks {
			if rs, ok := s.(RunSink); ok {
				if err := rs.CloseRun(runID, now); err != nil {
					c.log.Printf("close run sink: %v", err)
				}
			}
		}
	}
	c.mu.Lock()
	c.pending = make(map[int]*observation.Observation)
	c.mu.Unlock()
	c.setState(StateClosed)
}

// call performs one request. With await set it blocks until the matching
// response arrives or WaitTime elapses; responses carrying another id are
// leftovers of earlier timed-out requests and are dropped. out, when
// non-nil, receives the decoded result.
func (c *Client) call(ctx context.Context, method string, param any, await bool, out any) error {
	if c.conn == nil {
		return fmt.Errorf("%w: %s: no connection", ErrTransport, method)
	}
	c.nextID++
	id := c.nextID
	frame, err := c.codec.EncodeRequest(protocol.Request{Method: method, Param: param, ID: id})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncode, method, err)
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WaitTime)
	defer cancel()
	if err := c.conn.Send(wctx, frame, c.codec.Binary()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: send %s: %v", ErrTransport, method, err)
	}
	if !await {
		c.expectAck(id)
		return nil
	}

	for {
		b, err := c.conn.Receive(wctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s id=%d after %s", ErrTimeout, method, id, c.cfg.WaitTime)
			}
			return fmt.Errorf("%w: receive %s: %v", ErrTransport, method, err)
		}
		resp, err := c.codec.DecodeResponse(b)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if resp.ID != id {
			if resp.ID == 0 && resp.Error != nil {
				// Requests the trainer could not parse are answered with a null id.
				return &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
			}
			if _, ok := c.unacked[resp.ID]; ok {
				delete(c.unacked, resp.ID)
				c.lateAcks.Add(1)
				if resp.Error != nil {
					c.log.Printf("unawaited request failed id=%d code=%d: %s", resp.ID, resp.Error.Code, resp.Error.Message)
				}
				continue
			}
			c.stale.Add(1)
			c.log.Printf("stale response discarded method=%s id=%d want=%d", method, resp.ID, id)
			continue
		}
		if resp.Error != nil {
			return &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out == nil {
			return nil
		}
		if err := codec.DecodeResult(c.codec, resp, out); err != nil {
			return fmt.Errorf("%s result: %w", method, err)
		}
		return nil
	}
}

// expectAck remembers a request sent without waiting. Ids more than
// maxUnacked behind are forgotten; their acks then count as stale.
func (c *Client) expectAck(id int) {
	c.unacked[id] = struct{}{}
	if len(c.unacked) <= maxUnacked {
		return
	}
	for old := range c.unacked {
		if old <= id-maxUnacked {
			delete(c.unacked, old)
		}
	}
}

func clip(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
