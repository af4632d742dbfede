// Package trainertest provides an in-process stand-in for the external
// trainer: it greets, accepts the ack and answers requests from a scripted
// policy.
package trainertest

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/protocol"
	"singularitytrainer.ai/internal/transport/ws"
)

// Policy maps a batch of input rows to one action vector and one value
// estimate per row.
type Policy func(inputs [][]float64) (actions [][]int, values []float64)

type Options struct {
	Codec  codec.Codec
	Policy Policy
	// Outputs is the action vector width of the default policy.
	Outputs int
	// LegacyValueKey answers get_actions with "value" instead of "values".
	LegacyValueKey bool
	Greeting       string

	// Hooks keyed by method and the 1-based count of that method so far.
	Delay func(method string, n int) time.Duration
	Drop  func(method string, n int) bool
	Fail  func(method string, n int) *protocol.Error

	// KeepCalls bounds the retained call history. Zero keeps everything.
	KeepCalls int

	Logger *log.Logger
}

// Call is one request the server received.
type Call struct {
	Method string
	ID     int
	Param  protocol.RawMessage
	At     time.Time
}

type Server struct {
	opts Options
	http *httptest.Server

	mu     sync.Mutex
	calls  []Call
	counts map[string]int
	acks   []string
	conns  int
	active map[*ws.Conn]struct{}
}

// NewHandler returns a server that is not listening; mount Handler.
func NewHandler(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.Outputs <= 0 {
		opts.Outputs = 4
	}
	if opts.Greeting == "" {
		opts.Greeting = protocol.HandshakeGreeting
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Policy == nil {
		opts.Policy = OneHot(opts.Outputs)
	}
	return &Server{opts: opts, counts: make(map[string]int), active: make(map[*ws.Conn]struct{})}
}

// NewServer starts a listening test server.
func NewServer(opts Options) *Server {
	s := NewHandler(opts)
	s.http = httptest.NewServer(s.Handler())
	return s
}

func (s *Server) Handler() http.Handler {
	return ws.NewServer(s.serve, s.opts.Logger).Handler()
}

// URL is the websocket URL of a server started with NewServer.
func (s *Server) URL() string {
	if s.http == nil {
		return ""
	}
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

// Close stops listening and drops every open connection. Upgraded
// connections are hijacked, so the http server no longer tracks them.
func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
	}
	s.mu.Lock()
	conns := make([]*ws.Conn, 0, len(s.active))
	for c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Calls returns received requests, filtered by method when one is given.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitCalls polls until at least n calls of method arrived or timeout.
func (s *Server) WaitCalls(method string, n int, timeout time.Duration) []Call {
	deadline := time.Now().Add(timeout)
	for {
		calls := s.Calls(method)
		if len(calls) >= n || time.Now().After(deadline) {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Conns counts accepted connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

// Decode unmarshals the param of a recorded call.
func (s *Server) Decode(c Call, v any) error {
	return s.opts.Codec.Unmarshal(c.Param, v)
}

func (s *Server) record(req protocol.Request) int {
	raw, _ := req.Param.(protocol.RawMessage)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[req.Method]++
	s.calls = append(s.calls, Call{Method: req.Method, ID: req.ID, Param: raw, At: time.Now()})
	if k := s.opts.KeepCalls; k > 0 && len(s.calls) > k {
		s.calls = append(s.calls[:0], s.calls[len(s.calls)-k:]...)
	}
	return s.counts[req.Method]
}

func (s *Server) serve(ctx context.Context, conn *ws.Conn) {
	s.mu.Lock()
	s.conns++
	s.active[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
	}()

	if err := conn.Send(ctx, []byte(s.opts.Greeting), false); err != nil {
		return
	}
	ack, err := conn.Receive(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.acks = append(s.acks, string(ack))
	s.mu.Unlock()

	c := s.opts.Codec
	for {
		b, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		req, err := c.DecodeRequest(b)
		if err != nil {
			s.opts.Logger.Printf("bad request: %v", err)
			s.send(ctx, conn, protocol.Response{Error: &protocol.Error{Code: protocol.ErrParse, Message: err.Error()}})
			continue
		}
		n := s.record(req)
		if req.Method == protocol.MethodEndSession {
			continue
		}
		if s.opts.Drop != nil && s.opts.Drop(req.Method, n) {
			continue
		}
		if s.opts.Delay != nil {
			if d := s.opts.Delay(req.Method, n); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return
				}
			}
		}
		resp := protocol.Response{ID: req.ID}
		if s.opts.Fail != nil {
			resp.Error = s.opts.Fail(req.Method, n)
		}
		if resp.Error == nil {
			resp.Result, resp.Error = s.answer(req)
		}
		s.send(ctx, conn, resp)
	}
}

func (s *Server) send(ctx context.Context, conn *ws.Conn, resp protocol.Response) {
	frame, err := s.opts.Codec.EncodeResponse(resp)
	if err != nil {
		s.opts.Logger.Printf("encode response: %v", err)
		return
	}
	_ = conn.Send(ctx, frame, s.opts.Codec.Binary())
}

func (s *Server) answer(req protocol.Request) (any, *protocol.Error) {
	c := s.opts.Codec
	invalid := func(err error) *protocol.Error {
		return &protocol.Error{Code: protocol.ErrInvalidParams, Message: err.Error()}
	}
	switch req.Method {
	case protocol.MethodBeginSession:
		var p protocol.BeginSessionParam
		if err := codec.DecodeParam(c, req, &p); err != nil {
			return nil, invalid(err)
		}
		if p.Contexts < 1 {
			return nil, &protocol.Error{Code: protocol.ErrInvalidParams, Message: "contexts must be positive"}
		}
		return "OK", nil

	case protocol.MethodGetActions:
		var p protocol.GetActionsParam
		if err := codec.DecodeParam(c, req, &p); err != nil {
			return nil, invalid(err)
		}
		actions, values := s.opts.Policy(p.Inputs)
		if s.opts.LegacyValueKey {
			return protocol.GetActionsResult{Actions: actions, Value: values}, nil
		}
		return protocol.GetActionsResult{Actions: actions, Values: values}, nil

	case protocol.MethodGetAction:
		var p protocol.GetActionParam
		if err := codec.DecodeParam(c, req, &p); err != nil {
			return nil, invalid(err)
		}
		actions, values := s.opts.Policy(p.Inputs)
		res := protocol.GetActionResult{}
		if len(actions) > 0 {
			res.Actions = actions[0]
		}
		if len(values) > 0 {
			res.Value = values[0]
		}
		return res, nil

	case protocol.MethodGiveRewards, protocol.MethodGiveReward, protocol.MethodSaveModel:
		return "OK", nil
	}
	return nil, &protocol.Error{Code: protocol.ErrMethodNotFound, Message: "unknown method " + req.Method}
}

// OneHot answers row i with a one-hot vector at slot i mod outputs and a
// zero value estimate.
func OneHot(outputs int) Policy {
	return func(inputs [][]float64) ([][]int, []float64) {
		actions := make([][]int, len(inputs))
		values := make([]float64, len(inputs))
		for i := range inputs {
			actions[i] = make([]int, outputs)
			actions[i][i%outputs] = 1
		}
		return actions, values
	}
}
