// Package observer streams tick reports to loopback websocket subscribers.
// Server is a trainer.Sink: each recorded tick is fanned out without ever
// blocking the tick loop.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"singularitytrainer.ai/internal/observerproto"
	"singularitytrainer.ai/internal/trainer"
)

// Source describes the session being observed.
type Source interface {
	RunID() string
	State() trainer.State
	Environments() int
}

type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	// Subscribers may stay silent after SUBSCRIBE; pings keep their
	// read deadline moving.
	pingInterval time.Duration
	readTimeout  time.Duration

	mu   sync.Mutex
	subs map[string]*subscriber

	dropped atomic.Uint64
}

type subscriber struct {
	mu    sync.Mutex
	sub   observerproto.SubscribeMsg
	seen  uint64
	out   chan []byte
	ended bool
}

func NewServer(src Source, logger *log.Logger) *Server {
	return &Server{
		src:          src,
		log:          logger,
		subs:         make(map[string]*subscriber),
		pingInterval: 20 * time.Second,
		readTimeout:  60 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Subscribers is the number of connected observers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dropped counts messages discarded because a subscriber fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) RecordTick(r trainer.TickReport) error {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.seen++
		every := uint64(sub.sub.Every)
		skip := sub.ended || (every > 1 && sub.seen%every != 1)
		filter := sub.sub.Contexts
		sub.mu.Unlock()
		if skip {
			continue
		}
		b, err := json.Marshal(observerproto.TickMsg{
			Type:            observerproto.TypeTick,
			ProtocolVersion: observerproto.Version,
			Report:          project(r, filter),
		})
		if err != nil {
			return err
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// project keeps only the per-context entries listed in ids.
func project(r trainer.TickReport, ids []int) trainer.TickReport {
	if len(ids) == 0 {
		return r
	}
	keep := make(map[int]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := r
	out.Contexts, out.Actions, out.Values, out.Rewards, out.Dones = nil, nil, nil, nil, nil
	for i, id := range r.Contexts {
		if !keep[id] {
			continue
		}
		out.Contexts = append(out.Contexts, id)
		if i < len(r.Actions) {
			out.Actions = append(out.Actions, r.Actions[i])
		}
		if i < len(r.Values) {
			out.Values = append(out.Values, r.Values[i])
		}
		if i < len(r.Rewards) {
			out.Rewards = append(out.Rewards, r.Rewards[i])
		}
		if i < len(r.Dones) {
			out.Dones = append(out.Dones, r.Dones[i])
		}
	}
	out.Episodes = nil
	for _, ep := range r.Episodes {
		if keep[ep.ContextID] {
			out.Episodes = append(out.Episodes, ep)
		}
	}
	out.Skipped = nil
	for _, id := range r.Skipped {
		if keep[id] {
			out.Skipped = append(out.Skipped, id)
		}
	}
	return out
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.src.RunID(),
			State:           s.src.State().String(),
			Contexts:        s.src.Environments(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var first observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &first); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if first.Type != observerproto.TypeSubscribe || first.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sub := &subscriber{sub: first, out: make(chan []byte, 256)}
		s.mu.Lock()
		s.subs[sid] = sub
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
			sub.mu.Lock()
			sub.ended = true
			sub.mu.Unlock()
		}()
		if s.log != nil {
			s.log.Printf("observer %s subscribed from %s", sid, r.RemoteAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		})

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(s.pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						writeErr <- err
						return
					}
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			var upd observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.Type != observerproto.TypeSubscribe || upd.ProtocolVersion != observerproto.Version {
				continue
			}
			sub.mu.Lock()
			sub.sub = upd
			sub.seen = 0
			sub.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
