package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"singularitytrainer.ai/internal/observerproto"
	"singularitytrainer.ai/internal/stats"
	"singularitytrainer.ai/internal/trainer"
)

type fakeSource struct{}

func (fakeSource) RunID() string        { return "run-1" }
func (fakeSource) State() trainer.State { return trainer.StateSessionActive }
func (fakeSource) Environments() int    { return 2 }

func newTestServer(t *testing.T, tune ...func(*Server)) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(fakeSource{}, nil)
	for _, f := range tune {
		f(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", s.WSHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return s, hs
}

func TestBootstrap(t *testing.T) {
	_, hs := newTestServer(t)
	resp, err := http.Get(hs.URL + "/v1/observer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var b observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.RunID != "run-1" || b.State != "session_active" || b.Contexts != 2 || b.ProtocolVersion != observerproto.Version {
		t.Fatalf("bootstrap=%+v", b)
	}
}

func TestStream_EveryAndContextFilter(t *testing.T) {
	s, hs := newTestServer(t)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Every:           2,
		Contexts:        []int{1},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for tick := uint64(1); tick <= 3; tick++ {
		err := s.RecordTick(trainer.TickReport{
			RunID:    "run-1",
			Tick:     tick,
			Outcome:  trainer.OutcomeOK,
			Contexts: []int{0, 1},
			Actions:  [][]int{{1, 0}, {0, 1}},
			Rewards:  []float64{float64(tick), -float64(tick)},
			Dones:    []bool{false, true},
			Episodes: []stats.Episode{{ContextID: 0, Return: 1}, {ContextID: 1, Return: 2}},
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []uint64{1, 3} {
		var msg observerproto.TickMsg
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		r := msg.Report
		if msg.Type != observerproto.TypeTick || r.Tick != want {
			t.Fatalf("type=%s tick=%d want=%d", msg.Type, r.Tick, want)
		}
		if !reflect.DeepEqual(r.Contexts, []int{1}) || !reflect.DeepEqual(r.Rewards, []float64{-float64(want)}) {
			t.Fatalf("projected report=%+v", r)
		}
		if !reflect.DeepEqual(r.Actions, [][]int{{0, 1}}) || !reflect.DeepEqual(r.Dones, []bool{true}) {
			t.Fatalf("projected report=%+v", r)
		}
		if len(r.Episodes) != 1 || r.Episodes[0].ContextID != 1 {
			t.Fatalf("episodes=%+v", r.Episodes)
		}
	}
}

func TestStream_SilentSubscriberStaysConnected(t *testing.T) {
	s, hs := newTestServer(t, func(s *Server) {
		s.pingInterval = 20 * time.Millisecond
		s.readTimeout = 100 * time.Millisecond
	})
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Reading answers pings; nothing is ever written back by hand.
	frames := make(chan observerproto.TickMsg, 16)
	go func() {
		defer close(frames)
		for {
			var m observerproto.TickMsg
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			frames <- m
		}
	}()

	time.Sleep(400 * time.Millisecond)
	if n := s.Subscribers(); n != 1 {
		t.Fatalf("subscribers=%d want=1 after idle period", n)
	}
	if err := s.RecordTick(trainer.TickReport{RunID: "run-1", Tick: 7, Contexts: []int{0}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	select {
	case m, ok := <-frames:
		if !ok {
			t.Fatalf("stream closed")
		}
		if m.Type != observerproto.TypeTick || m.Report.Tick != 7 {
			t.Fatalf("msg=%+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no tick after idle period")
	}
}

func TestStream_RejectsBadSubscribe(t *testing.T) {
	s, hs := newTestServer(t)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscribers=%d want=0", s.Subscribers())
	}
}

func TestRecordTick_NoSubscribers(t *testing.T) {
	s := NewServer(fakeSource{}, nil)
	if err := s.RecordTick(trainer.TickReport{Tick: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if s.Dropped() != 0 {
		t.Fatalf("dropped=%d", s.Dropped())
	}
}
