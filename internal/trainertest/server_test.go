package trainertest

import (
	"context"
	"testing"
	"time"

	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/protocol"
	"singularitytrainer.ai/internal/transport/ws"
)

func dialAcked(t *testing.T, s *Server) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := ws.Dial(ctx, s.URL(), ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	greeting, err := conn.Receive(ctx)
	if err != nil || string(greeting) != protocol.HandshakeGreeting {
		t.Fatalf("greeting=%q err=%v", greeting, err)
	}
	if err := conn.Send(ctx, []byte(protocol.HandshakeAck), false); err != nil {
		t.Fatalf("ack: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *ws.Conn, req protocol.Request) {
	t.Helper()
	frame, err := codec.JSON{}.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Send(ctx, frame, false); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestKeepCallsBoundsHistory(t *testing.T) {
	s := NewServer(Options{KeepCalls: 2})
	defer s.Close()
	conn := dialAcked(t, s)

	for id := 1; id <= 3; id++ {
		send(t, conn, protocol.Request{Method: protocol.MethodEndSession, Param: protocol.EndSessionParam{}, ID: id})
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := s.Calls("")
		if len(calls) > 0 && calls[len(calls)-1].ID == 3 {
			if len(calls) != 2 || calls[0].ID != 2 {
				t.Fatalf("calls=%+v want ids [2 3]", calls)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("calls=%+v", calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if acks := s.Acks(); len(acks) != 1 || acks[0] != protocol.HandshakeAck {
		t.Fatalf("acks=%v", acks)
	}
}

func TestUnknownMethodAnsweredWithError(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	conn := dialAcked(t, s)

	send(t, conn, protocol.Request{Method: "frobnicate", Param: map[string]int{}, ID: 7})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	resp, err := codec.JSON{}.DecodeResponse(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != 7 || resp.Error == nil || resp.Error.Code != protocol.ErrMethodNotFound {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestOneHot(t *testing.T) {
	actions, values := OneHot(3)(make([][]float64, 4))
	want := [][]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 0, 0}}
	for i := range want {
		for j := range want[i] {
			if actions[i][j] != want[i][j] {
				t.Fatalf("actions=%v want=%v", actions, want)
			}
		}
	}
	if len(values) != 4 {
		t.Fatalf("values=%v", values)
	}
}
