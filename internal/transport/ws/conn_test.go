package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConn_LateFrameSurvivesTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(NewServer(func(ctx context.Context, c *Conn) {
		<-release
		_ = c.Send(ctx, []byte("late"), false)
		<-ctx.Done()
	}, nil).Handler())
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL), DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = c.Receive(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}

	close(release)
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive after timeout: %v", err)
	}
	if string(b) != "late" {
		t.Fatalf("frame=%q want=late", b)
	}
}

func TestConn_EchoTextAndBinary(t *testing.T) {
	srv := httptest.NewServer(NewServer(func(ctx context.Context, c *Conn) {
		for {
			b, err := c.Receive(ctx)
			if err != nil {
				return
			}
			if err := c.Send(ctx, append([]byte("echo:"), b...), len(b) > 0 && b[0] == 0x80); err != nil {
				return
			}
		}
	}, nil).Handler())
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL), DialOptions{HandshakeTimeout: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, tc := range []struct {
		frame  []byte
		binary bool
	}{
		{[]byte("hello"), false},
		{[]byte{0x80, 0x01}, true},
	} {
		if err := c.Send(ctx, tc.frame, tc.binary); err != nil {
			t.Fatalf("send: %v", err)
		}
		b, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if want := "echo:" + string(tc.frame); string(b) != want {
			t.Fatalf("frame=%q want=%q", b, want)
		}
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(NewServer(func(ctx context.Context, c *Conn) {
		<-ctx.Done()
	}, nil).Handler())
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL), DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()
	_ = c.Close()
	if err := c.Send(context.Background(), []byte("x"), false); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close err=%v want ErrClosed", err)
	}
	if _, err := c.Receive(context.Background()); err == nil {
		t.Fatalf("receive after close should fail")
	}
}

func TestConn_PeerCloseSurfacesError(t *testing.T) {
	srv := httptest.NewServer(NewServer(func(ctx context.Context, c *Conn) {}, nil).Handler())
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL), DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Receive(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want peer close error", err)
	}
}

func TestDial_Refused(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := wsURL(srv.URL)
	srv.Close()
	if _, err := Dial(context.Background(), url, DialOptions{HandshakeTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatalf("expected dial error")
	}
}
