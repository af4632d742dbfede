package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("ws: connection closed")

const (
	defaultQueue        = 64
	defaultWriteTimeout = 5 * time.Second
	bufferSize          = 64 * 1024
)

type DialOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	// Queue bounds frames read ahead of the consumer.
	Queue int
}

// Conn is one framed, bidirectional connection. A dedicated goroutine reads
// frames so that Receive can give up on a deadline without poisoning the
// underlying websocket; frames that arrive late stay queued for the next
// Receive.
type Conn struct {
	conn *websocket.Conn

	frames chan []byte
	done   chan struct{}
	err    error

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	d := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   bufferSize,
		WriteBufferSize:  bufferSize,
	}
	conn, resp, err := d.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(conn, opts.Queue), nil
}

func newConn(conn *websocket.Conn, queue int) *Conn {
	if queue <= 0 {
		queue = defaultQueue
	}
	c := &Conn{
		conn:   conn,
		frames: make(chan []byte, queue),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		select {
		case c.frames <- msg:
		case <-c.closed:
			c.err = ErrClosed
			return
		}
	}
}

// Receive returns the next frame, the context error once ctx is done, or the
// read error that stopped the connection.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.frames:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case b := <-c.frames:
			return b, nil
		default:
		}
		return nil, c.err
	}
}

// Send writes one frame. The write deadline comes from ctx when it has one.
func (c *Conn) Send(ctx context.Context, frame []byte, binary bool) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(mt, frame)
}

// Close sends a close frame, releases the socket and waits for the reader.
// Only the first call does any work.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
		<-c.done
	})
	return c.closeErr
}
