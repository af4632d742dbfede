package ws

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler serves one accepted connection. The connection is closed when it
// returns.
type Handler func(ctx context.Context, conn *Conn)

type Server struct {
	log     *log.Logger
	handler Handler

	upgrader websocket.Upgrader
}

func NewServer(h Handler, logger *log.Logger) *Server {
	return &Server{
		log:     logger,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		raw, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			if s.log != nil {
				s.log.Printf("upgrade failed remote=%s err=%v", r.RemoteAddr, err)
			}
			return
		}
		conn := newConn(raw, defaultQueue)
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			select {
			case <-conn.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		s.handler(ctx, conn)
	}
}
