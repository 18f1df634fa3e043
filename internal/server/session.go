package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/undertow/internal/wire"
)

// session is one websocket connection after a successful hello. All
// writes to the socket go through the send channel so there is exactly
// one writer goroutine per connection.
type session struct {
	user string
	ws   *websocket.Conn
	send chan wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(user string, ws *websocket.Conn, sendBuffer int) *session {
	if sendBuffer < 1 {
		sendBuffer = 256
	}
	return &session{
		user:   user,
		ws:     ws,
		send:   make(chan wire.Envelope, sendBuffer),
		closed: make(chan struct{}),
	}
}

// enqueue hands an envelope to the writer goroutine. A session whose
// buffer is full is too far behind to ever catch up frame by frame, so it
// is closed; the client reconnects and resyncs from its watermark.
func (s *session) enqueue(env wire.Envelope) {
	select {
	case <-s.closed:
	case s.send <- env:
	default:
		slog.Warn("sync session send buffer full, dropping connection",
			"component", "server",
			"user", s.user,
		)
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.ws.Close()
	})
}

// writeLoop is the session's sole socket writer.
func (s *session) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-s.closed:
			return
		case env := <-s.send:
			if timeout > 0 {
				s.ws.SetWriteDeadline(time.Now().Add(timeout))
			}
			if err := s.ws.WriteJSON(env); err != nil {
				slog.Debug("sync session write failed",
					"component", "server",
					"user", s.user,
					"error", err,
				)
				s.close()
				return
			}
		}
	}
}
