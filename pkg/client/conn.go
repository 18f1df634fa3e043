package client

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/undertow/internal/wire"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
)

// conn owns the websocket: it dials, sends the hello first on every open,
// flushes frames queued while offline, and reconnects with capped
// exponential backoff until closed. Writes requested while disconnected
// are queued, never dropped.
type conn struct {
	url       string
	header    http.Header
	hello     func() (wire.Hello, error)
	onMessage func(wire.Envelope)
	timeout   time.Duration

	mu      sync.Mutex
	ws      *websocket.Conn
	outbox  []wire.Envelope
	pending map[string]chan error
	closed  bool

	done chan struct{}
}

func newConn(url string, header http.Header, timeout time.Duration, hello func() (wire.Hello, error), onMessage func(wire.Envelope)) *conn {
	c := &conn{
		url:       url,
		header:    header,
		hello:     hello,
		onMessage: onMessage,
		timeout:   timeout,
		pending:   make(map[string]chan error),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *conn) run() {
	backoff := reconnectBase
	for {
		select {
		case <-c.done:
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.Dial(c.url, c.header)
		if err != nil {
			slog.Debug("sync dial failed", "component", "client", "error", err)
			select {
			case <-time.After(backoff):
			case <-c.done:
				return
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}
		backoff = reconnectBase

		if err := c.open(ws); err != nil {
			slog.Warn("sync handshake failed", "component", "client", "error", err)
			ws.Close()
			continue
		}

		c.readLoop(ws)
		c.detach(ws)
	}
}

// open installs the socket and, before anything else can be written on
// it, sends the hello followed by every frame queued while offline.
func (c *conn) open(ws *websocket.Conn) error {
	hello, err := c.hello()
	if err != nil {
		return err
	}
	env, err := wire.NewEnvelope(hello, "", "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := ws.WriteJSON(env); err != nil {
		return err
	}
	for _, queued := range c.outbox {
		if err := ws.WriteJSON(queued); err != nil {
			return err
		}
	}
	c.outbox = nil
	c.ws = ws
	return nil
}

func (c *conn) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close()
}

func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		var env wire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		c.onMessage(env)
		if env.Ack != "" {
			c.resolve(env.Ack, nil)
		}
	}
}

// send writes the envelope now or queues it for the next open socket. A
// write failure re-queues the frame and drops the connection; the run
// loop redials and replays it.
func (c *conn) send(env wire.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.ws == nil {
		c.outbox = append(c.outbox, env)
		return
	}
	if err := c.ws.WriteJSON(env); err != nil {
		c.outbox = append(c.outbox, env)
		c.ws.Close()
		c.ws = nil
	}
}

// track registers interest in the ack for msgID. The returned channel
// resolves with nil on ack, ErrSyncTimeout after the ack timeout, or
// ErrClosed when the client shuts down first.
func (c *conn) track(msgID string) <-chan error {
	ch := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch <- ErrClosed
		return ch
	}
	c.pending[msgID] = ch
	c.mu.Unlock()

	time.AfterFunc(c.timeout, func() {
		c.resolve(msgID, ErrSyncTimeout)
	})
	return ch
}

func (c *conn) resolve(msgID string, result error) {
	c.mu.Lock()
	ch, ok := c.pending[msgID]
	if ok {
		delete(c.pending, msgID)
	}
	c.mu.Unlock()
	if ok {
		ch <- result
	}
}

// Close stops reconnecting, drops the socket and fails every pending ack.
func (c *conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- ErrClosed
	}
}
