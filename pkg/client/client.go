// Package client implements the sync client: a durable cache of
// everything the server has confirmed, an optimistic in-memory buffer of
// everything it has not, and a self-healing websocket between them.
// Reads see the union of both; writes apply locally first and settle when
// the server echoes them back.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/undertow/internal/event"
	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/wire"
)

// DefaultAckTimeout bounds how long a write waits for its server
// confirmation before its handle reports ErrSyncTimeout.
const DefaultAckTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// URL is the websocket sync endpoint.
	URL string
	// Header is sent with the dial request; authentication goes here.
	Header http.Header
	// CachePath is the durable cache database file.
	CachePath string
	// Stores are the declarations this client syncs. They must match the
	// server's.
	Stores []*schema.Store
	// AckTimeout overrides DefaultAckTimeout when positive.
	AckTimeout time.Duration
	// OnFault, when set, is invoked once if the durable cache fails mid
	// operation. The client closes itself first.
	OnFault func(error)
}

// Object is a record together with its client-side identity.
type Object struct {
	Identity Identity
	Record   schema.Record
}

// Handle tracks an optimistic write. Err resolves exactly once: nil when
// the server confirmed the write, ErrSyncTimeout or ErrClosed otherwise.
type Handle struct {
	Identity Identity
	Err      <-chan error
}

// Client is the sync client facade. All methods are safe for concurrent
// use.
type Client struct {
	stores  map[string]*schema.Store
	cache   *Cache
	buffer  *buffer
	bus     *event.Bus
	conn    *conn
	timeout time.Duration
	onFault func(error)
}

// New opens the durable cache and starts connecting. A cache that cannot
// be opened is fatal; the client never runs without one.
func New(opts Options) (*Client, error) {
	cache, err := OpenCache(opts.CachePath, opts.Stores)
	if err != nil {
		return nil, err
	}

	timeout := opts.AckTimeout
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}

	c := &Client{
		stores:  make(map[string]*schema.Store, len(opts.Stores)),
		cache:   cache,
		buffer:  newBuffer(),
		bus:     event.NewBus(),
		timeout: timeout,
		onFault: opts.OnFault,
	}
	for _, s := range opts.Stores {
		c.stores[s.Name()] = s
	}
	c.conn = newConn(opts.URL, opts.Header, timeout, c.buildHello, c.handleInbound)
	return c, nil
}

// Close stops the connection and closes the cache. Pending handles
// resolve with ErrClosed.
func (c *Client) Close() error {
	c.conn.Close()
	return c.cache.Close()
}

// Subscribe registers handler for every local and remote mutation on the
// store.
func (c *Client) Subscribe(s *schema.Store, handler event.Handler) event.Subscription {
	return c.bus.Subscribe(s.Name(), handler)
}

// Push applies rec locally and sends it to the server. The record is
// immediately visible to reads and subscribers under its pending
// identity; the returned handle settles when the server acknowledges.
func (c *Client) Push(s *schema.Store, rec schema.Record) (Handle, error) {
	if err := s.ValidateClientAction(schema.ActionPush, rec); err != nil {
		return Handle{}, err
	}

	msgID := newMsgID()
	c.buffer.insert(s.Name(), msgID, cloneRecord(rec))

	c.bus.Publish(s.Name(), event.Event{
		Action: event.Push,
		ID:     msgID,
		Record: rec,
		MsgID:  msgID,
	})

	errCh := c.conn.track(msgID)
	c.conn.send(wire.MustEnvelope(wire.Push{Store: s.Name(), Object: rec}, msgID, ""))

	return Handle{Identity: Pending(msgID), Err: errCh}, nil
}

// Remove deletes the record locally and propagates the deletion. For a
// record the server has confirmed this sends a remove and waits for the
// ack. For a record still in the buffer the deletion is deferred: it
// waits for that record's push ack and then removes the committed id, so
// deleting right after pushing works even though the server id is not
// known yet.
func (c *Client) Remove(ctx context.Context, s *schema.Store, id string) error {
	c.buffer.markDeleted(id)

	// Watch for the promotion of a pending id before looking anything up,
	// so an ack landing mid-call cannot slip through unobserved.
	committed := make(chan string, 1)
	sub := c.bus.Subscribe(s.Name(), func(e event.Event) {
		if e.Action == event.Push && e.Ack == id {
			select {
			case committed <- e.ID:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	rec, found, err := c.cache.Get(ctx, s.Name(), id)
	if err != nil {
		return err
	}
	if found {
		msgID := newMsgID()
		c.bus.Publish(s.Name(), event.Event{
			Action: event.Remove,
			ID:     id,
			Record: rec,
			MsgID:  msgID,
		})
		errCh := c.conn.track(msgID)
		c.conn.send(wire.MustEnvelope(wire.Remove{Store: s.Name(), ID: id}, msgID, ""))
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	buffered, ok := c.buffer.get(s.Name(), id)
	if !ok {
		return nil
	}
	c.bus.Publish(s.Name(), event.Event{
		Action: event.Remove,
		ID:     id,
		Record: buffered,
	})

	select {
	case realID := <-committed:
		return c.Remove(ctx, s, realID)
	case <-time.After(c.timeout):
		return ErrSyncTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the record with the given identity value: a committed id is
// looked up in the cache, a pending one in the buffer.
func (c *Client) Get(ctx context.Context, s *schema.Store, id string) (*Object, error) {
	rec, found, err := c.cache.Get(ctx, s.Name(), id)
	if err != nil {
		return nil, err
	}
	if found {
		return &Object{Identity: Committed(id), Record: rec}, nil
	}
	if rec, ok := c.buffer.get(s.Name(), id); ok {
		return &Object{Identity: Pending(id), Record: rec}, nil
	}
	return nil, nil
}

// GetAll returns every live record of the store: cached records first in
// id order, then buffered ones in insertion order, minus anything the
// user has asked to delete. On a singular store only the newest record is
// returned.
func (c *Client) GetAll(ctx context.Context, s *schema.Store) ([]Object, error) {
	cached, err := c.cache.GetAll(ctx, s.Name())
	if err != nil {
		return nil, err
	}
	return c.merge(s, cached, c.buffer.getAll(s.Name())), nil
}

// GetAllMatches is GetAll narrowed to records whose key equals value. The
// key must be an index of the store.
func (c *Client) GetAllMatches(ctx context.Context, s *schema.Store, key string, value any) ([]Object, error) {
	cached, err := c.cache.GetAllBy(ctx, s.Name(), key, value)
	if err != nil {
		return nil, err
	}
	return c.merge(s, cached, c.buffer.getAllMatches(s.Name(), key, value)), nil
}

func (c *Client) merge(s *schema.Store, cached []CachedObject, buffered []buffered) []Object {
	out := make([]Object, 0, len(cached)+len(buffered))
	for _, o := range cached {
		if c.buffer.isDeleted(o.ID) {
			continue
		}
		out = append(out, Object{Identity: Committed(o.ID), Record: o.Record})
	}
	for _, b := range buffered {
		if c.buffer.isDeleted(b.msgID) {
			continue
		}
		out = append(out, Object{Identity: Pending(b.msgID), Record: b.rec})
	}
	if s.Kind() == schema.Singular && len(out) > 1 {
		out = out[len(out)-1:]
	}
	return out
}

// EditMemory mutates a still-buffered record in place and republishes it
// locally. It exists for flows that enrich an optimistic record before
// the server has confirmed it; the edit is not sent to the server.
func (c *Client) EditMemory(s *schema.Store, msgID string, partial schema.Record) {
	rec, ok := c.buffer.edit(s.Name(), msgID, partial)
	if !ok {
		return
	}
	c.bus.Publish(s.Name(), event.Event{
		Action: event.Push,
		ID:     msgID,
		Record: rec,
	})
}

// buildHello assembles the per-store watermarks for the hello frame.
func (c *Client) buildHello() (wire.Hello, error) {
	status := make(map[string]*string, len(c.stores))
	ctx := context.Background()
	for name := range c.stores {
		last, err := c.cache.LastID(ctx, name)
		if err != nil {
			return wire.Hello{}, err
		}
		status[name] = last
	}
	return wire.Hello{SyncStatus: status}, nil
}

// handleInbound applies one server frame. A push with an ack settles the
// optimistic record: it leaves the buffer, enters the cache, and
// subscribers see a synthetic remove of the pending identity followed by
// the committed push.
func (c *Client) handleInbound(env wire.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		slog.Warn("dropping malformed frame", "component", "client", "error", err)
		return
	}

	ctx := context.Background()
	switch p := payload.(type) {
	case wire.Push:
		if _, ok := c.stores[p.Store]; !ok {
			slog.Warn("push for unknown store", "component", "client", "store", p.Store)
			return
		}
		if err := c.cache.Put(ctx, p.Store, p.ID, p.Object); err != nil {
			c.fail(err)
			return
		}
		if env.Ack != "" {
			if rec, ok := c.buffer.remove(p.Store, env.Ack); ok {
				c.bus.Publish(p.Store, event.Event{
					Action: event.Remove,
					ID:     env.Ack,
					Record: rec,
				})
			}
			c.buffer.promoteDeleted(env.Ack, p.ID)
		}
		c.bus.Publish(p.Store, event.Event{
			Action: event.Push,
			ID:     p.ID,
			Record: p.Object,
			Ack:    env.Ack,
		})

	case wire.Remove:
		c.buffer.clearDeleted(p.ID)
		rec, found, err := c.cache.Get(ctx, p.Store, p.ID)
		if err != nil {
			c.fail(err)
			return
		}
		if !found {
			return
		}
		if err := c.cache.Delete(ctx, p.Store, p.ID); err != nil {
			c.fail(err)
			return
		}
		c.bus.Publish(p.Store, event.Event{
			Action: event.Remove,
			ID:     p.ID,
			Record: rec,
			Ack:    env.Ack,
		})

	case wire.Clear:
		if err := c.cache.Clear(ctx, p.Store); err != nil {
			c.fail(err)
			return
		}
		c.bus.Publish(p.Store, event.Event{Action: event.Clear})

	case wire.Partial:
		c.bus.Publish(p.Store, event.Event{
			Action: event.Partial,
			ID:     p.ID,
			Record: p.Object,
		})

	default:
		slog.Warn("dropping unexpected frame", "component", "client", "type", string(env.Type))
	}
}

// fail shuts the client down after a cache fault. Continuing without a
// trustworthy cache would silently diverge from the server.
func (c *Client) fail(err error) {
	slog.Error("cache fault, closing client", "component", "client", "error", err)
	c.conn.Close()
	if c.onFault != nil {
		c.onFault(err)
	}
}

func newMsgID() string {
	return ulid.Make().String()
}
