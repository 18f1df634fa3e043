package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/undertow/internal/engine"
	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/wire"
)

// UserResolver extracts the authenticated user from a request. Resolution
// failure rejects the connection before the websocket upgrade.
type UserResolver func(r *http.Request) (string, error)

// HeaderUserResolver resolves the user from a request header. It is the
// development default; production deployments plug in their session or
// token verification here.
func HeaderUserResolver(header string) UserResolver {
	return func(r *http.Request) (string, error) {
		user := r.Header.Get(header)
		if user == "" {
			return "", ErrNoUser
		}
		return user, nil
	}
}

// SyncHandler upgrades /sync requests to websocket sessions and bridges
// them to the engine: inbound frames become validated writes, committed
// mutations fan back out to every session of the affected user.
type SyncHandler struct {
	engine   *engine.Database
	stores   map[string]*schema.Store
	registry *Registry
	resolve  UserResolver
	upgrader websocket.Upgrader

	writeTimeout time.Duration
	sendBuffer   int
}

// SyncOptions configures a SyncHandler.
type SyncOptions struct {
	Engine  *engine.Database
	Stores  []*schema.Store
	Resolve UserResolver
	// WriteTimeout bounds one outbound frame write; zero disables it.
	WriteTimeout time.Duration
	// SendBuffer is the per-session outbound buffer size.
	SendBuffer int
}

// NewSyncHandler wires the handler and subscribes it to every registered
// store's event stream.
func NewSyncHandler(opts SyncOptions) *SyncHandler {
	h := &SyncHandler{
		engine:       opts.Engine,
		stores:       make(map[string]*schema.Store, len(opts.Stores)),
		registry:     NewRegistry(),
		resolve:      opts.Resolve,
		writeTimeout: opts.WriteTimeout,
		sendBuffer:   opts.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, s := range opts.Stores {
		h.stores[s.Name()] = s
		h.subscribeFanout(s)
	}
	return h
}

// Registry exposes the live session registry, for introspection.
func (h *SyncHandler) Registry() *Registry { return h.registry }

func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.resolve(r)
	if err != nil {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid credentials")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Debug("websocket upgrade failed", "component", "server", "error", err)
		return
	}

	sess := newSession(user, ws, h.sendBuffer)
	go sess.writeLoop(h.writeTimeout)
	defer sess.close()

	log := slog.With("component", "server", "user", user)

	// The first frame must be a hello carrying the client's per-store
	// watermarks; anything else is a protocol violation.
	hello, ok := h.readHello(ws, log)
	if !ok {
		return
	}

	// Register for fan-out before replaying state: a write landing between
	// the resync snapshot and registration would otherwise fan out to an
	// empty session set and never reach this client. A write landing before
	// the snapshot arrives twice, fan-out then replay, which the client's
	// upsert absorbs.
	h.registry.add(sess)
	defer h.registry.remove(sess)

	if !h.resyncAll(r.Context(), sess, hello, log) {
		return
	}

	log.Info("sync session open", "action", "connect", "stores", len(hello.SyncStatus))

	h.readLoop(r.Context(), sess, log)
	log.Info("sync session closed", "action", "disconnect")
}

func (h *SyncHandler) readHello(ws *websocket.Conn, log *slog.Logger) (wire.Hello, bool) {
	var env wire.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		log.Debug("reading hello", "error", err)
		return wire.Hello{}, false
	}
	p, err := env.Payload()
	if err != nil {
		log.Warn("malformed hello frame", "error", err)
		return wire.Hello{}, false
	}
	hello, ok := p.(wire.Hello)
	if !ok {
		log.Warn("first frame was not client_hello", "type", string(env.Type))
		return wire.Hello{}, false
	}
	return hello, true
}

// resyncAll replays each announced store through the session. Replays run
// inside the user's write queue, so frames from concurrent writes order
// after the replay of their store. An unknown store name ends the
// connection: the client is speaking a different schema generation.
func (h *SyncHandler) resyncAll(ctx context.Context, sess *session, hello wire.Hello, log *slog.Logger) bool {
	for name, lastID := range hello.SyncStatus {
		store, ok := h.stores[name]
		if !ok {
			log.Warn("hello references unknown store", "store", name)
			return false
		}
		err := h.engine.Resync(ctx, store, sess.user, lastID, func(env wire.Envelope) error {
			sess.enqueue(env)
			return nil
		})
		if err != nil {
			log.Error("resync failed", "store", name, "error", err)
			return false
		}
	}
	return true
}

// readLoop consumes client frames until the connection drops. Invalid
// input is logged and dropped; the protocol has no error replies, a
// client only learns of a rejected write by never receiving its ack.
func (h *SyncHandler) readLoop(ctx context.Context, sess *session, log *slog.Logger) {
	for {
		var env wire.Envelope
		if err := sess.ws.ReadJSON(&env); err != nil {
			return
		}

		payload, err := env.Payload()
		if err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch p := payload.(type) {
		case wire.Push:
			h.handlePush(ctx, sess, p, env.MsgID, log)
		case wire.Remove:
			h.handleRemove(ctx, sess, p, env.MsgID, log)
		default:
			log.Warn("dropping unexpected frame", "type", string(env.Type))
		}
	}
}

func (h *SyncHandler) handlePush(ctx context.Context, sess *session, p wire.Push, msgID string, log *slog.Logger) {
	store, ok := h.stores[p.Store]
	if !ok {
		log.Warn("push to unknown store", "store", p.Store)
		return
	}
	if err := store.ValidateClientAction(schema.ActionPush, p.Object); err != nil {
		log.Warn("dropping rejected push", "store", p.Store, "error", err)
		return
	}
	if err := h.engine.Push(ctx, store, sess.user, p.Object, msgID, ""); err != nil {
		log.Error("push failed", "store", p.Store, "error", err)
	}
}

// handleRemove policy-checks against the record as stored, not anything
// the client claims about it.
func (h *SyncHandler) handleRemove(ctx context.Context, sess *session, p wire.Remove, msgID string, log *slog.Logger) {
	store, ok := h.stores[p.Store]
	if !ok {
		log.Warn("remove on unknown store", "store", p.Store)
		return
	}
	obj, err := h.engine.Get(ctx, store, sess.user, p.ID)
	if err != nil {
		log.Error("remove lookup failed", "store", p.Store, "error", err)
		return
	}
	if obj == nil {
		return
	}
	if err := store.ValidateClientAction(schema.ActionRemove, obj.Record); err != nil {
		log.Warn("dropping rejected remove", "store", p.Store, "error", err)
		return
	}
	if err := h.engine.Remove(ctx, store, sess.user, p.ID, msgID); err != nil {
		log.Error("remove failed", "store", p.Store, "error", err)
	}
}
