package server

import (
	"log/slog"

	"github.com/hyperengineering/undertow/internal/event"
	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/wire"
)

// subscribeFanout forwards every committed mutation on store to all of
// the affected user's sessions. The originating session receives its own
// write back with the ack set, which is what promotes the client's
// optimistic record.
func (h *SyncHandler) subscribeFanout(store *schema.Store) {
	h.engine.Subscribe(store, func(e event.Event) {
		env, err := fanoutEnvelope(store.Name(), e)
		if err != nil {
			slog.Error("encoding fanout frame",
				"component", "server",
				"store", store.Name(),
				"error", err,
			)
			return
		}
		for _, sess := range h.registry.forUser(e.User) {
			sess.enqueue(env)
		}
	})
}

func fanoutEnvelope(store string, e event.Event) (wire.Envelope, error) {
	switch e.Action {
	case event.Push:
		return wire.NewEnvelope(wire.Push{Store: store, ID: e.ID, Object: e.Record}, "", e.MsgID)
	case event.Remove:
		return wire.NewEnvelope(wire.Remove{Store: store, ID: e.ID}, "", e.MsgID)
	case event.Partial:
		return wire.NewEnvelope(wire.Partial{Store: store, ID: e.ID, Object: e.Record}, "", "")
	default:
		return wire.NewEnvelope(wire.Clear{Store: store}, "", "")
	}
}
