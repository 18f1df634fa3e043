package engine

import (
	"context"

	"github.com/hyperengineering/undertow/internal/event"
	"github.com/hyperengineering/undertow/internal/schema"
)

// PartialStream announces a record id up front and streams transient
// snapshots of it before a final, validated write. Nothing touches the
// database until Final; a stream that is abandoned simply leaves an
// unused id behind.
type PartialStream struct {
	db    *Database
	store *schema.Store
	user  string
	id    string
}

// Partial opens a stream on store for user and reserves the id the
// eventual record will commit under.
func (d *Database) Partial(s *schema.Store, user string) *PartialStream {
	return &PartialStream{db: d, store: s, user: user, id: d.ids.Next()}
}

// ID is the id the stream's record will have once finalized.
func (p *PartialStream) ID() string { return p.id }

// Update publishes a transient snapshot of the in-progress record.
// Snapshots are not validated and not persisted; subscribers and
// connected clients see them, offline clients never will.
func (p *PartialStream) Update(rec schema.Record) {
	p.db.bus.Publish(p.store.Name(), event.Event{
		Action: event.Partial,
		User:   p.user,
		ID:     p.id,
		Record: rec,
	})
}

// Final validates and persists rec under the stream's id, turning the
// transient record into a durable one.
func (p *PartialStream) Final(ctx context.Context, rec schema.Record) error {
	return p.db.Push(ctx, p.store, p.user, rec, "", p.id)
}
