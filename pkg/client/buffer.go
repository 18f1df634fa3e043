package client

import (
	"sync"

	"github.com/hyperengineering/undertow/internal/schema"
)

// buffered is an unacknowledged record keyed by its correlation id.
type buffered struct {
	msgID string
	rec   schema.Record
}

// buffer holds optimistic records per store in insertion order, plus the
// set of ids the user has asked to delete. Everything in here is small
// and short-lived: records leave the buffer the moment their ack arrives.
type buffer struct {
	mu        sync.Mutex
	stores    map[string][]buffered
	deletions map[string]struct{}
}

func newBuffer() *buffer {
	return &buffer{
		stores:    make(map[string][]buffered),
		deletions: make(map[string]struct{}),
	}
}

func (b *buffer) insert(store, msgID string, rec schema.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stores[store] = append(b.stores[store], buffered{msgID: msgID, rec: rec})
}

// remove takes the record with the given correlation id out of the
// buffer, returning it if present.
func (b *buffer) remove(store, msgID string) (schema.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	recs := b.stores[store]
	for i, r := range recs {
		if r.msgID == msgID {
			b.stores[store] = append(recs[:i:i], recs[i+1:]...)
			return r.rec, true
		}
	}
	return nil, false
}

func (b *buffer) get(store, msgID string) (schema.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.stores[store] {
		if r.msgID == msgID {
			return cloneRecord(r.rec), true
		}
	}
	return nil, false
}

func (b *buffer) getAll(store string) []buffered {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]buffered, 0, len(b.stores[store]))
	for _, r := range b.stores[store] {
		out = append(out, buffered{msgID: r.msgID, rec: cloneRecord(r.rec)})
	}
	return out
}

func (b *buffer) getAllMatches(store, key string, value any) []buffered {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []buffered
	for _, r := range b.stores[store] {
		if r.rec[key] == value {
			out = append(out, buffered{msgID: r.msgID, rec: cloneRecord(r.rec)})
		}
	}
	return out
}

// edit merges partial into the buffered record with the given correlation
// id, returning the updated record.
func (b *buffer) edit(store, msgID string, partial schema.Record) (schema.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	recs := b.stores[store]
	for i, r := range recs {
		if r.msgID == msgID {
			for k, v := range partial {
				recs[i].rec[k] = v
			}
			return cloneRecord(recs[i].rec), true
		}
	}
	return nil, false
}

// markDeleted records the user's intent to delete id, pending or
// committed. Reads filter against this set so a deletion is visible
// locally before the server confirms it.
func (b *buffer) markDeleted(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletions[id] = struct{}{}
}

func (b *buffer) isDeleted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.deletions[id]
	return ok
}

// clearDeleted drops the deletion intent for id once the server has
// confirmed it, keeping the set from growing for the life of the client.
func (b *buffer) clearDeleted(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.deletions, id)
}

// promoteDeleted moves a deletion intent from a pending id to the
// committed id the server assigned, so the record stays hidden while the
// deferred remove catches up.
func (b *buffer) promoteDeleted(pending, committed string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deletions[pending]; ok {
		delete(b.deletions, pending)
		b.deletions[committed] = struct{}{}
	}
}

func cloneRecord(rec schema.Record) schema.Record {
	out := make(schema.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
