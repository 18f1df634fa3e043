package engine

import (
	"context"

	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/storage"
	"github.com/hyperengineering/undertow/internal/wire"
)

// Resync brings one client store up to date. lastID is the highest id the
// client has cached, or nil for a fresh cache. The whole computation runs
// on the user's queue so no write can interleave with the snapshot.
//
// Three cases:
//   - nil lastID: every live record is sent as a push, newest first.
//   - known lastID: records newer than it are pushed, then tombstones at
//     or after it are sent as removes. The bound is inclusive because a
//     tombstone minted in the same generator tick as the client's last
//     push must not be skipped.
//   - unknown lastID: the client's cache references an id the server never
//     assigned (or compacted away), so it gets a clear followed by a full
//     resend.
func (d *Database) Resync(ctx context.Context, s *schema.Store, user string, lastID *string, send func(wire.Envelope) error) error {
	if _, err := d.lookup(s); err != nil {
		return err
	}

	return d.queue.Do(ctx, user, func(ctx context.Context) error {
		table := tableName(s)

		live := storage.Conditions{
			colUserID:  storage.Eq(user),
			colDeleted: storage.Eq(0),
		}

		if lastID != nil {
			anchor, err := d.driver.Query(ctx, table, storage.Conditions{
				colID:     storage.Eq(*lastID),
				colUserID: storage.Eq(user),
			})
			if err != nil {
				return err
			}
			if anchor == nil {
				if err := sendPayload(send, wire.Clear{Store: s.Name()}); err != nil {
					return err
				}
			} else {
				live[colID] = storage.Gt(*lastID)
			}
		}

		rows, err := d.driver.QueryAll(ctx, table, live, storage.Desc(colID))
		if err != nil {
			return err
		}
		for _, row := range rows {
			push := wire.Push{
				Store:  s.Name(),
				ID:     row[colID].(string),
				Object: rowToRecord(row),
			}
			if err := sendPayload(send, push); err != nil {
				return err
			}
		}

		if lastID == nil {
			return nil
		}

		tombs, err := d.driver.QueryAll(ctx, tombstoneTable, storage.Conditions{
			"store":   storage.Eq(s.Name()),
			"user_id": storage.Eq(user),
			"id":      storage.Ge(*lastID),
		}, storage.Asc("id"))
		if err != nil {
			return err
		}
		for _, t := range tombs {
			remove := wire.Remove{Store: s.Name(), ID: t["object_id"].(string)}
			if err := sendPayload(send, remove); err != nil {
				return err
			}
		}
		return nil
	})
}

func sendPayload(send func(wire.Envelope) error, p wire.Payload) error {
	env, err := wire.NewEnvelope(p, "", "")
	if err != nil {
		return err
	}
	return send(env)
}
