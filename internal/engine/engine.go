// Package engine implements the server-side sync engine: validated,
// per-user-serialized writes against store tables, tombstone-backed
// deletes, and the event stream that the websocket layer fans out.
package engine

import (
	"context"
	"fmt"

	"github.com/hyperengineering/undertow/internal/event"
	"github.com/hyperengineering/undertow/internal/queue"
	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/storage"
)

// System column and table names. Store tables and system columns carry a
// "$" prefix so they can never collide with user-declared field names or
// with plain-named metadata tables such as tombstones.
const (
	colID      = "$id"
	colUserID  = "$userId"
	colDeleted = "$deleted"

	tombstoneTable = "tombstones"
)

// Database coordinates all mutations for a set of registered stores. All
// writes for a user funnel through one queue so read-modify-write
// sequences never interleave.
type Database struct {
	driver storage.Driver
	stores map[string]*schema.Store
	queue  *queue.Queue
	bus    *event.Bus
	ids    *idGen
}

// Options configures a Database.
type Options struct {
	Driver storage.Driver
	Stores []*schema.Store
	// QueueCapacity bounds pending actions per user; zero means the
	// queue default.
	QueueCapacity int
}

// New creates the engine and ensures a table and declared indices exist
// for every registered store. Existing tables are left untouched.
func New(ctx context.Context, opts Options) (*Database, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("engine: driver is required")
	}

	d := &Database{
		driver: opts.Driver,
		stores: make(map[string]*schema.Store, len(opts.Stores)),
		queue:  queue.New(opts.QueueCapacity),
		bus:    event.NewBus(),
		ids:    newIDGen(),
	}

	for _, s := range opts.Stores {
		if _, dup := d.stores[s.Name()]; dup {
			return nil, fmt.Errorf("engine: store %q registered twice", s.Name())
		}
		if err := d.createStore(ctx, s); err != nil {
			return nil, fmt.Errorf("engine: create store %q: %w", s.Name(), err)
		}
		d.stores[s.Name()] = s
	}
	return d, nil
}

// NextID issues an id from the engine's generator so server-created
// records share the same ordered id space as client pushes.
func (d *Database) NextID() string {
	return d.ids.Next()
}

// Subscribe registers handler for every committed mutation on store.
func (d *Database) Subscribe(store *schema.Store, handler event.Handler) event.Subscription {
	return d.bus.Subscribe(store.Name(), handler)
}

func (d *Database) createStore(ctx context.Context, s *schema.Store) error {
	columns := map[string]storage.Column{
		colID:      {Type: storage.Text, PrimaryKey: true},
		colUserID:  {Type: storage.Text},
		colDeleted: {Type: storage.Integer},
	}
	for name, f := range s.Fields() {
		columns[name] = storage.Column{Type: columnType(f.Type), Nullable: f.Nullable}
	}

	table := tableName(s)
	if err := d.driver.CreateTable(ctx, table, columns); err != nil {
		return err
	}
	if err := d.driver.CreateIndex(ctx, table, colUserID); err != nil {
		return err
	}
	for _, idx := range s.Indices() {
		if err := d.driver.CreateIndex(ctx, table, idx); err != nil {
			return err
		}
	}
	return nil
}

func columnType(t schema.FieldType) storage.ColumnType {
	switch t {
	case schema.Int:
		return storage.Integer
	case schema.Float:
		return storage.Real
	default:
		return storage.Text
	}
}

func tableName(s *schema.Store) string {
	return "$" + s.Name()
}

func (d *Database) lookup(s *schema.Store) (*schema.Store, error) {
	reg, ok := d.stores[s.Name()]
	if !ok || reg != s {
		return nil, fmt.Errorf("engine: store %q is not registered", s.Name())
	}
	return reg, nil
}

// Push writes rec for user. On singular stores it upserts the user's
// single row, keeping the existing id; on event stores it appends a new
// row. A non-empty forceID pins the new row's id, which is how partial
// streams commit under the id they already announced. msgID is echoed on
// the resulting event for client correlation.
func (d *Database) Push(ctx context.Context, s *schema.Store, user string, rec schema.Record, msgID, forceID string) error {
	if _, err := d.lookup(s); err != nil {
		return err
	}
	if err := s.Validate(rec); err != nil {
		return err
	}

	return d.queue.Do(ctx, user, func(ctx context.Context) error {
		id := forceID
		if id == "" {
			id = d.ids.Next()
		}

		table := tableName(s)
		if s.Kind() == schema.Singular {
			existing, err := d.driver.Query(ctx, table, storage.Conditions{
				colUserID: storage.Eq(user),
			})
			if err != nil {
				return err
			}
			if existing != nil {
				id = existing[colID].(string)
				set := recordToRow(rec)
				set[colDeleted] = 0
				if err := d.driver.Update(ctx, table, storage.Conditions{
					colID:     storage.Eq(id),
					colUserID: storage.Eq(user),
				}, set); err != nil {
					return err
				}
				d.bus.Publish(s.Name(), event.Event{
					Action: event.Push, User: user, ID: id, Record: rec, MsgID: msgID,
				})
				return nil
			}
		}

		row := recordToRow(rec)
		row[colID] = id
		row[colUserID] = user
		row[colDeleted] = 0
		if err := d.driver.Insert(ctx, table, row); err != nil {
			return err
		}
		d.bus.Publish(s.Name(), event.Event{
			Action: event.Push, User: user, ID: id, Record: rec, MsgID: msgID,
		})
		return nil
	})
}

// Remove flags the user's record deleted and writes a tombstone in the
// same transaction, so a delete can never be observed without the marker
// that propagates it to offline devices. Removing an absent or already
// deleted record is a no-op.
func (d *Database) Remove(ctx context.Context, s *schema.Store, user, id, msgID string) error {
	if _, err := d.lookup(s); err != nil {
		return err
	}

	return d.queue.Do(ctx, user, func(ctx context.Context) error {
		var removed schema.Record
		err := d.driver.Transaction(ctx, func(tx storage.Driver) error {
			row, err := tx.Query(ctx, tableName(s), storage.Conditions{
				colID:     storage.Eq(id),
				colUserID: storage.Eq(user),
			})
			if err != nil {
				return err
			}
			if row == nil || asInt(row[colDeleted]) != 0 {
				return nil
			}
			if err := tx.Update(ctx, tableName(s), storage.Conditions{
				colID:     storage.Eq(id),
				colUserID: storage.Eq(user),
			}, storage.Row{colDeleted: 1}); err != nil {
				return err
			}
			if err := tx.Insert(ctx, tombstoneTable, storage.Row{
				"id":        d.ids.Next(),
				"store":     s.Name(),
				"user_id":   user,
				"object_id": id,
			}); err != nil {
				return err
			}
			removed = rowToRecord(row)
			return nil
		})
		if err != nil {
			return err
		}
		if removed != nil {
			d.bus.Publish(s.Name(), event.Event{
				Action: event.Remove, User: user, ID: id, Record: removed, MsgID: msgID,
			})
		}
		return nil
	})
}

// Object is a stored record together with its server-assigned id.
type Object struct {
	ID     string
	Record schema.Record
}

// Get returns the user's non-deleted record with the given id, or nil.
func (d *Database) Get(ctx context.Context, s *schema.Store, user, id string) (*Object, error) {
	if _, err := d.lookup(s); err != nil {
		return nil, err
	}
	row, err := d.driver.Query(ctx, tableName(s), storage.Conditions{
		colID:      storage.Eq(id),
		colUserID:  storage.Eq(user),
		colDeleted: storage.Eq(0),
	})
	if err != nil || row == nil {
		return nil, err
	}
	return &Object{ID: id, Record: rowToRecord(row)}, nil
}

// GetAll returns the user's non-deleted records ordered by id ascending.
func (d *Database) GetAll(ctx context.Context, s *schema.Store, user string) ([]Object, error) {
	return d.getAll(ctx, s, user, storage.Conditions{
		colUserID:  storage.Eq(user),
		colDeleted: storage.Eq(0),
	})
}

// GetAllBy is GetAll narrowed to rows whose field equals value. The field
// must be declared on the store's schema.
func (d *Database) GetAllBy(ctx context.Context, s *schema.Store, user, field string, value any) ([]Object, error) {
	if _, ok := s.Fields()[field]; !ok {
		return nil, fmt.Errorf("engine: store %q has no field %q", s.Name(), field)
	}
	return d.getAll(ctx, s, user, storage.Conditions{
		colUserID:  storage.Eq(user),
		colDeleted: storage.Eq(0),
		field:      storage.Eq(value),
	})
}

func (d *Database) getAll(ctx context.Context, s *schema.Store, user string, conds storage.Conditions) ([]Object, error) {
	if _, err := d.lookup(s); err != nil {
		return nil, err
	}
	rows, err := d.driver.QueryAll(ctx, tableName(s), conds, storage.Asc(colID))
	if err != nil {
		return nil, err
	}
	objects := make([]Object, 0, len(rows))
	for _, row := range rows {
		objects = append(objects, Object{
			ID:     row[colID].(string),
			Record: rowToRecord(row),
		})
	}
	return objects, nil
}

func recordToRow(rec schema.Record) storage.Row {
	row := make(storage.Row, len(rec)+3)
	for k, v := range rec {
		row[k] = v
	}
	return row
}

func rowToRecord(row storage.Row) schema.Record {
	rec := make(schema.Record, len(row))
	for k, v := range row {
		if len(k) > 0 && k[0] == '$' {
			continue
		}
		rec[k] = v
	}
	return rec
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
