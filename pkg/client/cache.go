package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/storage"
)

const cacheIDColumn = "$id"

// CachedObject is a synced record with its server id.
type CachedObject struct {
	ID     string
	Record schema.Record
}

// Cache is the client's durable record store: everything the server has
// confirmed, one table per store. A single mutex serializes all access in
// arrival order, so a resync replay can never interleave with a read.
type Cache struct {
	mu     sync.Mutex
	db     *storage.SQLite
	stores map[string]*schema.Store
}

// OpenCache opens (creating if necessary) the cache database at path and
// ensures a table and indices for every store. Any failure here is fatal
// for the client; there is no degraded cacheless mode.
func OpenCache(path string, stores []*schema.Store) (*Cache, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, &StorageFault{Op: "open", Err: err}
	}

	c := &Cache{db: db, stores: make(map[string]*schema.Store, len(stores))}
	ctx := context.Background()
	for _, s := range stores {
		columns := map[string]storage.Column{
			cacheIDColumn: {Type: storage.Text, PrimaryKey: true},
		}
		for name, f := range s.Fields() {
			columns[name] = storage.Column{Type: cacheColumnType(f.Type), Nullable: f.Nullable}
		}
		table := cacheTable(s.Name())
		if err := db.CreateTable(ctx, table, columns); err != nil {
			db.Close()
			return nil, &StorageFault{Op: "create table", Err: err}
		}
		for _, idx := range s.Indices() {
			if err := db.CreateIndex(ctx, table, idx); err != nil {
				db.Close()
				return nil, &StorageFault{Op: "create index", Err: err}
			}
		}
		c.stores[s.Name()] = s
	}
	return c, nil
}

func cacheTable(store string) string { return "$" + store }

func cacheColumnType(t schema.FieldType) storage.ColumnType {
	switch t {
	case schema.Int:
		return storage.Integer
	case schema.Float:
		return storage.Real
	default:
		return storage.Text
	}
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// Put upserts a confirmed record under its server id.
func (c *Cache) Put(ctx context.Context, store, id string, rec schema.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := cacheTable(store)
	err := c.db.Transaction(ctx, func(tx storage.Driver) error {
		if err := tx.Delete(ctx, table, storage.Conditions{cacheIDColumn: storage.Eq(id)}); err != nil {
			return err
		}
		row := make(storage.Row, len(rec)+1)
		for k, v := range rec {
			row[k] = v
		}
		row[cacheIDColumn] = id
		return tx.Insert(ctx, table, row)
	})
	if err != nil {
		return &StorageFault{Op: "put", Err: err}
	}
	return nil
}

// Get returns the record with the given server id, if cached.
func (c *Cache) Get(ctx context.Context, store, id string) (schema.Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, err := c.db.Query(ctx, cacheTable(store), storage.Conditions{
		cacheIDColumn: storage.Eq(id),
	})
	if err != nil {
		return nil, false, &StorageFault{Op: "get", Err: err}
	}
	if row == nil {
		return nil, false, nil
	}
	return cacheRowToRecord(row), true, nil
}

// GetAll returns every cached record of the store, ordered by id.
func (c *Cache) GetAll(ctx context.Context, store string) ([]CachedObject, error) {
	return c.getAll(ctx, store, nil)
}

// GetAllBy narrows GetAll to rows whose key equals value. The key must be
// the id column or a declared index of the store.
func (c *Cache) GetAllBy(ctx context.Context, store, key string, value any) ([]CachedObject, error) {
	s, ok := c.stores[store]
	if !ok {
		return nil, fmt.Errorf("unknown store %q", store)
	}
	if key != cacheIDColumn && !s.HasIndex(key) {
		return nil, fmt.Errorf("key %q is not an index of store %q", key, store)
	}
	return c.getAll(ctx, store, storage.Conditions{key: storage.Eq(value)})
}

func (c *Cache) getAll(ctx context.Context, store string, conds storage.Conditions) ([]CachedObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryAll(ctx, cacheTable(store), conds, storage.Asc(cacheIDColumn))
	if err != nil {
		return nil, &StorageFault{Op: "get all", Err: err}
	}
	out := make([]CachedObject, 0, len(rows))
	for _, row := range rows {
		out = append(out, CachedObject{
			ID:     row[cacheIDColumn].(string),
			Record: cacheRowToRecord(row),
		})
	}
	return out, nil
}

// LastID returns the highest cached id of the store, or nil when the
// store has never synced. This is the watermark sent in the hello.
func (c *Cache) LastID(ctx context.Context, store string) (*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, err := c.db.Query(ctx, cacheTable(store), nil, storage.Desc(cacheIDColumn))
	if err != nil {
		return nil, &StorageFault{Op: "last id", Err: err}
	}
	if row == nil {
		return nil, nil
	}
	id := row[cacheIDColumn].(string)
	return &id, nil
}

// Delete removes the record with the given id.
func (c *Cache) Delete(ctx context.Context, store, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Delete(ctx, cacheTable(store), storage.Conditions{
		cacheIDColumn: storage.Eq(id),
	})
	if err != nil {
		return &StorageFault{Op: "delete", Err: err}
	}
	return nil
}

// Clear drops every cached record of the store.
func (c *Cache) Clear(ctx context.Context, store string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Delete(ctx, cacheTable(store), nil); err != nil {
		return &StorageFault{Op: "clear", Err: err}
	}
	return nil
}

func cacheRowToRecord(row storage.Row) schema.Record {
	rec := make(schema.Record, len(row))
	for k, v := range row {
		if k == cacheIDColumn {
			continue
		}
		rec[k] = v
	}
	return rec
}
