package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/undertow/internal/engine"
	"github.com/hyperengineering/undertow/internal/event"
	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/server"
	"github.com/hyperengineering/undertow/internal/storage"
)

var clientNotes = schema.MustNew(schema.Options{
	Name: "note",
	Kind: schema.Event,
	Fields: map[string]schema.Field{
		"body": {Type: schema.String},
	},
})

var clientProfile = schema.MustNew(schema.Options{
	Name: "profile",
	Kind: schema.Singular,
	Fields: map[string]schema.Field{
		"email": {Type: schema.String},
	},
})

func startServer(t *testing.T, stores ...*schema.Store) (string, *engine.Database) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	eng, err := engine.New(context.Background(), engine.Options{Driver: db, Stores: stores})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	sync := server.NewSyncHandler(server.SyncOptions{
		Engine:  eng,
		Stores:  stores,
		Resolve: server.HeaderUserResolver("X-User-Id"),
	})
	srv := httptest.NewServer(server.NewRouter(server.NewHandler(sync, "test", len(stores)), sync))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sync", eng
}

func newTestClient(t *testing.T, url string, stores ...*schema.Store) *Client {
	t.Helper()
	c, err := New(Options{
		URL:        url,
		Header:     http.Header{"X-User-Id": []string{"u1"}},
		CachePath:  filepath.Join(t.TempDir(), "client.db"),
		Stores:     stores,
		AckTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPush_OptimisticThenPromoted(t *testing.T) {
	url, _ := startServer(t, clientNotes)
	c := newTestClient(t, url, clientNotes)
	ctx := context.Background()

	var mu sync.Mutex
	var events []event.Event
	c.Subscribe(clientNotes, func(e event.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	snapshot := func() []event.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]event.Event(nil), events...)
	}

	handle, err := c.Push(clientNotes, schema.Record{"body": "hello"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if handle.Identity.IsCommitted() {
		t.Error("fresh push handle must be pending")
	}

	// Visible immediately, before any server round trip.
	got, err := c.GetAll(ctx, clientNotes)
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(got) != 1 || got[0].Record["body"] != "hello" {
		t.Fatalf("optimistic read: %+v", got)
	}

	if err := <-handle.Err; err != nil {
		t.Fatalf("handle err: %v", err)
	}

	// Exactly one record after promotion, now committed.
	waitFor(t, "promotion", func() bool {
		got, err = c.GetAll(ctx, clientNotes)
		return err == nil && len(got) == 1 && got[0].Identity.IsCommitted()
	})

	// Subscribers saw: optimistic push, synthetic remove of the pending
	// identity, then the committed push carrying the ack.
	waitFor(t, "events", func() bool { return len(snapshot()) >= 3 })
	seen := snapshot()
	if seen[0].Action != event.Push || seen[0].ID != handle.Identity.Value() {
		t.Errorf("event 0 = %+v", seen[0])
	}
	if seen[1].Action != event.Remove || seen[1].ID != handle.Identity.Value() {
		t.Errorf("event 1 = %+v", seen[1])
	}
	if seen[2].Action != event.Push || seen[2].Ack != handle.Identity.Value() {
		t.Errorf("event 2 = %+v", seen[2])
	}
}

func TestRemove_CommittedRecord(t *testing.T) {
	url, _ := startServer(t, clientNotes)
	c := newTestClient(t, url, clientNotes)
	ctx := context.Background()

	handle, err := c.Push(clientNotes, schema.Record{"body": "doomed"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := <-handle.Err; err != nil {
		t.Fatalf("ack: %v", err)
	}

	var id string
	waitFor(t, "committed record", func() bool {
		got, err := c.GetAll(ctx, clientNotes)
		if err != nil || len(got) != 1 || !got[0].Identity.IsCommitted() {
			return false
		}
		id = got[0].Identity.Value()
		return true
	})

	if err := c.Remove(ctx, clientNotes, id); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := c.GetAll(ctx, clientNotes)
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("record survived remove: %+v", got)
	}
}

func TestRemove_DeferredUntilAck(t *testing.T) {
	url, eng := startServer(t, clientNotes)
	c := newTestClient(t, url, clientNotes)
	ctx := context.Background()

	// Remove immediately after pushing, while the record is (very likely)
	// still pending. Either path must settle with the record gone on both
	// sides.
	handle, err := c.Push(clientNotes, schema.Record{"body": "gone soon"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := c.Remove(ctx, clientNotes, handle.Identity.Value()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := c.GetAll(ctx, clientNotes)
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("local read after remove: %+v", got)
	}

	waitFor(t, "server-side removal", func() bool {
		objs, err := eng.GetAll(ctx, clientNotes, "u1")
		return err == nil && len(objs) == 0
	})

	// The intent moved from the pending id to the committed one and was
	// dropped when the server confirmed the remove.
	waitFor(t, "deletion intent to be pruned", func() bool {
		return deletionCount(c) == 0
	})
}

func deletionCount(c *Client) int {
	c.buffer.mu.Lock()
	defer c.buffer.mu.Unlock()
	return len(c.buffer.deletions)
}

func TestRemove_ConfirmationPrunesDeletionIntent(t *testing.T) {
	url, _ := startServer(t, clientNotes)
	c := newTestClient(t, url, clientNotes)
	ctx := context.Background()

	handle, err := c.Push(clientNotes, schema.Record{"body": "transient"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := <-handle.Err; err != nil {
		t.Fatalf("ack: %v", err)
	}

	var id string
	waitFor(t, "committed record", func() bool {
		got, err := c.GetAll(ctx, clientNotes)
		if err != nil || len(got) != 1 || !got[0].Identity.IsCommitted() {
			return false
		}
		id = got[0].Identity.Value()
		return true
	})

	if err := c.Remove(ctx, clientNotes, id); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// The server's remove echo lands before the ack resolves, so the
	// intent set is already empty when Remove returns.
	if n := deletionCount(c); n != 0 {
		t.Errorf("deletion intent set holds %d entries after confirmed remove", n)
	}
}

func TestPush_TimesOutOffline(t *testing.T) {
	// No server listening.
	c, err := New(Options{
		URL:        "ws://127.0.0.1:1/api/v1/sync",
		CachePath:  filepath.Join(t.TempDir(), "client.db"),
		Stores:     []*schema.Store{clientNotes},
		AckTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	handle, err := c.Push(clientNotes, schema.Record{"body": "queued"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case err := <-handle.Err:
		if !errors.Is(err, ErrSyncTimeout) {
			t.Fatalf("expected ErrSyncTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handle never settled")
	}

	// The record stays visible; it is buffered, not lost.
	got, err := c.GetAll(context.Background(), clientNotes)
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(got) != 1 || got[0].Identity.IsCommitted() {
		t.Errorf("offline record state: %+v", got)
	}
}

func TestSingularStore_ReadsReturnLatestOnly(t *testing.T) {
	// Offline on purpose: both records stay buffered.
	c, err := New(Options{
		URL:        "ws://127.0.0.1:1/api/v1/sync",
		CachePath:  filepath.Join(t.TempDir(), "client.db"),
		Stores:     []*schema.Store{clientProfile},
		AckTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	if _, err := c.Push(clientProfile, schema.Record{"email": "old@x.test"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := c.Push(clientProfile, schema.Record{"email": "new@x.test"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := c.GetAll(context.Background(), clientProfile)
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(got) != 1 || got[0].Record["email"] != "new@x.test" {
		t.Errorf("singular read = %+v", got)
	}
}

func TestResync_PopulatesFreshCache(t *testing.T) {
	url, eng := startServer(t, clientNotes)
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		if err := eng.Push(ctx, clientNotes, "u1", schema.Record{"body": body}, "", ""); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	c := newTestClient(t, url, clientNotes)

	waitFor(t, "resync", func() bool {
		got, err := c.GetAll(ctx, clientNotes)
		return err == nil && len(got) == 3
	})
}

func TestResync_StaleWatermarkClearsCache(t *testing.T) {
	url, eng := startServer(t, clientNotes)
	ctx := context.Background()

	if err := eng.Push(ctx, clientNotes, "u1", schema.Record{"body": "real"}, "", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Pre-populate the cache with a record the server never issued; its id
	// sorts above every real one so the watermark is unknown server-side.
	path := filepath.Join(t.TempDir(), "client.db")
	cache, err := OpenCache(path, []*schema.Store{clientNotes})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := cache.Put(ctx, "note", "ZZZZZZZZZZZZZZZZZZZZZZZZZZ", schema.Record{"body": "phantom"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	cache.Close()

	c, err := New(Options{
		URL:        url,
		Header:     http.Header{"X-User-Id": []string{"u1"}},
		CachePath:  path,
		Stores:     []*schema.Store{clientNotes},
		AckTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	// The phantom record must disappear and the real one arrive.
	waitFor(t, "clear and resend", func() bool {
		got, err := c.GetAll(ctx, clientNotes)
		return err == nil && len(got) == 1 && got[0].Record["body"] == "real"
	})
}

func TestEditMemory_UpdatesBufferedRecord(t *testing.T) {
	c, err := New(Options{
		URL:        "ws://127.0.0.1:1/api/v1/sync",
		CachePath:  filepath.Join(t.TempDir(), "client.db"),
		Stores:     []*schema.Store{clientNotes},
		AckTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	handle, err := c.Push(clientNotes, schema.Record{"body": "draft"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	var republished []event.Event
	c.Subscribe(clientNotes, func(e event.Event) { republished = append(republished, e) })

	c.EditMemory(clientNotes, handle.Identity.Value(), schema.Record{"body": "edited"})

	got, err := c.Get(context.Background(), clientNotes, handle.Identity.Value())
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Record["body"] != "edited" {
		t.Errorf("body = %v", got.Record["body"])
	}
	if len(republished) != 1 || republished[0].Action != event.Push {
		t.Errorf("expected one republished push, got %+v", republished)
	}
}
