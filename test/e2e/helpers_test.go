// Package e2e exercises the full sync stack: real clients from pkg/client
// talking to a real server over websockets, backed by a real SQLite
// database. No layer is mocked except the LLM streamer.
package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/undertow/internal/engine"
	"github.com/hyperengineering/undertow/internal/schema"
	"github.com/hyperengineering/undertow/internal/server"
	"github.com/hyperengineering/undertow/internal/storage"
	"github.com/hyperengineering/undertow/internal/stores"
	"github.com/hyperengineering/undertow/pkg/client"
)

const waitDeadline = 5 * time.Second

// stack is a fully wired server instance.
type stack struct {
	engine *engine.Database
	server *httptest.Server
}

func (s *stack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v1/sync"
}

// startStack boots storage, engine and HTTP server with the production
// store registry.
func startStack(t *testing.T) *stack {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	eng, err := engine.New(context.Background(), engine.Options{
		Driver: db,
		Stores: stores.All,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	syncHandler := server.NewSyncHandler(server.SyncOptions{
		Engine:  eng,
		Stores:  stores.All,
		Resolve: server.HeaderUserResolver("X-User-Id"),
	})
	handler := server.NewHandler(syncHandler, "e2e", len(stores.All))
	srv := httptest.NewServer(server.NewRouter(handler, syncHandler))
	t.Cleanup(srv.Close)

	return &stack{engine: eng, server: srv}
}

// newDevice opens a client with its own durable cache, simulating one
// device of the given user. cacheDir is reused across reopens to keep the
// cache.
func newDevice(t *testing.T, s *stack, user, cacheDir string) *client.Client {
	t.Helper()

	header := http.Header{}
	header.Set("X-User-Id", user)

	c, err := client.New(client.Options{
		URL:        s.wsURL(),
		Header:     header,
		CachePath:  filepath.Join(cacheDir, "cache.db"),
		Stores:     stores.All,
		AckTimeout: waitDeadline,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

// pushAndWait pushes a record and blocks until the server acknowledges.
func pushAndWait(t *testing.T, c *client.Client, s *schema.Store, rec schema.Record) client.Handle {
	t.Helper()
	h, err := c.Push(s, rec)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case err := <-h.Err:
		if err != nil {
			t.Fatalf("push not acknowledged: %v", err)
		}
	case <-time.After(waitDeadline):
		t.Fatal("push ack timed out")
	}
	return h
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitDeadline)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// bodies extracts the given string field from each object, in order.
func bodies(objs []client.Object, field string) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		if v, ok := o.Record[field].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

func chatRecord(title string) schema.Record {
	return schema.Record{"chatId": "c1", "title": title}
}

func userMessage(chatID, content string, at int64) schema.Record {
	return schema.Record{
		"chatId":    chatID,
		"role":      "user",
		"content":   content,
		"createdAt": at,
		"error":     nil,
	}
}
