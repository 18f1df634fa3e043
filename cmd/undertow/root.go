package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/undertow/internal/config"
	"github.com/hyperengineering/undertow/internal/engine"
	"github.com/hyperengineering/undertow/internal/responder"
	"github.com/hyperengineering/undertow/internal/server"
	"github.com/hyperengineering/undertow/internal/snapshot"
	"github.com/hyperengineering/undertow/internal/storage"
	"github.com/hyperengineering/undertow/internal/stores"
	"github.com/hyperengineering/undertow/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

// userHeader identifies the caller on sync connections. A reverse proxy
// terminating real authentication is expected to set it.
const userHeader = "X-User-Id"

var rootCmd = &cobra.Command{
	Use:   "undertow",
	Short: "Undertow - Local-First Sync Service",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize storage (migrations, WAL mode)
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		return err
	}
	slog.Info("storage initialized", "path", cfg.Database.Path)

	// 5. Initialize sync engine with the registered stores
	eng, err := engine.New(ctx, engine.Options{
		Driver:        db,
		Stores:        stores.All,
		QueueCapacity: cfg.Sync.QueueCapacity,
	})
	if err != nil {
		return err
	}
	slog.Info("engine initialized", "stores", len(stores.All))

	// 6. Start the assistant responder when an API key is configured
	var resp *responder.Responder
	if cfg.Responder.Enabled() {
		streamer := responder.NewOpenAI(cfg.Responder.APIKey, cfg.Responder.Model)
		resp = responder.New(eng, streamer)
		resp.Start()
		slog.Info("responder started", "model", streamer.ModelName())
	} else {
		slog.Info("responder disabled", "reason", "no API key configured")
	}

	// 7. Initialize HTTP router
	syncHandler := server.NewSyncHandler(server.SyncOptions{
		Engine:       eng,
		Stores:       stores.All,
		Resolve:      server.HeaderUserResolver(userHeader),
		WriteTimeout: time.Duration(cfg.Sync.WriteTimeout),
		SendBuffer:   cfg.Sync.SendBuffer,
	})
	handler := server.NewHandler(syncHandler, Version, len(stores.All))
	router := server.NewRouter(handler, syncHandler)
	slog.Info("router initialized")

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Background workers
	var wg sync.WaitGroup
	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return err
	}
	if cfg.Snapshot.Enabled() {
		gen := snapshot.NewGenerator(db, snapshotDir(cfg.Database.Path))
		sw := worker.NewSnapshotWorker(gen, uploader, time.Duration(cfg.Worker.SnapshotInterval))
		startWorker(ctx, &wg, "snapshot", sw.Run)
	}

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Anything else is a real failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight requests and sessions)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Let in-flight assistant replies finish
	if resp != nil {
		resp.Stop()
	}

	// 12c. Wait for workers to complete
	wg.Wait()

	// 12d. Close storage. Per-user write workers drain on their own once
	// the server and responder stop submitting.
	if err := db.Close(); err != nil {
		slog.Error("storage close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// snapshotDir keeps snapshots next to the live database file.
func snapshotDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "snapshots")
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
