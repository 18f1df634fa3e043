package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/undertow/internal/config"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, e := range c.entries {
		if msg, ok := e["msg"].(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *logCapture) hasMessage(msg string) bool {
	for _, m := range c.messages() {
		if m == msg {
			return true
		}
	}
	return false
}

// TestStartWorker_LaunchesGoroutineAndTracksCompletion tests the startWorker helper
func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "test-worker", func(ctx context.Context) {
		workerRan.Store(true)
		<-ctx.Done()
	})

	// Give worker time to start
	time.Sleep(10 * time.Millisecond)

	if !workerRan.Load() {
		t.Error("worker function was not called")
	}

	cancel()
	wg.Wait()

	if !capture.hasMessage("worker started") {
		t.Error("expected 'worker started' log message")
	}
	if !capture.hasMessage("worker stopped") {
		t.Error("expected 'worker stopped' log message")
	}
}

// TestStartWorker_RespectsContextCancellation verifies workers stop when context is cancelled
func TestStartWorker_RespectsContextCancellation(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	startWorker(ctx, &wg, "cancel-test", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()

	select {
	case <-done:
		// Worker responded to cancellation
	case <-time.After(100 * time.Millisecond):
		t.Error("worker did not respond to context cancellation")
	}

	wg.Wait()
}

// TestWorkerWaitGroupIntegration verifies workers are waited on during shutdown
func TestWorkerWaitGroupIntegration(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerCompleted := atomic.Bool{}
	startWorker(ctx, &wg, "slow-worker", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond) // Simulate cleanup work
		workerCompleted.Store(true)
	})

	cancel()
	wg.Wait()

	if !workerCompleted.Load() {
		t.Error("wg.Wait() returned before worker completed")
	}
}

// TestShutdownTimeoutRespected verifies shutdown doesn't hang indefinitely
func TestShutdownTimeoutRespected(t *testing.T) {
	blockingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {} // Block forever
	})

	srv := &http.Server{
		Addr:    ":0",
		Handler: blockingHandler,
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	srv.Shutdown(shutdownCtx)
	elapsed := time.Since(start)

	if elapsed > 50*time.Millisecond {
		t.Errorf("shutdown took %v, expected <= 50ms", elapsed)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_FormatSelection(t *testing.T) {
	jsonLogger := newLogger(config.LogConfig{Level: "info", Format: "json"})
	if jsonLogger == nil {
		t.Fatal("nil json logger")
	}
	textLogger := newLogger(config.LogConfig{Level: "debug", Format: "text"})
	if textLogger == nil {
		t.Fatal("nil text logger")
	}
	if !textLogger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logger should accept debug records")
	}
	if jsonLogger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("info logger should reject debug records")
	}
}

func TestSnapshotDir_SitsNextToDatabase(t *testing.T) {
	if got := snapshotDir("data/undertow.db"); got != "data/snapshots" {
		t.Errorf("snapshotDir = %q", got)
	}
}
