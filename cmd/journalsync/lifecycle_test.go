package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/journalsync/internal/config"
)

// logCapture collects JSON slog records.
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) install(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// find returns the first record with msg and the given worker attribute.
func (c *logCapture) find(msg, worker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e["msg"] == msg && e["worker"] == worker {
			return true
		}
	}
	return false
}

func TestStartWorker_LogsAndTracksCompletion(t *testing.T) {
	capture := &logCapture{}
	capture.install(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	var ran, cleanedUp atomic.Bool
	startWorker(ctx, &wg, "sync", func(ctx context.Context) {
		ran.Store(true)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		cleanedUp.Store(true)
	})

	cancel()
	wg.Wait()

	if !ran.Load() {
		t.Error("worker function was not called")
	}
	if !cleanedUp.Load() {
		t.Error("wg.Wait() returned before the worker finished")
	}
	if !capture.find("worker started", "sync") || !capture.find("worker stopped", "sync") {
		t.Errorf("missing start/stop records with worker=sync: %v", capture.entries)
	}
}

func TestStartWorker_StopsOnCancel(t *testing.T) {
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
	case <-time.After(time.Second):
		t.Fatal("worker did not respond to context cancellation")
	}
	wg.Wait()
}

// Shutdown drains an in-flight request before returning.
func TestGracefulShutdownDrainsRequests(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	srv.Start()
	defer srv.Close()

	result := make(chan int, 1)
	go func() {
		resp, err := http.Get(srv.URL)
		if err != nil {
			result <- 0
			return
		}
		resp.Body.Close()
		result <- resp.StatusCode
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}
	if status := <-result; status != http.StatusOK {
		t.Errorf("in-flight request status = %d, want 200", status)
	}
}

func TestShutdownTimeoutRespected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	go func() {
		if resp, err := http.Get(srv.URL); err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := srv.Config.Shutdown(ctx)
	if err == nil {
		t.Error("Shutdown returned nil with a stuck request")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took %v, want about 20ms", elapsed)
	}
}

func TestSetupLogger_FormatAndLevel(t *testing.T) {
	oldDefault := slog.Default()
	defer slog.SetDefault(oldDefault)

	var buf bytes.Buffer
	setupLogger(&buf, config.LogConfig{Level: "warn", Format: "text"})
	slog.Info("hidden")
	slog.Warn("shown", "component", "test")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "component=test") {
		t.Errorf("text output = %q", out)
	}

	buf.Reset()
	setupLogger(&buf, config.LogConfig{Level: "debug", Format: "json"})
	slog.Debug("json record")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json output %q: %v", buf.String(), err)
	}
	if entry["msg"] != "json record" {
		t.Errorf("entry = %v", entry)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
