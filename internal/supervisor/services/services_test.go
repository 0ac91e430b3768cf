// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/refresh"
)

var (
	_ suture.Service = (*HTTPServerService)(nil)
	_ suture.Service = (*WebSocketHubService)(nil)
	_ suture.Service = (*OrchestratorService)(nil)
	_ suture.Service = (*RefreshScheduler)(nil)
	_ suture.Service = (*CacheWatcherService)(nil)
)

// mockHTTPServer blocks in ListenAndServe until Shutdown.
type mockHTTPServer struct {
	listenErr   error
	shutdownErr error
	started     chan struct{}
	stop        chan struct{}
	shutdowns   atomic.Int32
	once        sync.Once
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{started: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	select {
	case m.started <- struct{}{}:
	default:
	}
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	m.shutdowns.Add(1)
	m.once.Do(func() { close(m.stop) })
	return m.shutdownErr
}

// serveFunc adapts a function to the small Serve/Watch interfaces.
type serveFunc func(ctx context.Context) error

func (f serveFunc) Serve(ctx context.Context) error { return f(ctx) }
func (f serveFunc) Watch(ctx context.Context) error { return f(ctx) }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHTTPServerService(t *testing.T) {
	t.Parallel()

	t.Run("shuts down on cancel", func(t *testing.T) {
		t.Parallel()
		server := newMockHTTPServer()
		svc := NewHTTPServerService(server, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()
		<-server.started
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Serve = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return")
		}
		if server.shutdowns.Load() != 1 {
			t.Errorf("Shutdown called %d times", server.shutdowns.Load())
		}
	})

	t.Run("listen failure is returned", func(t *testing.T) {
		t.Parallel()
		bindErr := errors.New("bind: address already in use")
		server := newMockHTTPServer()
		server.listenErr = bindErr
		err := NewHTTPServerService(server, time.Second).Serve(context.Background())
		if !errors.Is(err, bindErr) {
			t.Errorf("Serve = %v, want %v", err, bindErr)
		}
	})

	t.Run("shutdown failure is returned", func(t *testing.T) {
		t.Parallel()
		shutdownErr := errors.New("deadline exceeded draining")
		server := newMockHTTPServer()
		server.shutdownErr = shutdownErr
		svc := NewHTTPServerService(server, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()
		<-server.started
		cancel()
		if err := <-errCh; !errors.Is(err, shutdownErr) {
			t.Errorf("Serve = %v, want %v", err, shutdownErr)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		svc := NewHTTPServerService(newMockHTTPServer(), 0)
		if svc.shutdownTimeout != 10*time.Second || svc.String() != "api-server" {
			t.Errorf("svc = %+v", svc)
		}
	})
}

func TestWrappersDelegate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		svc  suture.Service
	}{
		{"websocket-hub", NewWebSocketHubService(serveFunc(blockUntilDone))},
		{"refresh-orchestrator", NewOrchestratorService(serveFunc(blockUntilDone))},
		{"daily-cache-watcher", NewCacheWatcherService(serveFunc(blockUntilDone))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if s, ok := tt.svc.(interface{ String() string }); !ok || s.String() != tt.name {
				t.Errorf("String() = %v", tt.svc)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			if err := tt.svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Serve = %v, want deadline exceeded", err)
			}
		})
	}
}

func TestCacheWatcherServiceErrors(t *testing.T) {
	t.Parallel()

	inotify := errors.New("too many open files")
	svc := NewCacheWatcherService(serveFunc(func(context.Context) error { return inotify }))
	if err := svc.Serve(context.Background()); !errors.Is(err, inotify) {
		t.Errorf("Serve = %v, want wrapped %v", err, inotify)
	}

	svc = NewCacheWatcherService(serveFunc(func(context.Context) error { return nil }))
	if err := svc.Serve(context.Background()); !errors.Is(err, errWatcherStopped) {
		t.Errorf("Serve = %v, want errWatcherStopped", err)
	}
}

// mockStarter records requests; started reports what Start returns.
type mockStarter struct {
	mu       sync.Mutex
	requests []refresh.Request
	started  bool
	err      error
	calls    chan struct{}
}

func (m *mockStarter) Start(_ context.Context, req refresh.Request) (*refresh.Subscription, bool, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	defer func() {
		select {
		case m.calls <- struct{}{}:
		default:
		}
	}()
	if m.err != nil {
		return nil, false, m.err
	}
	return refresh.NewBroadcaster(4).Subscribe(refresh.Event{Type: refresh.EventSnapshot}), m.started, nil
}

func TestRefreshScheduler(t *testing.T) {
	// Not parallel: checks deltas of a shared counter.
	started := metrics.ScheduledRefreshes.WithLabelValues("started")
	joined := metrics.ScheduledRefreshes.WithLabelValues("joined")
	failed := metrics.ScheduledRefreshes.WithLabelValues("error")
	beforeStarted, beforeJoined, beforeFailed := testutil.ToFloat64(started), testutil.ToFloat64(joined), testutil.ToFloat64(failed)

	run := func(starter *mockStarter) {
		t.Helper()
		s := NewRefreshScheduler(starter, 5*time.Millisecond)
		s.now = func() time.Time { return time.Date(2025, 1, 20, 6, 0, 0, 0, time.UTC) }
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- s.Serve(ctx) }()
		select {
		case <-starter.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler never fired")
		}
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	}

	fresh := &mockStarter{started: true, calls: make(chan struct{}, 1)}
	run(fresh)
	fresh.mu.Lock()
	req := fresh.requests[0]
	fresh.mu.Unlock()
	if req != (refresh.Request{Start: "2025-01-19", End: "2025-01-20"}) {
		t.Errorf("request = %+v", req)
	}
	if testutil.ToFloat64(started)-beforeStarted < 1 {
		t.Error("started outcome not counted")
	}

	run(&mockStarter{started: false, calls: make(chan struct{}, 1)})
	if testutil.ToFloat64(joined)-beforeJoined < 1 {
		t.Error("joined outcome not counted")
	}

	run(&mockStarter{err: refresh.ErrClosed, calls: make(chan struct{}, 1)})
	if testutil.ToFloat64(failed)-beforeFailed < 1 {
		t.Error("error outcome not counted")
	}
}

func TestRefreshSchedulerDisabled(t *testing.T) {
	t.Parallel()

	starter := &mockStarter{calls: make(chan struct{}, 1)}
	s := NewRefreshScheduler(starter, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve = %v", err)
	}
	if len(starter.requests) != 0 {
		t.Errorf("disabled scheduler started %d refreshes", len(starter.requests))
	}
}
