// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package websocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/cardpulse/internal/refresh"
)

// startHub runs a hub until the test ends.
func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func testClient(hub *Hub, buffer int) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, buffer)}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) (Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}, false
	}
}

func TestHubRegistersAndBroadcasts(t *testing.T) {
	t.Parallel()

	hub := startHub(t)
	a, b := testClient(hub, 4), testClient(hub, 4)
	hub.Register <- a
	hub.Register <- b
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "two clients")

	hub.BroadcastRefresh(refresh.Event{Type: refresh.EventProgress, JobID: "job-1"})
	for _, c := range []*Client{a, b} {
		msg, ok := receive(t, c)
		if !ok || msg.Type != "progress" {
			t.Errorf("client %d got %+v", c.ID(), msg)
		}
		if ev, _ := msg.Data.(refresh.Event); ev.JobID != "job-1" {
			t.Errorf("client %d payload = %+v", c.ID(), msg.Data)
		}
	}

	hub.Unregister <- a
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "unregister")
	if _, ok := <-a.send; ok {
		t.Error("unregistered client channel not closed")
	}

	// Unregistering twice is harmless.
	hub.Unregister <- a
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	t.Parallel()

	hub := startHub(t)
	slow, fast := testClient(hub, 1), testClient(hub, 4)
	hub.Register <- slow
	hub.Register <- fast
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "two clients")

	hub.Broadcast(Message{Type: "one"})
	hub.Broadcast(Message{Type: "two"})
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "slow client dropped")

	if msg, ok := receive(t, slow); !ok || msg.Type != "one" {
		t.Errorf("slow first message = %+v, %v", msg, ok)
	}
	if _, ok := <-slow.send; ok {
		t.Error("slow client channel not closed")
	}
	for _, want := range []string{"one", "two"} {
		if msg, _ := receive(t, fast); msg.Type != want {
			t.Errorf("fast got %q, want %q", msg.Type, want)
		}
	}
}

func TestHubServeClosesClients(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()

	c := testClient(hub, 1)
	hub.Register <- c
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if _, ok := <-c.send; ok {
		t.Error("client channel not closed on shutdown")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d after shutdown", hub.ClientCount())
	}
}

func TestShutdownReason(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := shutdownReason(ctx); got != ShutdownReasonContextCanceled {
		t.Errorf("canceled = %q", got)
	}
	dctx, dcancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer dcancel()
	<-dctx.Done()
	if got := shutdownReason(dctx); got != ShutdownReasonContextDeadline {
		t.Errorf("deadline = %q", got)
	}
}

func TestMarshalMessage(t *testing.T) {
	t.Parallel()

	data, err := MarshalMessage(Message{Type: "done", Data: map[string]int{"days": 3}})
	if err != nil {
		t.Fatalf("MarshalMessage: %v", err)
	}
	if got := string(data); got != `{"type":"done","data":{"days":3}}` {
		t.Errorf("json = %s", got)
	}
}
