// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/pipeline"
	"github.com/tomtom215/cardpulse/internal/refresh"
)

type instantRunner struct{}

func (instantRunner) Today() string { return "2025-01-30" }

func (instantRunner) Run(_ context.Context, r models.DateRange, _ bool, progress pipeline.ProgressFunc) (*pipeline.RunResult, error) {
	progress(pipeline.Progress{Phase: pipeline.PhaseFetch, Day: r.Start, Index: 1, Total: 1})
	return &pipeline.RunResult{Range: r, Days: 1}, nil
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestHandlerStreamsRefreshEvents(t *testing.T) {
	t.Parallel()

	hub := startHub(t)
	orch := refresh.New(instantRunner{}, refresh.Options{})
	t.Cleanup(orch.Close)
	hub.Bridge(orch)

	hello := func() *Message {
		st := orch.Status()
		return &Message{Type: string(refresh.EventSnapshot), Data: st}
	}
	srv := httptest.NewServer(Handler(hub, websocket.Upgrader{}, hello))
	defer srv.Close()

	conn := dial(t, srv)
	if msg := readMessage(t, conn); msg["type"] != "snapshot" {
		t.Fatalf("first message = %v", msg)
	}
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "registration")

	if _, _, err := orch.Start(context.Background(), refresh.Request{Start: "2025-01-05"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var got []string
	for len(got) < 3 {
		got = append(got, readMessage(t, conn)["type"].(string))
	}
	if strings.Join(got, ",") != "init,progress,done" {
		t.Errorf("types = %v", got)
	}
}

func TestClientAnswersPing(t *testing.T) {
	t.Parallel()

	hub := startHub(t)
	srv := httptest.NewServer(Handler(hub, websocket.Upgrader{}, nil))
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(t, conn); msg["type"] != MessageTypePong {
		t.Errorf("reply = %v", msg)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 }, "disconnect")
}

func TestClientIDsIncrease(t *testing.T) {
	t.Parallel()

	a, b := NewClient(nil, nil), NewClient(nil, nil)
	if b.ID() <= a.ID() {
		t.Errorf("ids %d then %d", a.ID(), b.ID())
	}
	if cap(a.send) != sendBuffer {
		t.Errorf("send buffer = %d", cap(a.send))
	}
}
