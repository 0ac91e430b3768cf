// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package websocket pushes refresh job events to browser clients.

The Hub is bridged to the refresh orchestrator with Bridge and forwards
every broadcast event (init, progress, done, error) to all connected
clients. Handler upgrades an HTTP request, sends the current job snapshot
first and then registers the client.

Each client runs a read pump, which answers application-level pings and
detects disconnects, and a write pump, which drains the send queue and
sends websocket pings. A client whose queue is full when a broadcast
arrives is disconnected rather than allowed to slow the others.

The hub runs as a supervised service:

	hub := websocket.NewHub()
	hub.Bridge(orchestrator)
	tree.AddMessagingService(hub)
*/
package websocket
