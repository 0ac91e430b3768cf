// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package api serves cardpulse over HTTP with chi.

Read endpoints answer from the daily documents (through the fsnotify
invalidated cache) and the registry file; they never call upstream.
Responses use one envelope:

	{"success": true, "data": {...}, "metadata": {"timestamp": "...", "request_id": "...", "duration_ms": 3}}
	{"success": false, "error": {"code": "VALIDATION_ERROR", "message": "...", "details": {...}}, "metadata": {...}}

Refresh endpoints stream newline-delimited JSON events. The first line is
always a snapshot of the job status; a starter then sees init, progress and
a terminal done or error line. A client that joins a running job receives
the same events from the point it joined:

	$ curl -N -X POST -H "Authorization: Bearer $TOKEN" localhost:8080/api/v1/refresh
	{"type":"snapshot","job_id":"","time":"...","data":{"state":"idle","subscribers":0}}
	{"type":"init","job_id":"01J...","time":"...","data":{"window":{"start":"2025-01-01","end":"2025-01-30"},"force":false}}
	{"type":"progress","job_id":"01J...","time":"...","data":{"phase":"fetch","day":"2025-01-01","index":1,"total":30}}
	...
	{"type":"done","job_id":"01J...","time":"...","data":{"window":{...},"result":{...}}}

POST /api/v1/refresh requires an HS256 bearer token with scope "refresh"
when security.refresh_token_secret is set.
*/
package api
