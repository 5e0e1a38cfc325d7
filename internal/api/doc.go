// Package api implements the HTTP REST API and WebSocket server of the
// acquisition bridge.
//
// This package provides:
//   - REST endpoints for board status, parameters, errors and bulk fetches
//   - Read access to the error journal and acquisition log
//   - WebSocket hub relaying bridge events (parameter, error, transfer, connection)
//   - Optional JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Endpoints
//
//	GET  /api/v1/health                  bridge health (no auth)
//	GET  /api/v1/metrics                 runtime and board counters (no auth)
//	GET  /api/v1/board                   connection snapshot
//	POST /api/v1/board/init              serial, state, result flag
//	POST /api/v1/board/run               start an acquisition
//	POST /api/v1/board/histogram         histogram configuration sequence
//	GET  /api/v1/parameters              parameter table
//	GET  /api/v1/parameters/{name}       query one parameter
//	PUT  /api/v1/parameters/{name}       set one parameter {"value": ...}
//	GET  /api/v1/errors                  pending board errors
//	POST /api/v1/errors/pop              pop the newest board error
//	GET  /api/v1/fetch                   bulk result, streamed as octet-stream
//	GET  /api/v1/journal/errors          journalled errors (filters, pagination)
//	GET  /api/v1/journal/acquisitions    acquisition log
//	GET  /api/v1/journal/parameters      last known parameter values
//	GET  /api/v1/ws                      WebSocket
//
// # Security
//
// Authentication is enabled by setting security.jwt.secret. Clients send
// HS256 tokens (see IssueToken) as "Authorization: Bearer". WebSocket
// connections use single-use tickets so the token never appears in a URL.
//
// # Graceful Degradation
//
// The server keeps answering while the board is disconnected: board
// endpoints return 503 and /health reports "degraded".
package api
