// Package api implements the local REST API and WebSocket server of shadowd.
//
// This package provides:
//   - REST endpoints for shadow get, update, delete and last known version
//   - Local device state endpoints backed by the device agent
//   - WebSocket hub relaying delta and documents notifications
//   - Health and metrics endpoints
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
//	GET    /api/v1/health
//	GET    /api/v1/metrics
//	GET    /api/v1/shadows/{thing}?name=&timeout=
//	PATCH  /api/v1/shadows/{thing}?name=&timeout=
//	DELETE /api/v1/shadows/{thing}?name=&timeout=
//	GET    /api/v1/shadows/{thing}/version?name=
//	GET    /api/v1/local/state
//	POST   /api/v1/local/report
//	POST   /api/v1/local/sync
//	GET    /api/v1/local/stats
//	GET    /api/v1/ws
//
// Shadow errors keep the service's rejection code where it is a client
// error (404, 409, 400). Timeouts map to 504 and a disconnected broker to 503.
//
// # Security
//
// The server binds to loopback by default and has no authentication. It is
// meant for tooling running on the device itself.
package api
