// Package api implements the HTTP REST API and WebSocket server for the
// Gira bridge.
//
// This package provides:
//   - REST endpoints for functions, datapoint reads and writes, and history
//   - Webhook endpoints the Gira X1 delivers push callbacks to
//   - WebSocket hub for real-time value change broadcasts
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server sits between user interfaces and the update coordinator.
// Reads are answered from the coordinator's current snapshot, writes go to
// the device through the coordinator, and every new snapshot is broadcast
// to subscribed WebSocket clients.
//
// The server doubles as the callback receiver: the webhook routes are
// always mounted but answer 404 until the coordinator activates them as
// part of callback setup. Callback requests authenticate with the device
// API token, not with a JWT, since the caller is the device itself.
//
// # Security
//
// Authentication uses JWT tokens issued against the configured admin
// credentials. WebSocket connections use single-use tickets to prevent
// token leakage in URLs.
package api
