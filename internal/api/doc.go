// Package api implements the HTTP REST API and WebSocket server for ecatd.
//
// This package provides:
//   - Read-only REST endpoints for the segment, its devices and the mapping layout
//   - The supervision event history stored by the journal
//   - JSON and Prometheus metrics
//   - A WebSocket hub that streams supervision events live
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Endpoints
//
//	GET /api/v1/health
//	GET /api/v1/devices
//	GET /api/v1/devices/{id}
//	GET /api/v1/mappings
//	GET /api/v1/mappings/{address}
//	GET /api/v1/events
//	GET /api/v1/metrics
//	GET /api/v1/ws
//	GET /metrics
//
// Nothing in the API writes to the bus. Process data values are only
// returned while the segment is operational and fresh.
//
// # Graceful Degradation
//
// The journal and MQTT are optional. Without the journal /api/v1/events
// answers 503; everything else keeps working.
package api
