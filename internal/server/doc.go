// Package server implements the realtime relay: the WebSocket handshake
// gate, per-connection sessions, the hub that owns room membership, and
// the HTTP surface (socket endpoint and health check).
//
// The implementation is organized into specialized files for the hub,
// sessions, the wire protocol, routing, and HTTP handlers.
package server
