// Package signaling carries the mesh signaling protocol: the JSON wire
// messages, the relay's WebSocket endpoint and the participant-side
// Transport client that reconnects on its own.
package signaling
