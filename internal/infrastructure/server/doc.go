// Package server composes the WorldBuilder host: it wires configuration,
// resilience, the AI façade, the workspace and the HTTP/websocket surface, and
// binds the startup phases to those components.
package server
