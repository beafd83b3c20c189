// Package main is the entry point for the WorldBuilder host.
//
// The host serves the local HTTP and websocket API used by the desktop UI,
// wraps the local AI inference service with circuit breaking and retries, and
// runs the staged startup sequence that reports progress to the UI.
//
// Configuration:
//   - Environment variables, optionally from a .env file
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Serve on the default loopback address
//	./worldbuilder serve
//
//	# Development mode (colored logs, debug level)
//	./worldbuilder serve --dev --workspace ~/Stories
//
//	# Show the effective configuration
//	./worldbuilder config
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
