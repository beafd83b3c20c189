// Package inference is the HTTP client for a local Ollama-compatible
// inference runtime, plus an optional gRPC health probe. The client is the
// service the domain façade wraps.
package inference
