// Package tracing records lightweight spans for host operations.
//
// Spans carry ULID trace and span ids, are submitted to a buffered collector
// goroutine and logged at debug level. The inference façade opens one span per
// wrapped call, the orchestrator one per phase, and HTTPMiddleware one per
// request. Trace context travels in X-Trace-ID / X-Span-ID headers and in gRPC
// metadata.
package tracing
