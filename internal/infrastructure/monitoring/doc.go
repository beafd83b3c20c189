/*
Package monitoring provides Prometheus metrics for the host.

# Overview

Metrics registers its collectors on a caller-supplied prometheus.Registerer so
tests can build as many as they like. It satisfies the recorder interfaces of
the task processor, the inference façade and the startup orchestrator, and is
wired to the breaker's state-change hook by the server.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
