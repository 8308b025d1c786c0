/*
Package monitoring provides Prometheus metrics collection for the relay.

Tracks device sessions, viewer connections, frame throughput (sent, skipped,
dropped), capture failures, touch and discrete device commands, WebSocket
message counts, and the HTTP surface.

Usage:

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))

Expose via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
