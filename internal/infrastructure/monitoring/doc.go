/*
Package monitoring exports Prometheus metrics for HTTP traffic, render tasks
and the browser pool.

*Metrics implements the task manager's telemetry interface, so the same
value is handed to the manager and the pool:

	metrics := monitoring.NewMetrics(nil)
	defer metrics.Close()

	telemetry := manager.SafeTelemetry(metrics, logger)
	p := pool.New(launcher, opts, telemetry, logger)
	m := manager.New(p, cfg, manager.Deps{Telemetry: telemetry})

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
