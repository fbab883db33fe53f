// Package server wires renderd together: configuration, logging, metrics,
// the SSRF validator, the adblock list, the Chrome launcher, the browser
// pool, the task manager and the gin router.
//
// Server Lifecycle:
//  1. NewServer builds every component from config
//  2. Start launches the first browser process
//  3. Run serves HTTP
//  4. Shutdown drains HTTP, waits for in-flight tasks, stops the pool
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg, server.Options{})
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Run()
package server
