/*
Package resilience provides a circuit breaker for operations that should not
be retried in a tight loop, such as launching a browser process.

# Usage

	breaker := resilience.New("browser-launch", resilience.Settings{
		Failures: 3,
		Cooldown: 30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("breaker state change", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	err := breaker.Do(ctx, process.Start)

# States

	Closed --[Failures consecutive errors]-> Open --[Cooldown]-> Half-Open
	Half-Open --[trial succeeds]-> Closed
	Half-Open --[trial fails]-> Open

Only one trial call runs while half-open. Cancellation by the caller leaves the
state untouched.
*/
package resilience
