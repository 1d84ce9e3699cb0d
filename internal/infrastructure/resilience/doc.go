/*
Package resilience guards calls to upstream services with a circuit breaker.

The CDN fetcher wraps every module download in a Breaker so a CDN outage
turns into fast FetchErrors instead of a sandbox stalled on timeouts.
Only upstream failures count: Settings.Counted lets callers ignore errors
that say nothing about the upstream's health, such as a 404 for a package
that does not exist.

	breaker := resilience.New("cdn", resilience.Settings{
		Cooldown: 10 * time.Second,
		Trip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	err := breaker.Do(ctx, func(ctx context.Context) error {
		return fetch(ctx, url)
	})

States:

	Closed --[Trip]--> Open --[Cooldown]--> Half-Open --[Probes successes]--> Closed
	                                             |
	                                         [failure]--> Open
*/
package resilience
