/*
Package resilience provides the keyed circuit breaker and the retry policy that
protect calls to the local AI inference service.

# Overview

Breaker keeps independent state per circuit key, so failures on "inference.generate"
never affect "inference.models". Policy retries a single call with capped
exponential backoff. The two compose with the breaker on the outside:

	err := breaker.Execute(ctx, "inference.models", func(ctx context.Context) error {
		return policy.Execute(ctx, "inference.models", func(ctx context.Context) error {
			return client.Ping(ctx)
		})
	})

A fully exhausted retry counts as one failure for the circuit.

# States

- Closed: calls pass through, consecutive failures are counted
- Open: calls fail immediately with *CircuitOpenError, the operation is not invoked
- Half-Open: exactly one probe call is admitted; concurrent callers are rejected

	Closed --[threshold failures]-> Open --[recovery timeout]-> Half-Open --[success]-> Closed
	                                  ^                              |
	                                  +----------[failure]-----------+

# Backoff

	delay[0]   = InitialDelay
	delay[i+1] = min(delay[i] * BackoffMultiplier, MaxDelay)

Jitter is off unless configured. When set it only ever shortens a wait.

# Cancellation

Both Execute methods return ctx.Err() as soon as the context is done. The
breaker does not count caller cancellation as a dependency failure.
*/
package resilience
