// Package resilience keeps named operations of the avatar pipeline running
// through transient failure.
//
// # Circuit Breakers
//
// One breaker exists per operation name, created on first use. After
// Threshold breaker-eligible failures the breaker opens and rejects calls
// without invoking them. Once the cooldown elapses a single trial call is let
// through; its success closes the breaker and clears the failure count.
//
// # Retry with Backoff
//
// Failures are classified into categories (network, timeout, memory, data
// corruption, numeric acceleration, calculation, unknown). Each category
// decides whether it is retried, how often, with which backoff multiplier and
// whether it counts against the breaker.
//
//	engine := resilience.NewRecoveryEngine(cfg.Resilience)
//	mesh, err := resilience.Execute(ctx, engine, "load-mesh", func(ctx context.Context) (*Mesh, error) {
//		return loader.Load(ctx, id)
//	})
//
// # Timeouts and Cancellation
//
// Every attempt races a per-call timeout. The losing operation is abandoned,
// not killed; its context is cancelled and its late result discarded.
// CancelOperation stops further retries of an in-flight call.
//
// # State Snapshots
//
// Component state is serialized and stored with an xxhash checksum.
// Restoring re-hashes the stored bytes and refuses corrupted snapshots.
// Registered StateProviders are captured on a fixed interval while the engine
// runs.
package resilience
