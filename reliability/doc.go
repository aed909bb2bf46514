// Package reliability provides the per-job circuit breaker that pauses a
// message pump while a downstream dependency is unavailable.
//
// A breaker starts closed. Handler outcomes carrying a dependency-unavailable
// error (see contracts.DependencyUnavailable) count as failures; anything else
// counts as evidence the dependency is healthy. Reaching the failure threshold
// opens the circuit for MessageRecoveryPeriod. The pump then calls BeginTrial,
// which moves the circuit to half-open and lets exactly one message through.
// A healthy trial closes the circuit; a failing one reopens it for
// MessageIntervalDuringRecovery.
//
// Example usage:
//
//	breakers := reliability.NewRegistry(reliability.WithRecoveryPeriod(time.Minute))
//	cb := breakers.GetOrCreate("orders")
//	cb.AddObserver(reliability.StateChangedFunc(func(ctx context.Context, c reliability.StateChange) {
//		log.Printf("%s: %s -> %s", c.JobID, c.Previous, c.Current)
//	}))
//
// Observers run synchronously, in registration order, after the breaker has
// released its lock. Keep them fast.
package reliability
