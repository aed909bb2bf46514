// Package pump runs the receive loop of a job.
//
// A Pump pulls deliveries from a Receiver, routes each one through a
// messaging.MessageRouter, settles it with the action chosen by the
// messaging.DispositionResolver and reports the outcome to the job's
// reliability.CircuitBreaker. When the breaker opens, the pump pauses the job
// on its LifetimeController, releases the rest of the prefetched batch and,
// once the pause ends, receives exactly one trial message.
//
// The LifetimeController is also the manual pause/resume surface used by
// operators and health checks.
package pump
