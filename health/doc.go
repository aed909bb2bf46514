// Package health reports pump health and exposes job control over HTTP.
//
// A job is healthy while its circuit breaker is closed and it is receiving,
// degraded while paused or probing with a trial message, and unhealthy while
// the breaker is open. The Admin type serves /healthz, /livez and the
// /jobs routes used to inspect, pause and resume jobs.
package health
