// Package monitor exports pump activity as Prometheus metrics.
package monitor
