// Package metrics collects the orchestrator's counters on a Prometheus
// registry. The admin JSON endpoint is a projection of the same gathered
// families, so the two surfaces can never drift apart.
package metrics
