// Package metrics exposes Prometheus instrumentation for the
// orchestrator: fleet gauges sampled from the state store, counters and
// histograms fed by the reconciliation loop, scheduler, attestation
// engine and billing gate, and a component health checker behind
// /health and /ready.
package metrics
