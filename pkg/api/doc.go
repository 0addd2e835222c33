// Package api serves the orchestrator's HTTP surface: node agent
// registration, signed heartbeats carrying pending commands back to
// agents, command acknowledgements, a minimal user VM API, and the
// health and Prometheus endpoints. All failures return a structured
// {code, message, details} body.
package api
