// Package agent is the HTTP client for node agents: direct command
// push and the attestation challenge proxy. Command delivery via the
// heartbeat response is the authoritative path; everything here is
// best-effort acceleration.
package agent
