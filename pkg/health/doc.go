// Package health probes relay VMs and unbinds relays that stop
// answering.
//
// Relay-eligible nodes host a lightweight relay VM that tunnels traffic
// for CGNAT nodes. The Monitor sweeps every bound relay once a minute
// with a 10 second probe budget. A relay must fail three consecutive
// sweeps before it is unbound; a single healthy probe resets the count.
//
// Unbinding clears the host's relay role and detaches every CGNAT node
// that was assigned to it. The recovery scanner then observes the
// missing bindings and creates fresh deploy and assign obligations, so
// the monitor never schedules work itself.
//
// Checkers are pluggable. The default probe hits the relay host's agent
// health endpoint over HTTP; TCPChecker exists for environments where
// the agent port only speaks the tunnel protocol.
package health
