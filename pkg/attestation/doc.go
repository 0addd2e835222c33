/*
Package attestation proves that billed VMs actually exist.

A node could report Running for a VM it suspended, migrated or never
created. The defence is a timed challenge: the orchestrator sends a
fresh nonce to an endpoint inside the guest, which generates an
ephemeral Ed25519 keypair, measures its own hardware, touches a spread
of memory pages and signs a canonical transcript of all of it. The
signature must come back before the processing budget expires. Dumping
guest memory to forge the signature from outside takes longer than the
budget allows, which is the entire point.

The timeout adapts per VM: an EMA of the observed round trip plus the
processing budget plus a safety margin, capped. Memory-touch timings
catch swapped or overcommitted guests; reported core and memory figures
must match the spec within tolerance; a changed machine ID fails the
challenge outright while a changed boot ID only logs a reboot.

Liveness state feeds billing. Three consecutive failures pause billing
for the VM; two consecutive successes resume it. Every attempt, pass or
fail, is persisted as an audit record. The background service sweeps
every thirty seconds, challenging young VMs once a minute and settled
ones once an hour, staggering launches to spare the agents.
*/
package attestation
