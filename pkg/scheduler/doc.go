/*
Package scheduler places virtual machines onto marketplace nodes.

Capacity is measured in compute points. A node's total is its physical
core count times eight; a VM's cost follows its quality tier, so a
Guaranteed vCPU on strict overcommit costs more points than a Burstable
one. Placement runs three stages:

 1. Filter. Hard predicates discard nodes that are offline, stale,
    architecturally incompatible, below the VM's reputation floor,
    below the tier's benchmark, past a utilisation safety limit, or
    simply out of points, memory or storage. Every rejection carries a
    reason and feeds the placement-rejection metric.

 2. Score. Survivors are scored on capacity headroom, current load,
    reputation and locality, combined with configured weights.

 3. Tie-break. Higher score wins; ties fall to higher available points
    and then the lexicographically smaller node ID so the decision is
    deterministic given the same inputs.

Reservations self-heal: the scheduler recomputes usage from the live VM
set on every commit and release, so a reservation leaked by a crashed
handler is corrected the next time the node is touched.
*/
package scheduler
