/*
Package obligation implements the reconciliation engine.

An obligation is a declarative unit of work (provision a VM, wire its
ingress, deploy a relay) identified by type and resource. The store
deduplicates creation: while an active obligation of a given type exists
for a resource, creating another is a no-op returning the existing one.

The engine ticks on a fixed interval. Each tick expires obligations past
their deadline, resolves the dependency graph (cancelling the dependents
of failed dependencies and failing cycle participants), then dispatches
the ready set ordered by priority through a counting semaphore, waiting
for every handler before the tick ends.

Handlers return a Result rather than an error: Completed optionally
spawns child obligations that depend on the parent, InProgress defers to
the next tick, WaitingForSignal parks the obligation until an external
collaborator fires its signal key, Retry schedules another attempt with
exponential backoff, and PermanentFailure fails immediately. Exhausted
retries and permanent failures cascade-cancel the dependent subtree.

Signals are single-shot: the key is consumed on delivery and a signal
with no registered waiter is dropped. The recovery scanner
(pkg/recovery) re-creates obligations for resources stranded by dropped
signals.
*/
package obligation
