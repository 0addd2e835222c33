/*
Package state implements the hot/cold state store.

The hot working set is the subset of entities the orchestrator is
actively operating on: nodes that heartbeated within the last five
minutes, VMs in an active lifecycle status, unsettled usage records
younger than thirty days, and users. Hot records live in in-memory maps
guarded by a read-write mutex; readers get per-record snapshots.

Every write classifies the entity, updates the hot map, then issues a
write-through upsert to the durable store (pkg/storage) retried with
exponential backoff. When all retries fail the in-memory update is kept
and the failure is logged; callers never surface it to users. A periodic
bulk sync rewrites the whole hot set durably, and an hourly pruner
evicts entities that went cold.

Reads consult the hot map first and fall through to the durable store;
queries that span cold data (owner history, usage history) always go
durable.
*/
package state
