/*
Package nodes manages the fleet of marketplace nodes and the command
channel to their agents.

Identity is wallet-bound: a node's ID is derived from its machine ID
and wallet address, so re-registration from the same machine keeps its
history. Registration and every heartbeat carry a wallet signature;
heartbeat signatures cover "nodeId:unixSeconds:path" and are rejected
outside a five-minute replay window.

Commands flow through a per-node FIFO drained atomically into the
heartbeat response. Pull is the authoritative delivery path; direct
push to the agent is attempted opportunistically and auto-disables for
a node after repeated failures. Commands that require acknowledgement
are registered by command ID with a TTL; the agent's ack clears the
VM's active-command gate and fires the command-ack signal exactly once.
Acks for expired or replayed command IDs are dropped.
*/
package nodes
