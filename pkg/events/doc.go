/*
Package events distributes control-plane events.

The broker fans events out to in-process subscribers over buffered
channels and persists every published event through the state store for
audit. Publishing never blocks on a slow subscriber; a full subscriber
buffer drops that delivery. Durable history, not the channel, is the
record of truth.
*/
package events
