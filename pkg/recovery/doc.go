// Package recovery scans the hot state for resources stuck in
// intermediate lifecycle states and re-creates the obligations that
// should move them forward. Because signals are single-shot and
// obligations can expire, the scanner is what guarantees eventual
// convergence after a dropped ack or a crashed handler.
package recovery
