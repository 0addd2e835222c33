// Package handlers implements the obligation handlers that drive every
// state transition in the control plane.
//
// Handlers are written to be re-entrant: the engine may invoke the same
// handler for the same obligation many times (retries, signal wake-ups,
// recovery re-issues), so each handler starts by reading current state
// and deciding what, if anything, is still left to do. Work that needs a
// node agent goes through the command queue and parks the obligation on
// the command's ack signal; the consumed ack payload arrives back in the
// obligation's Data map on the next attempt.
package handlers
