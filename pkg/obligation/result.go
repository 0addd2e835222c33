package obligation

import (
	"context"

	"github.com/corralhq/corral/pkg/types"
)

// HandlerFunc executes one obligation attempt. Handlers never return
// raw errors to the engine; transient trouble is Retry, policy trouble
// is PermanentFailure.
type HandlerFunc func(ctx context.Context, ob *types.Obligation) Result

type resultKind int

const (
	kindCompleted resultKind = iota
	kindInProgress
	kindWaitingForSignal
	kindRetry
	kindPermanentFailure
)

// Result is the outcome of one handler execution
type Result struct {
	kind      resultKind
	message   string
	signalKey string
	children  []*types.Obligation
}

// Completed marks the obligation done. Spawned obligations become
// children with an automatic dependency on the parent.
func Completed(children ...*types.Obligation) Result {
	return Result{kind: kindCompleted, children: children}
}

// InProgress keeps the obligation in progress; it is re-evaluated on
// the next tick.
func InProgress() Result {
	return Result{kind: kindInProgress}
}

// WaitingForSignal parks the obligation until the signal key fires.
func WaitingForSignal(signalKey string) Result {
	return Result{kind: kindWaitingForSignal, signalKey: signalKey}
}

// Retry requests another attempt after backoff. When attempts are
// exhausted the obligation fails and dependents are cascade-cancelled.
func Retry(message string) Result {
	return Result{kind: kindRetry, message: message}
}

// PermanentFailure fails the obligation immediately and cascade-cancels
// dependents.
func PermanentFailure(message string) Result {
	return Result{kind: kindPermanentFailure, message: message}
}
