package obligation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/types"
)

const (
	// DefaultTickInterval between reconciliation passes.
	DefaultTickInterval = 5 * time.Second

	// DefaultMaxConcurrentHandlers bounds per-tick dispatch.
	DefaultMaxConcurrentHandlers = 10

	terminalPruneEvery  = 30 * time.Minute
	terminalPruneMaxAge = 24 * time.Hour
	terminalRetainCap   = 10000
)

// Engine drives all stateful transitions. A handler per obligation type
// encodes what to do; the engine encodes when, how many times and in
// what order.
type Engine struct {
	store  *Store
	logger zerolog.Logger

	tickInterval  time.Duration
	maxConcurrent int64

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	lastPrune time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewEngine creates an engine over the obligation store
func NewEngine(store *Store, tickInterval time.Duration, maxConcurrent int) *Engine {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentHandlers
	}
	return &Engine{
		store:         store,
		logger:        log.WithComponent("reconciler"),
		tickInterval:  tickInterval,
		maxConcurrent: int64(maxConcurrent),
		handlers:      make(map[string]HandlerFunc),
		lastPrune:     time.Now(),
		stopCh:        make(chan struct{}),
	}
}

// RegisterHandler binds a handler to an obligation type.
func (e *Engine) RegisterHandler(obType string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[obType] = fn
}

// Store returns the underlying obligation store.
func (e *Engine) Store() *Store {
	return e.store
}

// Start begins the reconciliation loop
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop stops the loop; in-flight handlers finish their current attempt.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one reconciliation pass: expire deadlines, resolve the
// dependency graph, dispatch ready obligations and apply results.
func (e *Engine) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	now := time.Now()
	e.expireDeadlines(now)
	ready := e.resolveGraph(now)
	e.dispatch(ctx, ready)

	if now.Sub(e.lastPrune) >= terminalPruneEvery {
		e.lastPrune = now
		e.store.PruneTerminal(terminalPruneMaxAge, terminalRetainCap)
	} else {
		// The retention cap applies on every tick.
		e.store.PruneTerminal(terminalPruneMaxAge*100, terminalRetainCap)
	}

	_, active := e.store.Count()
	metrics.ObligationsActive.Set(float64(active))
}

// expireDeadlines transitions any active obligation past its deadline
// to Expired and cascade-cancels its dependents.
func (e *Engine) expireDeadlines(now time.Time) {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ob := range s.byID {
		if ob.Status.IsTerminal() || ob.Deadline == nil || now.Before(*ob.Deadline) {
			continue
		}
		if s.transition(ob, types.ObligationExpired, "deadline exceeded") {
			e.logger.Warn().Str("obligation_id", ob.ID).Str("type", ob.Type).Msg("obligation expired")
			s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s expired", ob.Type))
		}
	}
}

// resolveGraph classifies active obligations. Obligations whose
// dependency terminated without completing are cascade-cancelled; cycle
// participants are failed. The returned ready set is ordered by
// priority descending, then creation time ascending.
func (e *Engine) resolveGraph(now time.Time) []*types.Obligation {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[string]*types.Obligation)
	for id, ob := range s.byID {
		if !ob.Status.IsTerminal() {
			active[id] = ob
		}
	}

	// Cancel dependents of non-Completed terminal dependencies.
	for _, ob := range active {
		for _, dep := range ob.DependsOn {
			parent, known := s.byID[dep]
			if !known {
				continue
			}
			if parent.Status.IsTerminal() && parent.Status != types.ObligationCompleted {
				if s.transition(ob, types.ObligationCancelled,
					fmt.Sprintf("dependency %s %s", parent.Type, parent.Status)) {
					s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s cancelled", ob.Type))
				}
				delete(active, ob.ID)
				break
			}
		}
	}

	// Iterated Kahn peel over the active-to-active dependency edges;
	// whatever cannot be peeled participates in a cycle.
	remaining := make(map[string]*types.Obligation, len(active))
	for id, ob := range active {
		if !ob.Status.IsTerminal() {
			remaining[id] = ob
		}
	}
	for {
		peeled := false
		for id, ob := range remaining {
			blocked := false
			for _, dep := range ob.DependsOn {
				if _, activeDep := remaining[dep]; activeDep {
					blocked = true
					break
				}
			}
			if !blocked {
				delete(remaining, id)
				peeled = true
			}
		}
		if !peeled {
			break
		}
	}
	// Leftovers include obligations merely blocked behind a cycle; only
	// the ones that can reach themselves are participants. Participants
	// all fail before any cascade runs so none of them is cancelled by
	// a sibling's cascade; the rest of the leftovers are cancelled by
	// the cascades.
	var participants []*types.Obligation
	for _, ob := range remaining {
		if onCycle(ob.ID, remaining) {
			participants = append(participants, ob)
		}
	}
	for _, ob := range participants {
		if s.transition(ob, types.ObligationFailed, "Dependency cycle detected") {
			e.logger.Error().Str("obligation_id", ob.ID).Str("type", ob.Type).Msg("dependency cycle detected")
		}
	}
	for _, ob := range participants {
		s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s failed: Dependency cycle detected", ob.Type))
	}

	// Ready: Pending or InProgress, backoff elapsed, all deps Completed.
	var ready []*types.Obligation
	for _, ob := range s.byID {
		if ob.Status != types.ObligationPending && ob.Status != types.ObligationInProgress {
			continue
		}
		if !ob.NextAttemptAfter.IsZero() && now.Before(ob.NextAttemptAfter) {
			continue
		}
		depsDone := true
		for _, dep := range ob.DependsOn {
			parent, known := s.byID[dep]
			if known && parent.Status != types.ObligationCompleted {
				depsDone = false
				break
			}
		}
		if !depsDone {
			continue
		}
		cp := *ob
		ready = append(ready, &cp)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// dispatch runs handlers for the ready set with bounded concurrency and
// waits for all of them before the tick completes.
func (e *Engine) dispatch(ctx context.Context, ready []*types.Obligation) {
	sem := semaphore.NewWeighted(e.maxConcurrent)
	var wg sync.WaitGroup

	for _, ob := range ready {
		e.mu.RLock()
		handler, ok := e.handlers[ob.Type]
		e.mu.RUnlock()
		if !ok {
			e.store.Fail(ob.ID, fmt.Sprintf("no handler registered for %s", ob.Type))
			continue
		}

		attempt, ok := e.beginAttempt(ob.ID)
		if !ok {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(ob *types.Obligation) {
			defer wg.Done()
			defer sem.Release(1)
			res := handler(ctx, ob)
			e.applyResult(ob.ID, res)
		}(attempt)
	}

	wg.Wait()
}

// beginAttempt transitions an obligation to InProgress and stamps the
// attempt, returning a copy for the handler.
func (e *Engine) beginAttempt(id string) (*types.Obligation, bool) {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.byID[id]
	if !ok || ob.Status.IsTerminal() {
		return nil, false
	}
	ob.Status = types.ObligationInProgress
	ob.AttemptCount++
	ob.LastAttemptAt = time.Now().UTC()
	ob.UpdatedAt = ob.LastAttemptAt
	cp := *ob
	return &cp, true
}

// applyResult applies a handler result atomically.
func (e *Engine) applyResult(id string, res Result) {
	s := e.store
	s.mu.Lock()

	ob, ok := s.byID[id]
	if !ok || ob.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}

	switch res.kind {
	case kindCompleted:
		s.transition(ob, types.ObligationCompleted, "")
		metrics.ObligationResultsTotal.WithLabelValues(ob.Type, "completed").Inc()
		// Spawn children under the same lock so the dedup index sees
		// them atomically with the parent's completion.
		for _, child := range res.children {
			cc := *child
			if _, dup := s.activeDedup[dedupKey(cc.Type, cc.ResourceID)]; dup {
				continue
			}
			if cc.ID == "" {
				cc.ID = newObligationID()
			}
			cc.ParentID = ob.ID
			cc.DependsOn = append(cc.DependsOn, ob.ID)
			if cc.Status == "" {
				cc.Status = types.ObligationPending
			}
			if cc.MaxAttempts == 0 {
				cc.MaxAttempts = DefaultMaxAttempts
			}
			if cc.BackoffBaseSeconds == 0 {
				cc.BackoffBaseSeconds = DefaultBackoffBaseSeconds
			}
			if cc.CreatedAt.IsZero() {
				cc.CreatedAt = time.Now().UTC()
			}
			if cc.Data == nil {
				cc.Data = make(map[string]string)
			}
			s.index(&cc)
			ob.ChildObligationIDs = append(ob.ChildObligationIDs, cc.ID)
		}

	case kindInProgress:
		// Stay InProgress; re-evaluated next tick.
		ob.UpdatedAt = time.Now().UTC()

	case kindWaitingForSignal:
		ob.Status = types.ObligationWaitingForSignal
		ob.SignalKey = res.signalKey
		ob.UpdatedAt = time.Now().UTC()
		// A lost signal must not park the obligation forever: the wait
		// deadline lets expiry free the dedup slot so the recovery
		// scanner can recreate the work.
		if ob.Deadline == nil {
			d := time.Now().Add(DefaultSignalWait)
			ob.Deadline = &d
		}
		s.bySignal[res.signalKey] = ob.ID

	case kindRetry:
		if ob.AttemptCount < ob.MaxAttempts {
			ob.Status = types.ObligationPending
			ob.Message = res.message
			ob.NextAttemptAfter = time.Now().Add(backoff(ob.BackoffBaseSeconds, ob.AttemptCount))
			ob.UpdatedAt = time.Now().UTC()
			metrics.ObligationResultsTotal.WithLabelValues(ob.Type, "retry").Inc()
		} else {
			s.transition(ob, types.ObligationFailed, res.message)
			metrics.ObligationResultsTotal.WithLabelValues(ob.Type, "failed").Inc()
			s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s failed: %s", ob.Type, res.message))
		}

	case kindPermanentFailure:
		s.transition(ob, types.ObligationFailed, res.message)
		metrics.ObligationResultsTotal.WithLabelValues(ob.Type, "failed").Inc()
		s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s failed: %s", ob.Type, res.message))
	}

	s.mu.Unlock()
}

// onCycle reports whether the obligation can reach itself along
// dependency edges restricted to the given set.
func onCycle(id string, set map[string]*types.Obligation) bool {
	seen := make(map[string]bool)
	var walk func(cur string) bool
	walk = func(cur string) bool {
		for _, dep := range set[cur].DependsOn {
			if dep == id {
				return true
			}
			if _, in := set[dep]; !in || seen[dep] {
				continue
			}
			seen[dep] = true
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

// backoff computes base * 2^(attempts-1) seconds, capped.
func backoff(baseSeconds, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(baseSeconds) * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}
