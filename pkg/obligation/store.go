package obligation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/types"
)

const (
	// DefaultMaxAttempts bounds retries per obligation.
	DefaultMaxAttempts = 5

	// DefaultBackoffBaseSeconds is doubled per attempt, capped below.
	DefaultBackoffBaseSeconds = 5

	// DefaultSignalWait bounds how long a parked obligation waits for
	// its signal. A lost acknowledgement would otherwise strand the
	// obligation in WaitingForSignal forever, and its presence in the
	// active dedup index would stop the recovery scanner from creating
	// a replacement. Expiry hands the resource over to recovery.
	DefaultSignalWait = 10 * time.Minute

	// MaxBackoff caps the retry delay.
	MaxBackoff = 300 * time.Second
)

// Store holds all obligations in memory with secondary indexes by type,
// by resource and by signal key. All methods are safe for concurrent
// use.
type Store struct {
	mu         sync.Mutex
	byID       map[string]*types.Obligation
	byType     map[string]map[string]struct{}
	byResource map[string]map[string]struct{} // "resourceType:resourceId" -> ids
	activeDedup map[string]string             // "type:resourceId" -> active obligation id
	bySignal   map[string]string              // signal key -> obligation id
}

// NewStore creates an empty obligation store
func NewStore() *Store {
	return &Store{
		byID:        make(map[string]*types.Obligation),
		byType:      make(map[string]map[string]struct{}),
		byResource:  make(map[string]map[string]struct{}),
		activeDedup: make(map[string]string),
		bySignal:    make(map[string]string),
	}
}

func newObligationID() string {
	return uuid.New().String()
}

func dedupKey(obType, resourceID string) string {
	return obType + ":" + resourceID
}

func resourceKey(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// Create registers a new obligation. Creation is a no-op returning the
// existing obligation when an active one of the same type already
// exists for the same resource.
func (s *Store) Create(ob *types.Obligation) *types.Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.activeDedup[dedupKey(ob.Type, ob.ResourceID)]; ok {
		cp := *s.byID[existingID]
		return &cp
	}

	cp := *ob
	if cp.ID == "" {
		cp.ID = newObligationID()
	}
	if cp.Status == "" {
		cp.Status = types.ObligationPending
	}
	if cp.MaxAttempts == 0 {
		cp.MaxAttempts = DefaultMaxAttempts
	}
	if cp.BackoffBaseSeconds == 0 {
		cp.BackoffBaseSeconds = DefaultBackoffBaseSeconds
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	if cp.Data == nil {
		cp.Data = make(map[string]string)
	}

	s.index(&cp)
	out := cp
	return &out
}

// index stores the obligation and maintains secondary indexes. Caller
// holds the lock.
func (s *Store) index(ob *types.Obligation) {
	s.byID[ob.ID] = ob
	if s.byType[ob.Type] == nil {
		s.byType[ob.Type] = make(map[string]struct{})
	}
	s.byType[ob.Type][ob.ID] = struct{}{}
	rk := resourceKey(ob.ResourceType, ob.ResourceID)
	if s.byResource[rk] == nil {
		s.byResource[rk] = make(map[string]struct{})
	}
	s.byResource[rk][ob.ID] = struct{}{}
	if !ob.Status.IsTerminal() {
		s.activeDedup[dedupKey(ob.Type, ob.ResourceID)] = ob.ID
	}
}

// Get returns a copy of the obligation.
func (s *Store) Get(id string) (*types.Obligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("obligation %s not found", id)
	}
	cp := *ob
	return &cp, nil
}

// Active returns a snapshot of all non-terminal obligations.
func (s *Store) Active() []*types.Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Obligation
	for _, ob := range s.byID {
		if !ob.Status.IsTerminal() {
			cp := *ob
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveByResource returns active obligations touching the resource.
func (s *Store) ActiveByResource(resourceType, resourceID string) []*types.Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Obligation
	for id := range s.byResource[resourceKey(resourceType, resourceID)] {
		if ob := s.byID[id]; ob != nil && !ob.Status.IsTerminal() {
			cp := *ob
			out = append(out, &cp)
		}
	}
	return out
}

// HasActive reports whether an active obligation of the given type
// exists for the resource.
func (s *Store) HasActive(obType, resourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.activeDedup[dedupKey(obType, resourceID)]
	return ok
}

// transition applies a status change under the terminal guard. Caller
// holds the lock.
func (s *Store) transition(ob *types.Obligation, status types.ObligationStatus, message string) bool {
	if ob.Status.IsTerminal() {
		return false
	}
	ob.Status = status
	if message != "" {
		ob.Message = message
	}
	ob.UpdatedAt = time.Now().UTC()
	if status.IsTerminal() {
		delete(s.activeDedup, dedupKey(ob.Type, ob.ResourceID))
		if ob.SignalKey != "" {
			delete(s.bySignal, ob.SignalKey)
			ob.SignalKey = ""
		}
	}
	return true
}

// Fail transitions the obligation to Failed and cascade-cancels its
// dependents.
func (s *Store) Fail(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ob, ok := s.byID[id]; ok && s.transition(ob, types.ObligationFailed, message) {
		s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s failed: %s", ob.Type, message))
	}
}

// Cancel transitions the obligation to Cancelled and cascade-cancels
// its dependents.
func (s *Store) Cancel(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ob, ok := s.byID[id]; ok && s.transition(ob, types.ObligationCancelled, message) {
		s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s cancelled", ob.Type))
	}
}

// cascadeCancel recursively cancels every active obligation depending
// on the given one. Caller holds the lock.
func (s *Store) cascadeCancel(failedID, message string) {
	for _, ob := range s.byID {
		if ob.Status.IsTerminal() {
			continue
		}
		for _, dep := range ob.DependsOn {
			if dep == failedID {
				if s.transition(ob, types.ObligationCancelled, message) {
					s.cascadeCancel(ob.ID, fmt.Sprintf("dependency %s cancelled", ob.Type))
				}
				break
			}
		}
	}
}

// ClearData removes keys from an obligation's data map. Handlers use
// it to drop a consumed signal payload before requesting a retry, so
// the next attempt does not mistake stale results for fresh ones.
func (s *Store) ClearData(id string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.byID[id]
	if !ok || ob.Data == nil {
		return
	}
	for _, k := range keys {
		delete(ob.Data, k)
	}
}

// Park moves an active obligation into WaitingForSignal on the given
// key. Handler-driven parking goes through the engine; Park exists for
// collaborators that register waits directly.
func (s *Store) Park(id, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.byID[id]
	if !ok || ob.Status.IsTerminal() {
		return false
	}
	ob.Status = types.ObligationWaitingForSignal
	ob.SignalKey = key
	ob.UpdatedAt = time.Now().UTC()
	if ob.Deadline == nil {
		d := time.Now().Add(DefaultSignalWait)
		ob.Deadline = &d
	}
	s.bySignal[key] = ob.ID
	return true
}

// Signal wakes the single obligation registered for the key, merging
// the payload into its data. Delivery is single-shot: the key is
// removed first, and a second call is a no-op. Returns whether an
// obligation was woken.
func (s *Store) Signal(key string, payload map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySignal[key]
	if !ok {
		return false
	}
	delete(s.bySignal, key)

	ob, ok := s.byID[id]
	if !ok || ob.Status != types.ObligationWaitingForSignal {
		return false
	}
	ob.SignalKey = ""
	if ob.Data == nil {
		ob.Data = make(map[string]string)
	}
	for k, v := range payload {
		ob.Data[k] = v
	}
	ob.Status = types.ObligationPending
	ob.NextAttemptAfter = time.Time{}
	ob.UpdatedAt = time.Now().UTC()
	return true
}

// WaitingSignalKeys returns the registered signal keys (for tests and
// introspection).
func (s *Store) WaitingSignalKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.bySignal))
	for k := range s.bySignal {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PruneTerminal removes terminal obligations older than maxAge, and
// enforces the retention cap by discarding the oldest terminal entries.
func (s *Store) PruneTerminal(maxAge time.Duration, cap int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var terminal []*types.Obligation
	for _, ob := range s.byID {
		if !ob.Status.IsTerminal() {
			continue
		}
		if ob.UpdatedAt.Before(cutoff) {
			s.remove(ob)
			continue
		}
		terminal = append(terminal, ob)
	}

	pruned := 0
	if cap > 0 && len(terminal) > cap {
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
		})
		for _, ob := range terminal[:len(terminal)-cap] {
			s.remove(ob)
			pruned++
		}
	}
	return pruned
}

// remove deletes the obligation and its index entries. Caller holds the
// lock.
func (s *Store) remove(ob *types.Obligation) {
	delete(s.byID, ob.ID)
	delete(s.byType[ob.Type], ob.ID)
	delete(s.byResource[resourceKey(ob.ResourceType, ob.ResourceID)], ob.ID)
}

// Count returns total and active obligation counts.
func (s *Store) Count() (total, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ob := range s.byID {
		total++
		if !ob.Status.IsTerminal() {
			active++
		}
	}
	return total, active
}
