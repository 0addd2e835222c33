package state

import (
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

const (
	// HotNodeWindow is how recently a node must have heartbeated to
	// stay in the hot set.
	HotNodeWindow = 5 * time.Minute

	// HotUsageWindow is how long unsettled usage records stay hot.
	HotUsageWindow = 30 * 24 * time.Hour

	retryBaseDelay = 100 * time.Millisecond
)

// Store is the hot/cold state store. The hot working set lives in
// concurrent in-memory maps; every write classifies the entity and then
// writes through to the durable store with retry. In-memory truth wins
// when the durable store is unavailable; bulk sync reconciles later.
type Store struct {
	cold storage.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	nodes map[string]*types.Node
	vms   map[string]*types.VirtualMachine
	usage map[string]*types.UsageRecord
	users map[string]*types.User

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a state store over the given durable store
func New(cold storage.Store) *Store {
	return &Store{
		cold:   cold,
		logger: log.WithComponent("state"),
		nodes:  make(map[string]*types.Node),
		vms:    make(map[string]*types.VirtualMachine),
		usage:  make(map[string]*types.UsageRecord),
		users:  make(map[string]*types.User),
		stopCh: make(chan struct{}),
	}
}

// Load populates the hot working set from the durable store: nodes with
// a recent heartbeat, non-deleted VMs, recent unsettled usage and users.
func (s *Store) Load() error {
	nodes, err := s.cold.ListNodes()
	if err != nil {
		return err
	}
	vms, err := s.cold.ListVms()
	if err != nil {
		return err
	}
	usage, err := s.cold.ListUnpaidUsage()
	if err != nil {
		return err
	}
	users, err := s.cold.ListUsers()
	if err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range nodes {
		if now.Sub(node.LastHeartbeat) <= HotNodeWindow {
			s.nodes[node.ID] = node
		}
	}
	for _, vm := range vms {
		if vm.Status != types.VmStatusDeleted {
			s.vms[vm.ID] = vm
		}
	}
	for _, rec := range usage {
		if now.Sub(rec.CreatedAt) <= HotUsageWindow {
			s.usage[rec.ID] = rec
		}
	}
	for _, user := range users {
		s.users[user.ID] = user
	}

	s.logger.Info().
		Int("nodes", len(s.nodes)).
		Int("vms", len(s.vms)).
		Int("usage", len(s.usage)).
		Int("users", len(s.users)).
		Msg("hot working set loaded")
	return nil
}

// writeThrough retries a durable write with exponential backoff. On
// exhaustion the in-memory update is kept and the failure is logged;
// callers never surface it to users.
func (s *Store) writeThrough(what string, attempts uint, write func() error) {
	err := retry.Do(write,
		retry.Attempts(attempts),
		retry.Delay(retryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if storage.IsDuplicateKey(err) {
			s.logger.Warn().Err(err).Str("entity", what).Msg("durable write rejected by unique index")
			return
		}
		s.logger.Error().Err(err).Str("entity", what).Msg("durable write failed, keeping in-memory state")
	}
}

func nodeIsHot(node *types.Node, now time.Time) bool {
	return now.Sub(node.LastHeartbeat) <= HotNodeWindow
}

// SaveNode classifies the node hot/cold, updates the hot map and writes
// through to the durable store.
func (s *Store) SaveNode(node *types.Node) {
	cp := *node
	s.mu.Lock()
	if nodeIsHot(&cp, time.Now()) {
		s.nodes[cp.ID] = &cp
	} else {
		delete(s.nodes, cp.ID)
	}
	s.mu.Unlock()

	s.writeThrough("node "+cp.ID, 3, func() error {
		return s.cold.PutNode(&cp)
	})
}

// GetNode consults the hot map first, falling through to durable.
func (s *Store) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	node, ok := s.nodes[id]
	s.mu.RUnlock()
	if ok {
		cp := *node
		return &cp, nil
	}
	return s.cold.GetNode(id)
}

// DeleteNode removes the node from the hot map and the durable store.
func (s *Store) DeleteNode(id string) {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()

	s.writeThrough("node "+id, 3, func() error {
		return s.cold.DeleteNode(id)
	})
}

// GetActiveNodes returns a snapshot of the hot node set.
func (s *Store) GetActiveNodes() []*types.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		cp := *node
		out = append(out, &cp)
	}
	return out
}

// GetOnlineNodes returns hot nodes whose status is Online.
func (s *Store) GetOnlineNodes() []*types.Node {
	var out []*types.Node
	for _, node := range s.GetActiveNodes() {
		if node.Status == types.NodeStatusOnline {
			out = append(out, node)
		}
	}
	return out
}

// SaveVm classifies a VM, updates the hot map and writes through.
func (s *Store) SaveVm(vm *types.VirtualMachine) {
	cp := *vm
	cp.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	if cp.Status == types.VmStatusDeleted {
		delete(s.vms, cp.ID)
	} else {
		s.vms[cp.ID] = &cp
	}
	s.mu.Unlock()

	s.writeThrough("vm "+cp.ID, 3, func() error {
		return s.cold.PutVm(&cp)
	})
}

// GetVm consults the hot map first, falling through to durable.
func (s *Store) GetVm(id string) (*types.VirtualMachine, error) {
	s.mu.RLock()
	vm, ok := s.vms[id]
	s.mu.RUnlock()
	if ok {
		cp := *vm
		return &cp, nil
	}
	return s.cold.GetVm(id)
}

// GetHotVms returns a snapshot of the hot VM set.
func (s *Store) GetHotVms() []*types.VirtualMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		cp := *vm
		out = append(out, &cp)
	}
	return out
}

// GetVmsByStatus filters the hot VM set by status.
func (s *Store) GetVmsByStatus(status types.VmStatus) []*types.VirtualMachine {
	var out []*types.VirtualMachine
	for _, vm := range s.GetHotVms() {
		if vm.Status == status {
			out = append(out, vm)
		}
	}
	return out
}

// GetRunningVms returns hot VMs in Running status.
func (s *Store) GetRunningVms() []*types.VirtualMachine {
	return s.GetVmsByStatus(types.VmStatusRunning)
}

// GetVmsByNode returns hot VMs placed on the given node.
func (s *Store) GetVmsByNode(nodeID string) []*types.VirtualMachine {
	var out []*types.VirtualMachine
	for _, vm := range s.GetHotVms() {
		if vm.NodeID == nodeID {
			out = append(out, vm)
		}
	}
	return out
}

// GetVmsByOwner spans cold data and always queries durable.
func (s *Store) GetVmsByOwner(ownerID string) ([]*types.VirtualMachine, error) {
	return s.cold.ListVmsByOwner(ownerID)
}

// SaveUser updates the hot map and writes through.
func (s *Store) SaveUser(user *types.User) {
	cp := *user
	s.mu.Lock()
	s.users[cp.ID] = &cp
	s.mu.Unlock()

	s.writeThrough("user "+cp.ID, 3, func() error {
		return s.cold.PutUser(&cp)
	})
}

// GetUser consults the hot map first, then durable.
func (s *Store) GetUser(id string) (*types.User, error) {
	s.mu.RLock()
	user, ok := s.users[id]
	s.mu.RUnlock()
	if ok {
		cp := *user
		return &cp, nil
	}
	return s.cold.GetUser(id)
}

// SaveUsageRecord keeps unsettled recent records hot and writes through.
func (s *Store) SaveUsageRecord(rec *types.UsageRecord) {
	cp := *rec
	s.mu.Lock()
	if !cp.SettledOnChain && time.Since(cp.CreatedAt) <= HotUsageWindow {
		s.usage[cp.ID] = &cp
	} else {
		delete(s.usage, cp.ID)
	}
	s.mu.Unlock()

	s.writeThrough("usage "+cp.ID, 2, func() error {
		return s.cold.PutUsageRecord(&cp)
	})
}

// GetUnpaidUsage returns the hot unsettled usage snapshot.
func (s *Store) GetUnpaidUsage() []*types.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.UsageRecord, 0, len(s.usage))
	for _, rec := range s.usage {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// GetUsageHistory spans cold data and always queries durable.
func (s *Store) GetUsageHistory(userID string, limit int) ([]*types.UsageRecord, error) {
	return s.cold.ListUsageHistory(userID, limit)
}

// SaveEvent writes an audit event through to the durable store. Events
// are never hot.
func (s *Store) SaveEvent(event *types.Event) {
	cp := *event
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.writeThrough("event "+cp.ID, 2, func() error {
		return s.cold.PutEvent(&cp)
	})
}

// SaveAttestation persists an attestation audit record.
func (s *Store) SaveAttestation(att *types.Attestation) {
	cp := *att
	s.writeThrough("attestation "+cp.ID, 2, func() error {
		return s.cold.PutAttestation(&cp)
	})
}

// Cold exposes the durable store for queries that always span cold data.
func (s *Store) Cold() storage.Store {
	return s.cold
}
