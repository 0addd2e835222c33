package state

import (
	"time"

	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

const (
	pruneInterval    = time.Hour
	bulkSyncInterval = 15 * time.Minute
)

// StartBackground starts the hot-set pruner and the bulk sync loop.
func (s *Store) StartBackground() {
	go s.runPruner()
	go s.runBulkSync()
}

// Stop stops the background loops.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) runPruner() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Prune()
		case <-s.stopCh:
			return
		}
	}
}

// Prune evicts from the hot maps: offline nodes with a stale heartbeat,
// VMs in terminal status, and usage records either settled or aged out.
func (s *Store) Prune() {
	now := time.Now()
	s.mu.Lock()
	var prunedNodes, prunedVms, prunedUsage int
	for id, node := range s.nodes {
		if node.Status == types.NodeStatusOffline && now.Sub(node.LastHeartbeat) > HotNodeWindow {
			delete(s.nodes, id)
			prunedNodes++
		}
	}
	for id, vm := range s.vms {
		if vm.Status.IsTerminal() {
			delete(s.vms, id)
			prunedVms++
		}
	}
	for id, rec := range s.usage {
		if rec.SettledOnChain || now.Sub(rec.CreatedAt) > HotUsageWindow {
			delete(s.usage, id)
			prunedUsage++
		}
	}
	s.mu.Unlock()

	if prunedNodes+prunedVms+prunedUsage > 0 {
		s.logger.Info().
			Int("nodes", prunedNodes).
			Int("vms", prunedVms).
			Int("usage", prunedUsage).
			Msg("pruned hot working set")
	}
}

func (s *Store) runBulkSync() {
	ticker := time.NewTicker(bulkSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.BulkSync()
		case <-s.stopCh:
			return
		}
	}
}

// BulkSync rewrites the entire hot working set to the durable store.
// Nodes and VMs go through unordered bulk upserts; users are synced one
// by one so a single constraint violation cannot abort the batch.
func (s *Store) BulkSync() {
	s.mu.RLock()
	nodes := make([]*types.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		cp := *node
		nodes = append(nodes, &cp)
	}
	vms := make([]*types.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		cp := *vm
		vms = append(vms, &cp)
	}
	users := make([]*types.User, 0, len(s.users))
	for _, user := range s.users {
		cp := *user
		users = append(users, &cp)
	}
	s.mu.RUnlock()

	if err := s.cold.PutNodes(nodes); err != nil {
		s.logger.Error().Err(err).Msg("bulk node sync failed")
	}
	if err := s.cold.PutVms(vms); err != nil {
		s.logger.Error().Err(err).Msg("bulk vm sync failed")
	}
	for _, user := range users {
		if err := s.cold.PutUser(user); err != nil {
			if storage.IsDuplicateKey(err) {
				s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("user sync hit unique constraint")
				continue
			}
			s.logger.Error().Err(err).Str("user_id", user.ID).Msg("user sync failed")
		}
	}
}
