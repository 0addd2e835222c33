package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/corralhq/corral/pkg/types"
)

// MemoryStore is a Store kept entirely in memory. It backs the
// orchestrator when no durable store path is configured and the test
// suites. Unique index semantics match BoltStore.
type MemoryStore struct {
	mu           sync.RWMutex
	nodes        map[string]*types.Node
	vms          map[string]*types.VirtualMachine
	users        map[string]*types.User
	images       map[string]*types.Image
	pricingTiers map[string]*types.PricingTier
	templates    map[string]*types.VmTemplate
	reviews      map[string]*types.MarketplaceReview
	events       map[string]*types.Event
	attestations map[string]*types.Attestation
	usage        map[string]*types.UsageRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:        make(map[string]*types.Node),
		vms:          make(map[string]*types.VirtualMachine),
		users:        make(map[string]*types.User),
		images:       make(map[string]*types.Image),
		pricingTiers: make(map[string]*types.PricingTier),
		templates:    make(map[string]*types.VmTemplate),
		reviews:      make(map[string]*types.MarketplaceReview),
		events:       make(map[string]*types.Event),
		attestations: make(map[string]*types.Attestation),
		usage:        make(map[string]*types.UsageRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

// Node operations

func (s *MemoryStore) PutNode(node *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.nodes {
		if id != node.ID && strings.EqualFold(existing.WalletAddress, node.WalletAddress) {
			return fmt.Errorf("wallet %s held by node %s: %w", node.WalletAddress, id, ErrDuplicateKey)
		}
	}
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryStore) PutNodes(nodes []*types.Node) error {
	for _, node := range nodes {
		if err := s.PutNode(node); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	cp := *node
	return &cp, nil
}

func (s *MemoryStore) GetNodeByWallet(wallet string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if strings.EqualFold(node.WalletAddress, wallet) {
			cp := *node
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("wallet %s: %w", wallet, ErrNotFound)
}

func (s *MemoryStore) ListNodes() ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		cp := *node
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListNodesByStatus(status types.NodeStatus) ([]*types.Node, error) {
	nodes, _ := s.ListNodes()
	var out []*types.Node
	for _, node := range nodes {
		if node.Status == status {
			out = append(out, node)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

// VM operations

func (s *MemoryStore) PutVm(vm *types.VirtualMachine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *vm
	s.vms[vm.ID] = &cp
	return nil
}

func (s *MemoryStore) PutVms(vms []*types.VirtualMachine) error {
	for _, vm := range vms {
		if err := s.PutVm(vm); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetVm(id string) (*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	cp := *vm
	return &cp, nil
}

func (s *MemoryStore) ListVms() ([]*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		cp := *vm
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListVmsByOwner(ownerID string) ([]*types.VirtualMachine, error) {
	vms, _ := s.ListVms()
	var out []*types.VirtualMachine
	for _, vm := range vms {
		if vm.OwnerID == ownerID {
			out = append(out, vm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error) {
	vms, _ := s.ListVms()
	var out []*types.VirtualMachine
	for _, vm := range vms {
		if vm.NodeID == nodeID {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListVmsByStatus(status types.VmStatus) ([]*types.VirtualMachine, error) {
	vms, _ := s.ListVms()
	var out []*types.VirtualMachine
	for _, vm := range vms {
		if vm.Status == status {
			out = append(out, vm)
		}
	}
	return out, nil
}

// User operations

func (s *MemoryStore) PutUser(user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.users {
		if id == user.ID {
			continue
		}
		if strings.EqualFold(existing.WalletAddress, user.WalletAddress) {
			return fmt.Errorf("wallet %s held by user %s: %w", user.WalletAddress, id, ErrDuplicateKey)
		}
		if user.Email != "" && strings.EqualFold(existing.Email, user.Email) {
			return fmt.Errorf("email %s held by user %s: %w", user.Email, id, ErrDuplicateKey)
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(id string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryStore) ListUsers() ([]*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.User, 0, len(s.users))
	for _, user := range s.users {
		cp := *user
		out = append(out, &cp)
	}
	return out, nil
}

// Image and pricing operations

func (s *MemoryStore) PutImage(image *types.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *image
	s.images[image.ID] = &cp
	return nil
}

func (s *MemoryStore) GetImage(id string) (*types.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, ok := s.images[id]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	cp := *image
	return &cp, nil
}

func (s *MemoryStore) ListImages() ([]*types.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Image, 0, len(s.images))
	for _, image := range s.images {
		cp := *image
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutPricingTier(tier *types.PricingTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tier
	s.pricingTiers[tier.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPricingTiers() ([]*types.PricingTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.PricingTier, 0, len(s.pricingTiers))
	for _, tier := range s.pricingTiers {
		cp := *tier
		out = append(out, &cp)
	}
	return out, nil
}

// Template and review operations

func (s *MemoryStore) PutTemplate(tpl *types.VmTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.templates {
		if id != tpl.ID && existing.Slug == tpl.Slug {
			return fmt.Errorf("slug %s held by template %s: %w", tpl.Slug, id, ErrDuplicateKey)
		}
	}
	cp := *tpl
	s.templates[tpl.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTemplate(id string) (*types.VmTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	cp := *tpl
	return &cp, nil
}

func (s *MemoryStore) GetTemplateBySlug(slug string) (*types.VmTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tpl := range s.templates {
		if tpl.Slug == slug {
			cp := *tpl
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("template slug %s: %w", slug, ErrNotFound)
}

func (s *MemoryStore) ListTemplates() ([]*types.VmTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VmTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		cp := *tpl
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutReview(review *types.MarketplaceReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.reviews {
		if id != review.ID &&
			existing.ResourceType == review.ResourceType &&
			existing.ResourceID == review.ResourceID &&
			existing.ReviewerID == review.ReviewerID {
			return fmt.Errorf("review by %s on %s/%s exists: %w",
				review.ReviewerID, review.ResourceType, review.ResourceID, ErrDuplicateKey)
		}
	}
	cp := *review
	s.reviews[review.ID] = &cp
	return nil
}

// Audit operations

func (s *MemoryStore) PutEvent(event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.ID] = &cp
	return nil
}

func (s *MemoryStore) PutAttestation(att *types.Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *att
	s.attestations[att.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAttestationsByVm(vmID string, limit int) ([]*types.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Attestation
	for _, att := range s.attestations {
		if att.VmID == vmID {
			cp := *att
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Usage operations

func (s *MemoryStore) PutUsageRecord(rec *types.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.usage[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) ListUnpaidUsage() ([]*types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UsageRecord
	for _, rec := range s.usage {
		if !rec.SettledOnChain {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUsageHistory(userID string, limit int) ([]*types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UsageRecord
	for _, rec := range s.usage {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteUsageRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usage, id)
	return nil
}
