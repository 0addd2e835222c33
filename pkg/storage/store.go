package storage

import (
	"errors"

	"github.com/corralhq/corral/pkg/types"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when a write violates a unique index.
var ErrDuplicateKey = errors.New("duplicate key")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateKey reports whether err wraps ErrDuplicateKey.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// Store is the durable cold store. All writes are upserts keyed by
// entity ID; enums are persisted as strings and timestamps as UTC.
type Store interface {
	// Nodes
	PutNode(node *types.Node) error
	PutNodes(nodes []*types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByWallet(wallet string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByStatus(status types.NodeStatus) ([]*types.Node, error)
	DeleteNode(id string) error

	// Virtual machines
	PutVm(vm *types.VirtualMachine) error
	PutVms(vms []*types.VirtualMachine) error
	GetVm(id string) (*types.VirtualMachine, error)
	ListVms() ([]*types.VirtualMachine, error)
	ListVmsByOwner(ownerID string) ([]*types.VirtualMachine, error)
	ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error)
	ListVmsByStatus(status types.VmStatus) ([]*types.VirtualMachine, error)

	// Users
	PutUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	// Images and pricing
	PutImage(image *types.Image) error
	GetImage(id string) (*types.Image, error)
	ListImages() ([]*types.Image, error)
	PutPricingTier(tier *types.PricingTier) error
	ListPricingTiers() ([]*types.PricingTier, error)

	// Templates and reviews
	PutTemplate(tpl *types.VmTemplate) error
	GetTemplate(id string) (*types.VmTemplate, error)
	GetTemplateBySlug(slug string) (*types.VmTemplate, error)
	ListTemplates() ([]*types.VmTemplate, error)
	PutReview(review *types.MarketplaceReview) error

	// Audit
	PutEvent(event *types.Event) error
	PutAttestation(att *types.Attestation) error
	ListAttestationsByVm(vmID string, limit int) ([]*types.Attestation, error)

	// Usage
	PutUsageRecord(rec *types.UsageRecord) error
	ListUnpaidUsage() ([]*types.UsageRecord, error)
	ListUsageHistory(userID string, limit int) ([]*types.UsageRecord, error)
	DeleteUsageRecord(id string) error

	Close() error
}
