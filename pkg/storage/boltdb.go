package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/corralhq/corral/pkg/types"
)

var (
	// Bucket names, one per collection
	bucketNodes              = []byte("nodes")
	bucketVms                = []byte("vms")
	bucketUsers              = []byte("users")
	bucketImages             = []byte("images")
	bucketPricingTiers       = []byte("pricingTiers")
	bucketEvents             = []byte("events")
	bucketAttestations       = []byte("attestations")
	bucketUsageRecords       = []byte("usageRecords")
	bucketVmTemplates        = []byte("vmTemplates")
	bucketTemplateCategories = []byte("templateCategories")
	bucketReviews            = []byte("marketplaceReviews")
	bucketReferrals          = []byte("referrals")
	bucketCreditGrants       = []byte("creditGrants")
	bucketPromoCampaigns     = []byte("promoCampaigns")
	bucketIndexManifest      = []byte("indexManifest")
)

// BoltStore implements Store using bbolt
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the durable store at dataDir and
// reconciles the declared index contract.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "corral.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketVms,
			bucketUsers,
			bucketImages,
			bucketPricingTiers,
			bucketEvents,
			bucketAttestations,
			bucketUsageRecords,
			bucketVmTemplates,
			bucketTemplateCategories,
			bucketReviews,
			bucketReferrals,
			bucketCreditGrants,
			bucketPromoCampaigns,
			bucketIndexManifest,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return reconcileIndexes(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put upserts a document and maintains the collection's unique indexes.
func (s *BoltStore) put(bucket []byte, id string, doc any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putInTx(tx, bucket, id, doc)
	})
}

func putInTx(tx *bolt.Tx, bucket []byte, id string, doc any) error {
	b := tx.Bucket(bucket)
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	old := b.Get([]byte(id))
	if err := updateIndexes(tx, string(bucket), id, old, data); err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func (s *BoltStore) get(bucket []byte, id string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, id, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if old := b.Get([]byte(id)); old != nil {
			if err := updateIndexes(tx, string(bucket), id, old, nil); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

func list[T any](s *BoltStore, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var doc T
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if keep == nil || keep(&doc) {
				out = append(out, &doc)
			}
			return nil
		})
	})
	return out, err
}

// getByIndex resolves a unique index key to its document.
func getByIndex[T any](s *BoltStore, indexName string, key string, bucket []byte) (*T, error) {
	var doc T
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucketName(indexName))
		if idx == nil {
			return fmt.Errorf("index %s: %w", indexName, ErrNotFound)
		}
		id := idx.Get([]byte(key))
		if id == nil {
			return fmt.Errorf("%s %q: %w", indexName, key, ErrNotFound)
		}
		data := tx.Bucket(bucket).Get(id)
		if data == nil {
			return fmt.Errorf("%s %q: %w", indexName, key, ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Node operations

func (s *BoltStore) PutNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

// PutNodes bulk-upserts nodes in one transaction.
func (s *BoltStore) PutNodes(nodes []*types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, node := range nodes {
			if err := putInTx(tx, bucketNodes, node.ID, node); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByWallet(wallet string) (*types.Node, error) {
	return getByIndex[types.Node](s, "nodes_walletAddress", strings.ToLower(wallet), bucketNodes)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	return list[types.Node](s, bucketNodes, nil)
}

func (s *BoltStore) ListNodesByStatus(status types.NodeStatus) ([]*types.Node, error) {
	return list[types.Node](s, bucketNodes, func(n *types.Node) bool {
		return n.Status == status
	})
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

// VM operations

func (s *BoltStore) PutVm(vm *types.VirtualMachine) error {
	return s.put(bucketVms, vm.ID, vm)
}

func (s *BoltStore) PutVms(vms []*types.VirtualMachine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, vm := range vms {
			if err := putInTx(tx, bucketVms, vm.ID, vm); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetVm(id string) (*types.VirtualMachine, error) {
	var vm types.VirtualMachine
	if err := s.get(bucketVms, id, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVms() ([]*types.VirtualMachine, error) {
	return list[types.VirtualMachine](s, bucketVms, nil)
}

func (s *BoltStore) ListVmsByOwner(ownerID string) ([]*types.VirtualMachine, error) {
	vms, err := list[types.VirtualMachine](s, bucketVms, func(vm *types.VirtualMachine) bool {
		return vm.OwnerID == ownerID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(vms, func(i, j int) bool {
		return vms[i].CreatedAt.After(vms[j].CreatedAt)
	})
	return vms, nil
}

func (s *BoltStore) ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error) {
	return list[types.VirtualMachine](s, bucketVms, func(vm *types.VirtualMachine) bool {
		return vm.NodeID == nodeID
	})
}

func (s *BoltStore) ListVmsByStatus(status types.VmStatus) ([]*types.VirtualMachine, error) {
	return list[types.VirtualMachine](s, bucketVms, func(vm *types.VirtualMachine) bool {
		return vm.Status == status
	})
}

// User operations

func (s *BoltStore) PutUser(user *types.User) error {
	return s.put(bucketUsers, user.ID, user)
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	if err := s.get(bucketUsers, id, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	return list[types.User](s, bucketUsers, nil)
}

// Image and pricing operations

func (s *BoltStore) PutImage(image *types.Image) error {
	return s.put(bucketImages, image.ID, image)
}

func (s *BoltStore) GetImage(id string) (*types.Image, error) {
	var image types.Image
	if err := s.get(bucketImages, id, &image); err != nil {
		return nil, err
	}
	return &image, nil
}

func (s *BoltStore) ListImages() ([]*types.Image, error) {
	return list[types.Image](s, bucketImages, nil)
}

func (s *BoltStore) PutPricingTier(tier *types.PricingTier) error {
	return s.put(bucketPricingTiers, tier.ID, tier)
}

func (s *BoltStore) ListPricingTiers() ([]*types.PricingTier, error) {
	return list[types.PricingTier](s, bucketPricingTiers, nil)
}

// Template and review operations

func (s *BoltStore) PutTemplate(tpl *types.VmTemplate) error {
	return s.put(bucketVmTemplates, tpl.ID, tpl)
}

func (s *BoltStore) GetTemplate(id string) (*types.VmTemplate, error) {
	var tpl types.VmTemplate
	if err := s.get(bucketVmTemplates, id, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *BoltStore) GetTemplateBySlug(slug string) (*types.VmTemplate, error) {
	return getByIndex[types.VmTemplate](s, "vmTemplates_slug", slug, bucketVmTemplates)
}

func (s *BoltStore) ListTemplates() ([]*types.VmTemplate, error) {
	return list[types.VmTemplate](s, bucketVmTemplates, nil)
}

func (s *BoltStore) PutReview(review *types.MarketplaceReview) error {
	return s.put(bucketReviews, review.ID, review)
}

// Audit operations

func (s *BoltStore) PutEvent(event *types.Event) error {
	return s.put(bucketEvents, event.ID, event)
}

func (s *BoltStore) PutAttestation(att *types.Attestation) error {
	return s.put(bucketAttestations, att.ID, att)
}

func (s *BoltStore) ListAttestationsByVm(vmID string, limit int) ([]*types.Attestation, error) {
	atts, err := list[types.Attestation](s, bucketAttestations, func(a *types.Attestation) bool {
		return a.VmID == vmID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(atts, func(i, j int) bool {
		return atts[i].Timestamp.After(atts[j].Timestamp)
	})
	if limit > 0 && len(atts) > limit {
		atts = atts[:limit]
	}
	return atts, nil
}

// Usage operations

func (s *BoltStore) PutUsageRecord(rec *types.UsageRecord) error {
	return s.put(bucketUsageRecords, rec.ID, rec)
}

func (s *BoltStore) ListUnpaidUsage() ([]*types.UsageRecord, error) {
	return list[types.UsageRecord](s, bucketUsageRecords, func(r *types.UsageRecord) bool {
		return !r.SettledOnChain
	})
}

func (s *BoltStore) ListUsageHistory(userID string, limit int) ([]*types.UsageRecord, error) {
	recs, err := list[types.UsageRecord](s, bucketUsageRecords, func(r *types.UsageRecord) bool {
		return r.UserID == userID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *BoltStore) DeleteUsageRecord(id string) error {
	return s.delete(bucketUsageRecords, id)
}
