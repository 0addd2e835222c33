package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testNode(id, wallet string) *types.Node {
	return &types.Node{
		ID:            id,
		MachineID:     "machine-" + id,
		WalletAddress: wallet,
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
		Hardware: &types.HardwareInventory{
			CPU:         &types.CPUInfo{Model: "EPYC 7543", PhysicalCores: 16, BenchmarkScore: 1200},
			MemoryBytes: 64 * 1024 * 1024 * 1024,
		},
	}
}

func TestNodeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	node := testNode("node-1", "0xAbC123")
	require.NoError(t, store.PutNode(node))

	got, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, node.WalletAddress, got.WalletAddress)
	assert.Equal(t, 16, got.Hardware.CPU.PhysicalCores)
	assert.Equal(t, 128, got.TotalComputePoints())
}

func TestGetNodeNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetNode("missing")
	assert.True(t, IsNotFound(err))
}

func TestWalletUniqueIndex(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutNode(testNode("node-1", "0xabc")))

	// Same wallet on a different node violates the unique index,
	// case-insensitively.
	err := store.PutNode(testNode("node-2", "0xABC"))
	assert.True(t, IsDuplicateKey(err))

	// Re-upserting the same node is fine.
	assert.NoError(t, store.PutNode(testNode("node-1", "0xabc")))

	// Lookup through the index.
	got, err := store.GetNodeByWallet("0xABC")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.ID)
}

func TestWalletIndexClearedOnDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutNode(testNode("node-1", "0xabc")))
	require.NoError(t, store.DeleteNode("node-1"))

	// Wallet should be free again.
	assert.NoError(t, store.PutNode(testNode("node-2", "0xabc")))
}

func TestUserEmailSparseIndex(t *testing.T) {
	store := newTestStore(t)

	// Two users without email must not collide on the sparse index.
	require.NoError(t, store.PutUser(&types.User{ID: "u1", WalletAddress: "0x1"}))
	require.NoError(t, store.PutUser(&types.User{ID: "u2", WalletAddress: "0x2"}))

	require.NoError(t, store.PutUser(&types.User{ID: "u3", WalletAddress: "0x3", Email: "a@b.c"}))
	err := store.PutUser(&types.User{ID: "u4", WalletAddress: "0x4", Email: "A@B.C"})
	assert.True(t, IsDuplicateKey(err))
}

func TestTemplateSlugIndex(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutTemplate(&types.VmTemplate{ID: "t1", Slug: "postgres-16"}))
	err := store.PutTemplate(&types.VmTemplate{ID: "t2", Slug: "postgres-16"})
	assert.True(t, IsDuplicateKey(err))

	got, err := store.GetTemplateBySlug("postgres-16")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestReviewCompositeIndex(t *testing.T) {
	store := newTestStore(t)

	review := &types.MarketplaceReview{
		ID:           "r1",
		ResourceType: "node",
		ResourceID:   "node-1",
		ReviewerID:   "u1",
		Rating:       5,
	}
	require.NoError(t, store.PutReview(review))

	dup := *review
	dup.ID = "r2"
	assert.True(t, IsDuplicateKey(store.PutReview(&dup)))

	other := *review
	other.ID = "r3"
	other.ReviewerID = "u2"
	assert.NoError(t, store.PutReview(&other))
}

func TestVmsByOwnerSorted(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"vm-a", "vm-b", "vm-c"} {
		require.NoError(t, store.PutVm(&types.VirtualMachine{
			ID:        id,
			OwnerID:   "u1",
			Status:    types.VmStatusRunning,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.PutVm(&types.VirtualMachine{ID: "vm-x", OwnerID: "u2", CreatedAt: base}))

	vms, err := store.ListVmsByOwner("u1")
	require.NoError(t, err)
	require.Len(t, vms, 3)
	// createdAt descending
	assert.Equal(t, "vm-c", vms[0].ID)
	assert.Equal(t, "vm-a", vms[2].ID)
}

func TestUnpaidUsageQuery(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutUsageRecord(&types.UsageRecord{ID: "ur-1", UserID: "u1", SettledOnChain: false}))
	require.NoError(t, store.PutUsageRecord(&types.UsageRecord{ID: "ur-2", UserID: "u1", SettledOnChain: true}))

	unpaid, err := store.ListUnpaidUsage()
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, "ur-1", unpaid[0].ID)
}

func TestIndexRebuildOnFlagChange(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.PutNode(testNode("node-1", "0xabc")))
	require.NoError(t, store.Close())

	// Reopen: manifest matches, index survives and still resolves.
	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetNodeByWallet("0xabc")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.ID)
}
