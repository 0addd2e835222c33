package obligation

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func newObligation(obType, resourceType, resourceID string) *types.Obligation {
	return &types.Obligation{
		Type:         obType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

func TestCreateDefaults(t *testing.T) {
	s := NewStore()

	ob := s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-1"))

	require.NotEmpty(t, ob.ID)
	assert.Equal(t, types.ObligationPending, ob.Status)
	assert.Equal(t, DefaultMaxAttempts, ob.MaxAttempts)
	assert.Equal(t, DefaultBackoffBaseSeconds, ob.BackoffBaseSeconds)
	assert.False(t, ob.CreatedAt.IsZero())
	assert.NotNil(t, ob.Data)
}

func TestCreateDeduplicatesActive(t *testing.T) {
	s := NewStore()

	first := s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-1"))
	second := s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-1"))

	assert.Equal(t, first.ID, second.ID, "active obligation of same type and resource must dedup")

	// A different type for the same resource is not deduplicated.
	other := s.Create(newObligation(types.ObTypeVmStart, "vm", "vm-1"))
	assert.NotEqual(t, first.ID, other.ID)

	// Once the first is terminal, creation produces a fresh obligation.
	s.Fail(first.ID, "gone")
	third := s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-1"))
	assert.NotEqual(t, first.ID, third.ID)

	// The failed one stays in history.
	failed, err := s.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationFailed, failed.Status)
}

func TestTerminalTransitionIsFinal(t *testing.T) {
	s := NewStore()

	ob := s.Create(newObligation(types.ObTypeVmStop, "vm", "vm-1"))
	s.Cancel(ob.ID, "owner request")
	s.Fail(ob.ID, "should not apply")

	got, err := s.Get(ob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationCancelled, got.Status)
	assert.Equal(t, "owner request", got.Message)
}

func TestCascadeCancelFollowsDependents(t *testing.T) {
	s := NewStore()

	a := s.Create(newObligation(types.ObTypeVmSchedule, "vm", "vm-1"))
	b := s.Create(&types.Obligation{
		Type:         types.ObTypeVmProvision,
		ResourceType: "vm",
		ResourceID:   "vm-1",
		DependsOn:    []string{a.ID},
	})
	c := s.Create(&types.Obligation{
		Type:         types.ObTypeVmStart,
		ResourceType: "vm",
		ResourceID:   "vm-1",
		DependsOn:    []string{b.ID},
	})
	unrelated := s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-2"))

	s.Fail(a.ID, "no candidate node")

	for _, id := range []string{b.ID, c.ID} {
		got, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.ObligationCancelled, got.Status, "dependent %s must be cancelled", got.Type)
	}

	got, err := s.Get(unrelated.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationPending, got.Status)
}

func TestActiveByResource(t *testing.T) {
	s := NewStore()

	s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-1"))
	done := s.Create(newObligation(types.ObTypeVmStart, "vm", "vm-1"))
	s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-2"))
	s.Cancel(done.ID, "")

	active := s.ActiveByResource("vm", "vm-1")
	require.Len(t, active, 1)
	assert.Equal(t, types.ObTypeVmProvision, active[0].Type)

	assert.True(t, s.HasActive(types.ObTypeVmProvision, "vm-1"))
	assert.False(t, s.HasActive(types.ObTypeVmStart, "vm-1"))
}

func TestPruneTerminalAgeAndCap(t *testing.T) {
	s := NewStore()

	aged := s.Create(newObligation(types.ObTypeVmDelete, "vm", "vm-old"))
	s.Cancel(aged.ID, "")
	s.mu.Lock()
	s.byID[aged.ID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.mu.Unlock()

	var recent []string
	for i := 0; i < 5; i++ {
		ob := s.Create(newObligation(types.ObTypeVmStop, "vm", string(rune('a'+i))))
		s.Cancel(ob.ID, "")
		recent = append(recent, ob.ID)
	}
	live := s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-live"))

	s.PruneTerminal(24*time.Hour, 2)

	_, err := s.Get(aged.ID)
	assert.Error(t, err, "terminal obligation past max age must be pruned")

	total, active := s.Count()
	assert.Equal(t, 3, total, "cap of 2 terminal plus 1 active")
	assert.Equal(t, 1, active)

	// Newest terminal entries survive the cap.
	for _, id := range recent[3:] {
		_, err := s.Get(id)
		assert.NoError(t, err)
	}
	_, err = s.Get(live.ID)
	assert.NoError(t, err)
}

func TestParkSetsWaitDeadline(t *testing.T) {
	s := NewStore()
	ob := s.Create(newObligation(types.ObTypeVmProvision, "vm", "vm-1"))

	require.True(t, s.Park(ob.ID, "command-ack:cmd-1"))

	got, err := s.Get(ob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationWaitingForSignal, got.Status)
	require.NotNil(t, got.Deadline)
	assert.WithinDuration(t, time.Now().Add(DefaultSignalWait), *got.Deadline, time.Minute)
}
