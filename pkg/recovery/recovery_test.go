package recovery

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/obligation"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func newTestScanner(t *testing.T) (*Scanner, *state.Store, *obligation.Store) {
	t.Helper()
	st := state.New(storage.NewMemoryStore())
	obs := obligation.NewStore()
	return NewScanner(st, obs, DefaultScanInterval), st, obs
}

func TestStalePendingVmGetsScheduleObligation(t *testing.T) {
	s, st, obs := newTestScanner(t)
	st.SaveVm(&types.VirtualMachine{
		ID:        "vm-old",
		Status:    types.VmStatusPending,
		CreatedAt: time.Now().Add(-time.Minute),
	})
	st.SaveVm(&types.VirtualMachine{
		ID:        "vm-fresh",
		Status:    types.VmStatusPending,
		CreatedAt: time.Now(),
	})

	assert.Equal(t, 1, s.Scan())
	assert.True(t, obs.HasActive(types.ObTypeVmSchedule, "vm-old"))
	assert.False(t, obs.HasActive(types.ObTypeVmSchedule, "vm-fresh"))
}

func TestProvisioningWithStaleCommandIsRedriven(t *testing.T) {
	s, st, obs := newTestScanner(t)
	issuedAt := time.Now().Add(-8 * time.Minute)
	st.SaveVm(&types.VirtualMachine{
		ID:                    "vm-stuck",
		Status:                types.VmStatusProvisioning,
		NodeID:                "n1",
		ActiveCommandID:       "cmd-lost",
		ActiveCommandIssuedAt: &issuedAt,
		CreatedAt:             time.Now().Add(-10 * time.Minute),
	})

	require.Equal(t, 1, s.Scan())
	assert.True(t, obs.HasActive(types.ObTypeVmProvision, "vm-stuck"))

	obls := obs.ActiveByResource("vm", "vm-stuck")
	require.Len(t, obls, 1)
	assert.Equal(t, "true", obls[0].Data["recovery"])
	require.NotNil(t, obls[0].Deadline)
}

func TestProvisioningWithRecentCommandLeftAlone(t *testing.T) {
	s, st, _ := newTestScanner(t)
	issuedAt := time.Now().Add(-time.Minute)
	st.SaveVm(&types.VirtualMachine{
		ID:                    "vm-busy",
		Status:                types.VmStatusProvisioning,
		NodeID:                "n1",
		ActiveCommandID:       "cmd-live",
		ActiveCommandIssuedAt: &issuedAt,
		CreatedAt:             time.Now().Add(-2 * time.Minute),
	})

	assert.Zero(t, s.Scan())
}

func TestProvisioningWithNoCommandIsRedriven(t *testing.T) {
	s, st, obs := newTestScanner(t)
	st.SaveVm(&types.VirtualMachine{
		ID:        "vm-dropped",
		Status:    types.VmStatusProvisioning,
		NodeID:    "n1",
		CreatedAt: time.Now().Add(-time.Minute),
	})

	assert.Equal(t, 1, s.Scan())
	assert.True(t, obs.HasActive(types.ObTypeVmProvision, "vm-dropped"))
}

func TestRunningVmMissingIngress(t *testing.T) {
	s, st, obs := newTestScanner(t)
	st.SaveVm(&types.VirtualMachine{
		ID:        "vm-noming",
		Status:    types.VmStatusRunning,
		NodeID:    "n1",
		PrivateIP: "192.168.64.9",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	assert.Equal(t, 1, s.Scan())
	assert.True(t, obs.HasActive(types.ObTypeVmRegisterIngress, "vm-noming"))
}

func TestRunningVmUnallocatedTemplatePorts(t *testing.T) {
	s, st, obs := newTestScanner(t)
	require.NoError(t, st.Cold().PutTemplate(&types.VmTemplate{
		ID: "tpl-db",
		ExposedPorts: []types.PortMapping{
			{GuestPort: 5432, Protocol: "tcp"},
			{GuestPort: 80, Protocol: "http"},
		},
	}))
	st.SaveVm(&types.VirtualMachine{
		ID:         "vm-db",
		Status:     types.VmStatusRunning,
		NodeID:     "n1",
		PrivateIP:  "192.168.64.9",
		TemplateID: "tpl-db",
		IngressConfig: &types.IngressConfig{
			Hostname: "vmdb.vms.corral.dev",
		},
		CreatedAt: time.Now().Add(-time.Hour),
	})

	assert.Equal(t, 1, s.Scan())
	assert.True(t, obs.HasActive(types.ObTypeVmAllocatePorts, "vm-db"))

	// Once allocated, no further work.
	vm, err := st.GetVm("vm-db")
	require.NoError(t, err)
	vm.DirectAccessPorts = []int{30001}
	st.SaveVm(vm)
	obs.Cancel(obs.ActiveByResource("vm", "vm-db")[0].ID, "test")
	assert.Zero(t, s.Scan())
}

func TestRelayEligibleNodeWithoutRelayVm(t *testing.T) {
	s, st, obs := newTestScanner(t)
	st.SaveNode(&types.Node{
		ID:            "n-relay",
		PublicIP:      "203.0.113.9",
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now(),
	})

	assert.Equal(t, 1, s.Scan())
	assert.True(t, obs.HasActive(types.ObTypeNodeDeployRelayVm, "n-relay"))
}

func TestCgnatNodeWithoutRelayAssignment(t *testing.T) {
	s, st, obs := newTestScanner(t)
	st.SaveNode(&types.Node{
		ID:            "n-cgnat",
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now(),
		CgnatInfo:     &types.CgnatInfo{NatType: types.NatTypeCGNAT},
	})

	assert.Equal(t, 1, s.Scan())
	assert.True(t, obs.HasActive(types.ObTypeNodeAssignRelay, "n-cgnat"))

	assigned, err := st.GetNode("n-cgnat")
	require.NoError(t, err)
	assigned.CgnatInfo.RelayNodeID = "n-relay"
	st.SaveNode(assigned)
	obs.Cancel(obs.ActiveByResource("node", "n-cgnat")[0].ID, "test")
	assert.Zero(t, s.Scan())
}

func TestScanDeduplicatesAgainstActiveWork(t *testing.T) {
	s, st, obs := newTestScanner(t)
	st.SaveVm(&types.VirtualMachine{
		ID:        "vm-old",
		Status:    types.VmStatusPending,
		CreatedAt: time.Now().Add(-time.Minute),
	})

	assert.Equal(t, 1, s.Scan())
	assert.Zero(t, s.Scan(), "second scan must not duplicate the pending obligation")

	total, active := obs.Count()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, active)
}
