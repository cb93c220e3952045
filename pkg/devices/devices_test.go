package devices

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfr-systems/flexfiled/pkg/kvstore"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Unix(0, 0)}
	m := New(store, clock, 5*time.Second, func() bool { return true })
	return m, clock
}

func heartbeatOf(ownerID string, verifier byte, total, avail uint64) Status {
	return Status{
		Owner:   Owner{Verifier: [8]byte{verifier}, OwnerID: ownerID},
		UAddrs:  []string{"0.0.0.0:2049"},
		Storage: StorageStatus{Total: total, Free: avail, Avail: avail},
	}
}

func TestProcessHeartbeatAdmitsNewDevice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.ProcessHeartbeat(ctx, heartbeatOf("dev-a", 1, 100, 50), "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	dev, ok := m.byOwnerID["dev-a"]
	require.True(t, ok)
	require.Equal(t, Restoring, dev.snapshotHealth())
	require.Equal(t, "10.0.0.1:2049", dev.ResolvedAddrs[0])
	require.InDelta(t, 0.5, dev.Priority, 0.001)
}

func TestHeartbeatRestartDetectedByVerifierChange(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf("dev-a", 1, 100, 50), "10.0.0.1"))
	dev := m.byOwnerID["dev-a"]
	dev.mu.Lock()
	dev.Health = Healthy
	dev.mu.Unlock()

	require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf("dev-a", 2, 100, 50), "10.0.0.1"))
	require.Equal(t, Restoring, dev.snapshotHealth())
}

func TestSweepTransitionsHealthyToMissingToDead(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf("dev-a", 1, 100, 50), "10.0.0.1"))
	dev := m.byOwnerID["dev-a"]
	dev.mu.Lock()
	dev.Health = Healthy
	dev.mu.Unlock()
	m.armTimer(dev)

	// Add two more always-healthy devices so partition protection doesn't
	// revert dev-a back to MISSING when it dies: with dev-a DEAD and
	// dev-b/dev-c HEALTHY, 2 of 3 (66%) are healthy, strictly over 50%.
	// Their timers are deliberately disarmed (zero deadline, which
	// Sweep always skips) so only dev-a's liveness clock advances.
	for _, id := range []string{"dev-b", "dev-c"} {
		require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf(id, 1, 100, 50), "10.0.0.2"))
		d := m.byOwnerID[id]
		d.mu.Lock()
		d.Health = Healthy
		d.deadline = time.Time{}
		d.mu.Unlock()
	}

	clock.Advance(20 * time.Second) // past 2H
	m.Sweep(ctx)
	require.Equal(t, Missing, dev.snapshotHealth())

	clock.Advance(60 * time.Second) // past 8H
	m.Sweep(ctx)
	// dev-a is decommissioned (removed) because dev-b and dev-c keep the
	// fleet above 50% healthy.
	_, ok := m.Get(dev.ID)
	require.False(t, ok)
}

func TestPartitionProtectionRevertsToMissing(t *testing.T) {
	// 5 devices; only 2 of 5 (40%) stay healthy/restoring, the other 3
	// are DEAD at the moment their DEAD timer fires. 40% is not strictly
	// more than 50%, so none of the 3 are decommissioned: they revert to
	// MISSING and keep their registry entry.
	m, _ := newTestManager(t)
	ctx := context.Background()

	healthyIDs := []string{"d", "e"}
	deadIDs := []string{"a", "b", "c"}

	for _, id := range healthyIDs {
		require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf(id, 1, 100, 50), "10.0.0.1"))
		dev := m.byOwnerID[id]
		dev.mu.Lock()
		dev.Health = Healthy
		dev.mu.Unlock()
	}
	for _, id := range deadIDs {
		require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf(id, 1, 100, 50), "10.0.0.1"))
		dev := m.byOwnerID[id]
		dev.mu.Lock()
		dev.Health = Dead
		dev.mu.Unlock()
	}

	for _, id := range deadIDs {
		dev := m.byOwnerID[id]
		m.decommissionDevice(ctx, dev)
	}

	for _, id := range deadIDs {
		dev, ok := m.Get(m.byOwnerID[id].ID)
		require.True(t, ok, "device %s should still be registered (partition protected)", id)
		require.Equal(t, Missing, dev.snapshotHealth())
	}
}

func TestPopBestExcludingSkipsZeroPriority(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf("a", 1, 100, 90), "10.0.0.1"))
	require.NoError(t, m.ProcessHeartbeat(ctx, heartbeatOf("b", 1, 0, 0), "10.0.0.1"))

	best := m.PopBestExcluding(nil)
	require.NotNil(t, best)
	require.Equal(t, m.byOwnerID["a"].ID, best.ID)

	m.ReinsertCandidate(best)
	second := m.PopBestExcluding(map[ID]bool{best.ID: true})
	require.Nil(t, second) // "b" has priority 0, never chosen
}
