package placement

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

type fakeDS struct {
	mu         sync.Mutex
	data       map[devices.ID]map[pieces.PieceID][]byte
	fail       map[devices.ID]bool
	failCreate map[devices.ID]bool
}

func newFakeDS() *fakeDS {
	return &fakeDS{
		data:       make(map[devices.ID]map[pieces.PieceID][]byte),
		fail:       map[devices.ID]bool{},
		failCreate: map[devices.ID]bool{},
	}
}

func (f *fakeDS) CreatePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[dev.ID] {
		return errFakeDS
	}
	if f.data[dev.ID] == nil {
		f.data[dev.ID] = map[pieces.PieceID][]byte{}
	}
	f.data[dev.ID][pid] = []byte{}
	return nil
}

func (f *fakeDS) RemovePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data[dev.ID], pid)
	return nil
}

func (f *fakeDS) ReadPiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID, offset uint64, length uint32) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[dev.ID] {
		return nil, false, errFakeDS
	}
	b := f.data[dev.ID][pid]
	if offset >= uint64(len(b)) {
		return nil, true, nil
	}
	end := offset + uint64(length)
	if end > uint64(len(b)) {
		end = uint64(len(b))
	}
	return append([]byte(nil), b[offset:end]...), end == uint64(len(b)), nil
}

func (f *fakeDS) WritePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID, offset uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[dev.ID] {
		return errFakeDS
	}
	b := f.data[dev.ID][pid]
	need := int(offset) + len(data)
	if need > len(b) {
		grown := make([]byte, need)
		copy(grown, b)
		b = grown
	}
	copy(b[offset:], data)
	f.data[dev.ID][pid] = b
	return nil
}

func (f *fakeDS) ListPieces(ctx context.Context, dev *devices.Device) ([]pieces.PieceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pieces.PieceID
	for pid := range f.data[dev.ID] {
		out = append(out, pid)
	}
	return out, nil
}

var errFakeDS = &fakeDSError{"fake ds failure"}

type fakeDSError struct{ msg string }

func (e *fakeDSError) Error() string { return e.msg }

func heartbeatOf(ownerID string, total, avail uint64) devices.Status {
	return devices.Status{
		Owner:   devices.Owner{Verifier: [8]byte{1}, OwnerID: ownerID},
		UAddrs:  []string{"0.0.0.0:2049"},
		Storage: devices.StorageStatus{Total: total, Free: avail, Avail: avail},
	}
}

func newTestSetup(t *testing.T, replicas int) (*Manager, *devices.Manager, *fakeDS) {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dm := devices.New(store, &fakeClock{now: time.Unix(0, 0)}, 5*time.Second, func() bool { return true })
	ds := newFakeDS()
	m, err := New(store, dm, ds, replicas)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, dm, ds
}

func registerDevices(t *testing.T, dm *devices.Manager, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		require.NoError(t, dm.ProcessHeartbeat(ctx, heartbeatOf(id, 100, 90), "10.0.0.1"))
	}
}

func TestAddPieceLocationsPicksDistinctReplicas(t *testing.T) {
	m, dm, _ := newTestSetup(t, 3)
	registerDevices(t, dm, 5)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 1, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)
	require.Len(t, loc, 3)

	seen := map[devices.ID]bool{}
	for _, r := range loc {
		require.False(t, seen[r.Device], "replica device repeated")
		seen[r.Device] = true
	}
}

func TestAddPieceLocationsIsIdempotent(t *testing.T) {
	m, dm, _ := newTestSetup(t, 3)
	registerDevices(t, dm, 5)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 2, Offset: 0, Size: 0}
	first, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)
	second, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	m, dm, _ := newTestSetup(t, 3)
	registerDevices(t, dm, 3)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 3, Offset: 0, Size: 0}
	_, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)

	payload := []byte("hello flex files")
	require.NoError(t, m.Write(ctx, pid, 0, payload))

	data, _, err := m.Read(ctx, pid, 0, uint32(len(payload)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, data))
}

func TestReadFallsBackOnReplicaFailure(t *testing.T) {
	m, dm, ds := newTestSetup(t, 3)
	registerDevices(t, dm, 3)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 4, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)

	payload := []byte("data")
	require.NoError(t, m.Write(ctx, pid, 0, payload))

	ds.mu.Lock()
	ds.fail[loc[0].Device] = true
	ds.mu.Unlock()

	data, _, err := m.Read(ctx, pid, 0, uint32(len(payload)))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, data))
}

func TestWriteRemovesBadReplicaAndQueuesResilver(t *testing.T) {
	m, dm, ds := newTestSetup(t, 3)
	registerDevices(t, dm, 3)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 5, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)

	ds.mu.Lock()
	ds.fail[loc[0].Device] = true
	ds.mu.Unlock()

	require.NoError(t, m.Write(ctx, pid, 0, []byte("x")))

	newLoc, err := m.Location(ctx, pid)
	require.NoError(t, err)
	require.Len(t, newLoc, 2)
	require.Equal(t, 1, m.RepairQueueDepth())
}

func TestDeviceDecommissionFlagsDependentPieces(t *testing.T) {
	m, dm, _ := newTestSetup(t, 3)
	registerDevices(t, dm, 5)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 6, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)

	dev, ok := dm.Get(loc[0].Device)
	require.True(t, ok)
	dev.Health = devices.Dead

	m.onDeviceDecommissioned(ctx, dev.ID)
	require.Equal(t, 1, m.RepairQueueDepth())

	p, err := m.getPiece(ctx, pid)
	require.NoError(t, err)
	_, state := p.snapshot()
	require.Equal(t, NeedResilver, state)
}

func TestReconcileRestoringDeviceFindsDrift(t *testing.T) {
	m, dm, _ := newTestSetup(t, 3)
	registerDevices(t, dm, 3)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 7, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)

	dev, ok := dm.Get(loc[0].Device)
	require.True(t, ok)

	stray := pieces.PieceID{FileID: 999, Offset: 0, Size: 0}
	report, err := m.ReconcileRestoringDevice(ctx, dev, []pieces.PieceID{stray})
	require.NoError(t, err)
	require.Contains(t, report.Extra, stray)
	require.Contains(t, report.Missing, pid)
}

// A device whose CREATEPIECE fails costs only itself: it is demoted to
// priority 0 and the next-best candidate takes its place.
func TestAddPieceLocationsSkipsFailingDevice(t *testing.T) {
	m, dm, ds := newTestSetup(t, 3)
	registerDevices(t, dm, 4)
	ctx := context.Background()

	bad := dm.IDs()[0]
	ds.mu.Lock()
	ds.failCreate[bad] = true
	ds.mu.Unlock()

	pid := pieces.PieceID{FileID: 8, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)
	require.Len(t, loc, 3)
	for _, r := range loc {
		require.NotEqual(t, bad, r.Device)
	}

	dev, ok := dm.Get(bad)
	require.True(t, ok)
	require.Zero(t, dev.Priority)
}

// Placement fails only once the registry is exhausted, and then every
// replica created along the way has been removed again.
func TestAddPieceLocationsFailsAndRollsBackWhenExhausted(t *testing.T) {
	m, dm, ds := newTestSetup(t, 3)
	registerDevices(t, dm, 3)
	ctx := context.Background()

	bad := dm.IDs()[0]
	ds.mu.Lock()
	ds.failCreate[bad] = true
	ds.mu.Unlock()

	pid := pieces.PieceID{FileID: 9, Offset: 0, Size: 0}
	_, err := m.AddPieceLocations(ctx, pid)
	require.Error(t, err)
	require.True(t, errs.IsIoError(err))

	ds.mu.Lock()
	for dev, held := range ds.data {
		_, present := held[pid]
		require.False(t, present, "rollback left a piece file on device %d", dev)
	}
	ds.mu.Unlock()
}

// Removing every replica at once means the piece is lost: IoError, and
// the location is left untouched rather than persisted empty.
func TestRemoveBadLocationsAllReplicasLostIsIoError(t *testing.T) {
	m, dm, _ := newTestSetup(t, 3)
	registerDevices(t, dm, 3)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 10, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)

	bad := map[devices.ID]bool{}
	for _, r := range loc {
		bad[r.Device] = true
	}
	err = m.RemoveBadLocations(ctx, pid, bad)
	require.Error(t, err)
	require.True(t, errs.IsIoError(err))

	still, err := m.Location(ctx, pid)
	require.NoError(t, err)
	require.Len(t, still, len(loc))
}

// A replica read failure demotes the device to MISSING right away; its
// own heartbeat timer would otherwise keep it placeable for seconds.
func TestReadFailureMarksDeviceMissing(t *testing.T) {
	m, dm, ds := newTestSetup(t, 3)
	registerDevices(t, dm, 3)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 11, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, pid, 0, []byte("x")))

	ds.mu.Lock()
	ds.fail[loc[0].Device] = true
	ds.mu.Unlock()

	_, _, err = m.Read(ctx, pid, 0, 1)
	require.NoError(t, err)

	dev, ok := dm.Get(loc[0].Device)
	require.True(t, ok)
	require.Equal(t, devices.Missing, dev.Health)
}

// The repairs namespace is a recovery log: a fresh Manager over the
// same store rebuilds its resilver queue from it.
func TestRepairQueueRebuiltFromPersistedLog(t *testing.T) {
	m, dm, ds := newTestSetup(t, 3)
	registerDevices(t, dm, 4)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 12, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, m.RemoveBadLocations(ctx, pid, map[devices.ID]bool{loc[0].Device: true}))
	require.Equal(t, 1, m.RepairQueueDepth())

	restarted, err := New(m.kv, dm, ds, 3)
	require.NoError(t, err)
	t.Cleanup(restarted.Close)
	require.Equal(t, 0, restarted.RepairQueueDepth())
	require.NoError(t, restarted.LoadFromStore(ctx))
	require.Equal(t, 1, restarted.RepairQueueDepth())
}

// A failed resilver copy removes every replica created in that pass, so
// no unreferenced piece files are left behind on the new devices.
func TestResilverRollbackRemovesCreatedReplicas(t *testing.T) {
	m, dm, ds := newTestSetup(t, 3)
	registerDevices(t, dm, 5)
	ctx := context.Background()

	pid := pieces.PieceID{FileID: 13, Offset: 0, Size: 0}
	loc, err := m.AddPieceLocations(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, pid, 0, []byte("payload")))
	require.NoError(t, m.RemoveBadLocations(ctx, pid, map[devices.ID]bool{loc[0].Device: true}))

	// The removed device refuses creates (it is the failed one), and
	// every never-used device accepts the create but fails the copy.
	survivors := map[devices.ID]bool{}
	for _, r := range loc[1:] {
		survivors[r.Device] = true
	}
	var fresh []devices.ID
	ds.mu.Lock()
	ds.failCreate[loc[0].Device] = true
	for _, id := range dm.IDs() {
		if !survivors[id] && id != loc[0].Device {
			ds.fail[id] = true // copy target: WritePiece will fail
			fresh = append(fresh, id)
		}
	}
	ds.mu.Unlock()

	p, err := m.getPiece(ctx, pid)
	require.NoError(t, err)
	require.Error(t, m.growLocation(ctx, p))

	ds.mu.Lock()
	for _, id := range fresh {
		_, present := ds.data[id][pid]
		require.False(t, present, "rollback left a piece file on device %d", id)
	}
	ds.mu.Unlock()
}
