package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
)

// Clock abstracts wall-clock time so the health state machine's timer
// logic (see sweep.go) is deterministic under test.
type Clock interface {
	Now() time.Time
}

// RepairHook is invoked once per piece-bearing device that has just been
// decommissioned, so the placement engine (component C) can flag every
// piece listing it for repair. Set via Manager.SetRepairHook; devices
// does not import placement to avoid a dependency cycle.
type RepairHook func(ctx context.Context, dev ID)

// Manager is the MDS-side Device Registry: devicesByOwnerID,
// devicesById, and the priority-ordered devices set from the data model.
type Manager struct {
	mu sync.RWMutex

	byOwnerID map[string]*Device
	byID      map[ID]*Device
	sorted    []*Device // ascending (priority, id); pop from the back for "best"

	nextID ID
	kv     *kvstore.Store
	clock  Clock

	heartbeatInterval time.Duration
	isMaster          func() bool

	events     chan Event
	repairHook RepairHook
}

// New constructs a Manager. heartbeatInterval is "H" in the health state
// machine; isMaster reports whether this replica may schedule RESTORING
// passes and persist writes.
func New(kv *kvstore.Store, clock Clock, heartbeatInterval time.Duration, isMaster func() bool) *Manager {
	return &Manager{
		byOwnerID:         make(map[string]*Device),
		byID:              make(map[ID]*Device),
		kv:                kv,
		clock:             clock,
		heartbeatInterval: heartbeatInterval,
		isMaster:          isMaster,
		events:            make(chan Event, 256),
	}
}

// Events returns the channel Manager posts state-change notifications
// to (address changes, health transitions, decommissions).
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) SetRepairHook(h RepairHook) { m.repairHook = h }

func (m *Manager) postEvent(ev Event) {
	select {
	case m.events <- ev:
	default:
		logger.Warn("devices: event channel full, dropping event", "kind", ev.Kind, "device", ev.Device)
	}
}

// LoadFromStore repopulates the in-memory registry from the devices
// namespace, used on MDS startup. Every loaded device starts in state
// UNKNOWN and transitions to HEALTHY/RESTORING on its first heartbeat,
// per the heartbeat processing rules.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.IteratePrefix(kvstore.NamespaceDevices, nil, nil, func(k, v []byte) (bool, error) {
			id := ID(kvstore.DecodeU64(k))
			rec, err := DecodeRecord(v)
			if err != nil {
				return false, err
			}
			dev := &Device{ID: id, Record: rec, Health: Unknown}
			m.byID[id] = dev
			m.byOwnerID[rec.Owner.OwnerID] = dev
			m.sorted = append(m.sorted, dev)
			if id >= m.nextID {
				m.nextID = id + 1
			}
			return true, nil
		})
	})
}

func (m *Manager) Get(id ID) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	return d, ok
}

// Count returns the number of known devices.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// IDs returns every known device id, the GETDEVICELIST enumeration
// primitive; order is unspecified.
func (m *Manager) IDs() []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ID, 0, len(m.byID))
	for id := range m.byID {
		out = append(out, id)
	}
	return out
}

// FleetHealthyFraction returns the fraction of known devices currently
// HEALTHY or RESTORING, used by the partition-protection check.
func (m *Manager) FleetHealthyFraction() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.byID) == 0 {
		return 1
	}
	healthy := 0
	for _, d := range m.byID {
		if d.snapshotHealth().countsTowardFleetHealth() {
			healthy++
		}
	}
	return float64(healthy) / float64(len(m.byID))
}

// AggregateStorage sums every known device's StorageStatus, implementing
// pkg/namespace.StatfsSource so the filesystem's Statfs call reflects
// the fleet's real capacity rather than a single device's.
func (m *Manager) AggregateStorage() (total, free, avail uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.byID {
		d.mu.Lock()
		total += d.Storage.Total
		free += d.Storage.Free
		avail += d.Storage.Avail
		d.mu.Unlock()
	}
	return total, free, avail
}

// resort keeps m.sorted ascending by (priority, id). Fleet sizes here are
// in the hundreds, not millions, so a full re-sort on each update is
// simpler and plenty fast.
func (m *Manager) resort() {
	sort.Slice(m.sorted, func(i, j int) bool {
		a, b := m.sorted[i], m.sorted[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// PopBestExcluding returns the highest-priority device not present in
// excluded and with Priority > 0, removing it from the candidate set (the
// caller must reinsert via ReinsertCandidate once done, per the
// placement algorithm's "temporarily remove so two picks in one call
// don't collide" rule). Returns nil if no eligible device remains.
func (m *Manager) PopBestExcluding(excluded map[ID]bool) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sorted) - 1; i >= 0; i-- {
		d := m.sorted[i]
		if d.Priority <= 0 {
			continue
		}
		if excluded[d.ID] {
			continue
		}
		m.sorted = append(m.sorted[:i], m.sorted[i+1:]...)
		return d
	}
	return nil
}

// ReinsertCandidate puts a device removed by PopBestExcluding back into
// the sorted set.
func (m *Manager) ReinsertCandidate(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sorted = append(m.sorted, d)
	m.resort()
}

// DemoteCandidate zeroes a device's placement priority and returns it
// to the candidate set. The placement loop calls this when a
// CREATEPIECE on the device fails: priority 0 keeps it out of every
// later pick until a heartbeat reports fresh capacity.
func (m *Manager) DemoteCandidate(d *Device) {
	d.mu.Lock()
	d.Priority = 0
	d.mu.Unlock()
	m.ReinsertCandidate(d)
}

// MarkMissing demotes a device to MISSING ahead of its heartbeat timer,
// used by the read path when a replica read fails: a device that is
// actively failing I/O should not keep its placement eligibility while
// waiting out the liveness deadline. The MISSING deadline is armed as
// if the timer had fired naturally, so the usual MISSING -> DEAD path
// follows unless a heartbeat arrives first.
func (m *Manager) MarkMissing(id ID) {
	m.mu.RLock()
	d, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	d.mu.Lock()
	switch d.Health {
	case Healthy, Unknown, Restoring:
		d.Health = Missing
	default:
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	m.armTimer(d)
	m.postEvent(Event{Kind: EventHealthChanged, Device: id, Health: Missing})
}

// AllHealthy returns every currently HEALTHY device, used by the repair
// engine when choosing a read source to copy from during resilver.
func (m *Manager) AllHealthy() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Device, 0, len(m.byID))
	for _, d := range m.byID {
		if d.snapshotHealth() == Healthy {
			out = append(out, d)
		}
	}
	return out
}

func recordKey(id ID) []byte { return kvstore.U64Key(uint64(id)) }

func (m *Manager) persistRecord(ctx context.Context, id ID, rec Record) error {
	return m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.Set(kvstore.NamespaceDevices, recordKey(id), EncodeRecord(rec))
	})
}

func (m *Manager) deleteRecord(ctx context.Context, id ID) error {
	return m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.Delete(kvstore.NamespaceDevices, recordKey(id))
	})
}

func fmtOwner(o Owner) string {
	return fmt.Sprintf("%x:%s", o.Verifier, o.OwnerID)
}
