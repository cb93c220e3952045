package devices

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/logger"
)

// decommissionDevice implements the decommission rule: if strictly more
// than 50% of known devices are currently HEALTHY or RESTORING, the dead
// device is removed and every piece listing it flagged for repair;
// otherwise it is reverted to MISSING and its timer re-armed, because
// network partitions must not cause mass re-replication.
func (m *Manager) decommissionDevice(ctx context.Context, d *Device) {
	// The fraction must be computed excluding d itself reverting the
	// outcome of its own transition: d is already DEAD at this point, so
	// FleetHealthyFraction naturally excludes it from the numerator.
	frac := m.FleetHealthyFraction()

	if frac > 0.5 {
		m.mu.Lock()
		delete(m.byID, d.ID)
		delete(m.byOwnerID, d.Record.Owner.OwnerID)
		for i, sd := range m.sorted {
			if sd.ID == d.ID {
				m.sorted = append(m.sorted[:i], m.sorted[i+1:]...)
				break
			}
		}
		m.mu.Unlock()

		if err := m.deleteRecord(ctx, d.ID); err != nil {
			logger.ErrorCtx(ctx, "failed to delete decommissioned device record", "device", d.ID, "error", err)
		}
		if m.repairHook != nil {
			m.repairHook(ctx, d.ID)
		}
		m.postEvent(Event{Kind: EventDecommissioned, Device: d.ID})
		logger.InfoCtx(ctx, "decommissioned device", "device", d.ID, "fleet_healthy_fraction", frac)
		return
	}

	d.mu.Lock()
	d.Health = Missing
	d.mu.Unlock()
	m.armTimer(d)
	m.postEvent(Event{Kind: EventHealthChanged, Device: d.ID, Health: Missing})
	logger.WarnCtx(ctx, "partition protection: reverting dead device to missing", "device", d.ID, "fleet_healthy_fraction", frac)
}
