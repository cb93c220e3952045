package devices

import (
	"context"
	"math/rand"
	"time"
)

// RealClock is the production Clock, backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// jitter returns d randomized by ±h/8, to avoid every device's timer
// firing in lockstep.
func jitter(d, h time.Duration) time.Duration {
	eighth := h / 8
	if eighth <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(2*eighth))) - eighth
	return d + delta
}

// armTimer resets a device's liveness deadline per its current health:
// HEALTHY/UNKNOWN/RESTORING -> MISSING after 2H±H/8;
// MISSING -> DEAD after 8H±H/8.
func (m *Manager) armTimer(d *Device) {
	now := m.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.Health {
	case Healthy, Unknown, Restoring:
		d.deadline = now.Add(jitter(2*m.heartbeatInterval, m.heartbeatInterval))
	case Missing:
		d.deadline = now.Add(jitter(8*m.heartbeatInterval, m.heartbeatInterval))
	case Dead:
		// Dead devices are decommissioned or reverted immediately; no
		// further timer is armed here.
	}
}

// Sweep advances every device whose deadline has elapsed, transitioning
// HEALTHY/UNKNOWN/RESTORING -> MISSING or MISSING -> DEAD (triggering
// decommission). Call periodically from the MDS's socket-manager
// goroutine.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock.Now()

	m.mu.RLock()
	candidates := make([]*Device, 0, len(m.byID))
	for _, d := range m.byID {
		candidates = append(candidates, d)
	}
	m.mu.RUnlock()

	for _, d := range candidates {
		d.mu.Lock()
		if d.deadline.IsZero() || now.Before(d.deadline) {
			d.mu.Unlock()
			continue
		}
		switch d.Health {
		case Healthy, Unknown, Restoring:
			d.Health = Missing
			d.mu.Unlock()
			m.armTimer(d)
			m.postEvent(Event{Kind: EventHealthChanged, Device: d.ID, Health: Missing})
		case Missing:
			d.Health = Dead
			d.mu.Unlock()
			m.postEvent(Event{Kind: EventHealthChanged, Device: d.ID, Health: Dead})
			m.decommissionDevice(ctx, d)
		default:
			d.mu.Unlock()
		}
	}
}
