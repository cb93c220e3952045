package devices

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/bytesize"
	"github.com/dfr-systems/flexfiled/internal/logger"
)

// Status is the STATUS heartbeat payload a DS sends periodically,
// carrying its owner verifier and free-space summary.
type Status struct {
	Owner       Owner
	UAddrs      []string
	AdminUAddrs []string
	Storage     StorageStatus
}

// ProcessHeartbeat implements the seven-step heartbeat processing rule
// from the device registry design. remoteHost is the address the RPC
// channel carrying this heartbeat arrived from, used for wildcard uaddr
// resolution.
func (m *Manager) ProcessHeartbeat(ctx context.Context, st Status, remoteHost string) error {
	m.mu.Lock()
	dev, existed := m.byOwnerID[st.Owner.OwnerID]
	m.mu.Unlock()

	if !existed {
		return m.admitNewDevice(ctx, st, remoteHost)
	}

	dev.mu.Lock()
	prevHealth := dev.Health
	restartedVerifier := dev.Record.Owner.Verifier != st.Owner.Verifier
	addrsChanged := !stringSlicesEqual(dev.Record.UAddrs, st.UAddrs) ||
		!stringSlicesEqual(dev.Record.AdminUAddrs, st.AdminUAddrs)

	dev.Record.Owner = st.Owner
	dev.Record.UAddrs = st.UAddrs
	dev.Record.AdminUAddrs = st.AdminUAddrs
	dev.Storage = st.Storage

	switch {
	case restartedVerifier:
		dev.Health = Restoring
	case prevHealth == Missing || prevHealth == Dead:
		dev.Health = Restoring
	case prevHealth == Unknown:
		dev.Health = Healthy
	}

	if addrsChanged {
		dev.ResolvedAddrs = resolveAll(st.UAddrs, remoteHost)
		dev.ResolvedAdminAddrs = resolveAll(st.AdminUAddrs, remoteHost)
	}

	if dev.Storage.Total > 0 {
		dev.Priority = float32(dev.Storage.Avail) / float32(dev.Storage.Total)
	} else {
		dev.Priority = 0
	}
	newHealth := dev.Health
	id := dev.ID
	dev.mu.Unlock()

	m.mu.Lock()
	m.resort()
	m.mu.Unlock()

	m.armTimer(dev)

	if addrsChanged {
		m.postEvent(Event{Kind: EventAddressChanged, Device: id})
	}
	if newHealth != prevHealth {
		m.postEvent(Event{Kind: EventHealthChanged, Device: id, Health: newHealth})
	}

	if err := m.persistRecord(ctx, id, dev.Record); err != nil {
		return err
	}

	if newHealth == Restoring && prevHealth != Restoring {
		logger.InfoCtx(ctx, "device entering restoring", "device", id)
	}
	return nil
}

func (m *Manager) admitNewDevice(ctx context.Context, st Status, remoteHost string) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++

	dev := &Device{
		ID:                 id,
		Record:             Record{Owner: st.Owner, UAddrs: st.UAddrs, AdminUAddrs: st.AdminUAddrs},
		ResolvedAddrs:      resolveAll(st.UAddrs, remoteHost),
		ResolvedAdminAddrs: resolveAll(st.AdminUAddrs, remoteHost),
		Storage:            st.Storage,
		Health:             Unknown,
	}
	if st.Storage.Total > 0 {
		dev.Priority = float32(st.Storage.Avail) / float32(st.Storage.Total)
	}
	m.byOwnerID[st.Owner.OwnerID] = dev
	m.byID[id] = dev
	m.sorted = append(m.sorted, dev)
	m.resort()
	m.mu.Unlock()

	if m.isMaster() {
		dev.mu.Lock()
		dev.Health = Restoring
		dev.mu.Unlock()
		m.postEvent(Event{Kind: EventHealthChanged, Device: id, Health: Restoring})
	}

	m.armTimer(dev)

	logger.InfoCtx(ctx, "admitted new device", "device", id, "owner", st.Owner.OwnerID,
		"total", bytesize.ByteSize(st.Storage.Total).String(),
		"avail", bytesize.ByteSize(st.Storage.Avail).String())
	return m.persistRecord(ctx, id, dev.Record)
}
