package placement

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// AddPieceLocations returns pid's current Location, placing it on
// m.replicas devices if it has none yet, then persisting the result
// transactionally.
func (m *Manager) AddPieceLocations(ctx context.Context, pid pieces.PieceID) (Location, error) {
	if err := pid.Validate(); err != nil {
		return nil, err
	}

	p, err := m.getPiece(ctx, pid)
	if err != nil && !errs.IsNotFound(err) {
		return nil, err
	}
	if p != nil {
		if loc, _ := p.snapshot(); len(loc) > 0 {
			return loc, nil
		}
	} else {
		p = &Piece{ID: pid}
	}

	created, loc, err := m.placeReplicas(ctx, pid, m.replicas, nil)
	if err != nil {
		return nil, err
	}

	err = m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		return saveLocation(tx, pid, loc, nil)
	})
	if err != nil {
		for _, d := range created {
			_ = m.ds.RemovePiece(ctx, d, pid)
		}
		return nil, err
	}

	p.mu.Lock()
	p.ID = pid
	p.Loc = loc
	p.State = Idle
	p.mu.Unlock()
	m.cache.Set(pid, p, 1)

	logger.InfoCtx(ctx, "placed piece", "fileid", pid.FileID, "offset", pid.Offset, "size", pid.Size, "replicas", len(loc))
	return loc, nil
}

// placeReplicas is the placement loop shared by first placement and
// resilver growth: pop the highest-priority device not in excluded (and
// not priority-0), CREATEPIECE on it, and on a create failure demote
// that device to priority 0 and move on to the next candidate, so a
// single bad device costs only itself. The call fails with IoError only
// when the registry runs out of eligible devices before n replicas
// exist; every piece created so far is then removed (best effort).
// Successful devices are kept out of the candidate set while the loop
// runs so two picks in one call can't collide, and reinserted before
// returning, win or lose.
func (m *Manager) placeReplicas(ctx context.Context, pid pieces.PieceID, n int, excluded map[devices.ID]bool) ([]*devices.Device, Location, error) {
	if excluded == nil {
		excluded = map[devices.ID]bool{}
	}
	created := make([]*devices.Device, 0, n)
	loc := make(Location, 0, n)
	defer func() {
		for _, d := range created {
			m.devices.ReinsertCandidate(d)
		}
	}()

	for len(created) < n {
		dev := m.devices.PopBestExcluding(excluded)
		if dev == nil {
			for _, d := range created {
				_ = m.ds.RemovePiece(ctx, d, pid)
			}
			return nil, nil, errs.IoError("not enough eligible devices for placement")
		}
		excluded[dev.ID] = true
		if err := m.ds.CreatePiece(ctx, dev, pid); err != nil {
			logger.WarnCtx(ctx, "create piece failed, demoting device", "device", dev.ID, "error", err)
			m.devices.DemoteCandidate(dev)
			continue
		}
		created = append(created, dev)
		loc = append(loc, Replica{Device: dev.ID, Index: dev.NewPieceIndex()})
	}
	return created, loc, nil
}

// Location returns pid's current replica list without placing it.
func (m *Manager) Location(ctx context.Context, pid pieces.PieceID) (Location, error) {
	p, err := m.getPiece(ctx, pid)
	if err != nil {
		return nil, err
	}
	loc, _ := p.snapshot()
	return loc, nil
}

// RemovePiece deletes pid from every replica and from persistent state.
func (m *Manager) RemovePiece(ctx context.Context, pid pieces.PieceID) error {
	p, err := m.getPiece(ctx, pid)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	loc, _ := p.snapshot()

	for _, r := range loc {
		dev, ok := m.devices.Get(r.Device)
		if !ok {
			continue
		}
		if err := m.ds.RemovePiece(ctx, dev, pid); err != nil {
			logger.WarnCtx(ctx, "remove piece replica failed", "device", r.Device, "error", err)
		}
	}

	err = m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		return deleteLocation(tx, pid, loc)
	})
	if err != nil {
		return err
	}
	m.cache.Del(pid)
	return nil
}
