package placement

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// RemoveBadLocations strips the devices in bad out of pid's Location,
// persists the result along with a repair-log entry, marks the piece
// NeedResilver, and queues it for the resilver scheduler. If bad covers
// the entire location the piece is lost (nothing remains to resilver
// from) and IoError propagates without touching state.
func (m *Manager) RemoveBadLocations(ctx context.Context, pid pieces.PieceID, bad map[devices.ID]bool) error {
	p, err := m.getPiece(ctx, pid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	prev := make(Location, len(p.Loc))
	copy(prev, p.Loc)
	next := p.Loc.without(bad)
	if len(next) == 0 {
		p.mu.Unlock()
		return errs.IoError("every replica of the piece is bad; piece is lost")
	}
	p.Loc = next
	p.State = NeedResilver
	p.mu.Unlock()

	err = m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		if err := saveLocation(tx, pid, next, prev); err != nil {
			return err
		}
		return setRepairLog(tx, pid)
	})
	if err != nil {
		return err
	}

	logger.WarnCtx(ctx, "removed bad replicas, piece needs resilver", "fileid", pid.FileID, "offset", pid.Offset, "size", pid.Size, "removed", len(bad))
	m.enqueueResilver(pid)
	return nil
}
