package placement

import (
	"context"
	"fmt"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/pieces"

	"golang.org/x/sync/errgroup"
)

// Write fans a write of pid at offset out to every replica concurrently.
// A replica that fails is removed from the piece's Location (persisted)
// rather than failing the whole write, so one bad device degrades
// redundancy instead of availability; the removed replica is queued for
// resilver since it no longer holds this piece's current bytes.
func (m *Manager) Write(ctx context.Context, pid pieces.PieceID, offset uint64, data []byte) error {
	p, err := m.getPiece(ctx, pid)
	if err != nil {
		return err
	}
	loc, _ := p.snapshot()
	if len(loc) == 0 {
		return errs.NoMatchingLayout()
	}

	bad := make([]devices.ID, len(loc))
	errsPerReplica := make([]error, len(loc))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range loc {
		i, r := i, r
		g.Go(func() error {
			dev, ok := m.devices.Get(r.Device)
			if !ok {
				errsPerReplica[i] = fmt.Errorf("unknown device %d", r.Device)
				bad[i] = r.Device
				return nil
			}
			if err := m.ds.WritePiece(gctx, dev, pid, offset, data); err != nil {
				errsPerReplica[i] = err
				bad[i] = r.Device
				logger.WarnCtx(ctx, "write replica failed", "device", r.Device, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	badSet := map[devices.ID]bool{}
	okCount := 0
	for i, e := range errsPerReplica {
		if e != nil {
			badSet[bad[i]] = true
		} else {
			okCount++
		}
	}
	if okCount == 0 {
		return errs.IoError("all replicas failed write")
	}
	if len(badSet) == 0 {
		return nil
	}

	return m.RemoveBadLocations(ctx, pid, badSet)
}
