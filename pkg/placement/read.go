package placement

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// Read serves a read of pid at (offset, length) by rotating through its
// replicas, retrying the next one on failure, per the read-replica
// selection rule: no single bad replica should fail a client read as
// long as one good replica remains.
func (m *Manager) Read(ctx context.Context, pid pieces.PieceID, offset uint64, length uint32) ([]byte, bool, error) {
	p, err := m.getPiece(ctx, pid)
	if err != nil {
		return nil, false, err
	}
	loc, _ := p.snapshot()
	if len(loc) == 0 {
		return nil, false, errs.NoMatchingLayout()
	}

	p.mu.Lock()
	start := p.readIdx % len(loc)
	p.mu.Unlock()

	var lastErr error
	for i := 0; i < len(loc); i++ {
		r := loc[(start+i)%len(loc)]
		dev, ok := m.devices.Get(r.Device)
		if !ok {
			lastErr = errs.NotFound("device")
			continue
		}
		data, eof, err := m.ds.ReadPiece(ctx, dev, pid, offset, length)
		if err == nil {
			p.mu.Lock()
			p.readIdx = (start + i + 1) % len(loc)
			p.mu.Unlock()
			return data, eof, nil
		}
		lastErr = err
		// A failing device loses its HEALTHY standing immediately, but
		// no resilver yet: transient failures are common, and the
		// MISSING timer decides whether this becomes a decommission.
		m.devices.MarkMissing(r.Device)
		logger.WarnCtx(ctx, "read replica failed, marked device missing, trying next", "device", r.Device, "error", err)
	}
	return nil, false, errs.IoError("all replicas failed: " + lastErr.Error())
}
