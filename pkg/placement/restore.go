package placement

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// ReconciliationReport is the outcome of diffing the MDS's expectation
// of what dev holds against what DSClient.ListPieces actually reports,
// the RESTORING-device reconciliation pass.
type ReconciliationReport struct {
	// Extra are pieces dev has on disk that the MDS no longer expects it
	// to hold (e.g. resilvered elsewhere while dev was unreachable);
	// they are safe to remove from dev.
	Extra []pieces.PieceID
	// Missing are pieces the MDS expects dev to hold that it does not
	// have; the caller should flag these NeedResilver via
	// RemoveBadLocations.
	Missing []pieces.PieceID
}

// ReconcileRestoringDevice diffs the expected piece set for dev (from
// the pieces reverse index) against onDisk, as reported by the device
// itself, without mutating anything.
func (m *Manager) ReconcileRestoringDevice(ctx context.Context, dev *devices.Device, onDisk []pieces.PieceID) (ReconciliationReport, error) {
	expected, err := piecesOnDevice(ctx, m.kv, dev.ID)
	if err != nil {
		return ReconciliationReport{}, err
	}

	expectedSet := make(map[pieces.PieceID]bool, len(expected))
	for _, pid := range expected {
		expectedSet[pid] = true
	}
	onDiskSet := make(map[pieces.PieceID]bool, len(onDisk))
	for _, pid := range onDisk {
		onDiskSet[pid] = true
	}

	var report ReconciliationReport
	for pid := range onDiskSet {
		if !expectedSet[pid] {
			report.Extra = append(report.Extra, pid)
		}
	}
	for pid := range expectedSet {
		if !onDiskSet[pid] {
			report.Missing = append(report.Missing, pid)
		}
	}

	if len(report.Extra) > 0 || len(report.Missing) > 0 {
		logger.WarnCtx(ctx, "restoring device reconciliation found drift",
			"device", dev.ID, "extra", len(report.Extra), "missing", len(report.Missing))
	}
	return report, nil
}

// ApplyReconciliation removes every extra piece from dev and flags
// every missing piece's Location for resilver, completing the
// RESTORING pass before the device transitions back to HEALTHY.
func (m *Manager) ApplyReconciliation(ctx context.Context, dev *devices.Device, report ReconciliationReport) {
	for _, pid := range report.Extra {
		if err := m.ds.RemovePiece(ctx, dev, pid); err != nil {
			logger.WarnCtx(ctx, "failed to remove stray piece from restoring device", "device", dev.ID, "error", err)
		}
	}
	for _, pid := range report.Missing {
		if err := m.RemoveBadLocations(ctx, pid, map[devices.ID]bool{dev.ID: true}); err != nil {
			logger.WarnCtx(ctx, "failed to flag missing piece for resilver", "device", dev.ID, "error", err)
		}
	}
}
