package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
	"github.com/dfr-systems/flexfiled/pkg/placement"
)

var checkReplicas int

var checkCmd = &cobra.Command{
	Use:   "check <kv-dir>",
	Short: "Report namespace inconsistencies without repairing them",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().IntVar(&checkReplicas, "replicas", placement.DefaultReplicas, "expected replica count R, for under/over-replication reporting")
}

// report accumulates findings so runCheck can print a summary and pick a
// nonzero exit status when anything was found, following the
// "report, don't fix" contract: repair stays the live resilver's job.
type report struct {
	orphanPieceEntries int
	staleRepairEntries int
	missingDevices     int
	underReplicated    int
	overReplicated     int
	piecesChecked      int
}

func runCheck(cmd *cobra.Command, args []string) error {
	kvDir := args[0]
	kv, err := kvstore.Open(kvDir)
	if err != nil {
		return fmt.Errorf("open %s: %w", kvDir, err)
	}
	defer kv.Close()

	ctx := context.Background()
	var rep report

	knownDevices := make(map[devices.ID]bool)
	if err := kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.IteratePrefix(kvstore.NamespaceDevices, nil, nil, func(k, _ []byte) (bool, error) {
			knownDevices[devices.ID(kvstore.DecodeU64(k))] = true
			return true, nil
		})
	}); err != nil {
		return fmt.Errorf("scan devices: %w", err)
	}

	// Forward pass: every entry in the data namespace is a piece's
	// replica location; check its replica count against the target and
	// that every listed device is actually known to the registry.
	if err := kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.IteratePrefix(kvstore.NamespaceData, nil, nil, func(k, v []byte) (bool, error) {
			pid, ok := placement.DecodePieceKey(k)
			if !ok {
				return true, nil
			}
			rep.piecesChecked++

			loc, err := placement.DecodeLocation(v)
			if err != nil {
				fmt.Printf("data: %s: undecodable location: %v\n", pieceLabel(pid), err)
				return true, nil
			}

			switch {
			case len(loc) < checkReplicas:
				rep.underReplicated++
				fmt.Printf("data: %s: under-replicated (%d/%d replicas)\n", pieceLabel(pid), len(loc), checkReplicas)
			case len(loc) > checkReplicas:
				rep.overReplicated++
				fmt.Printf("data: %s: over-replicated (%d/%d replicas)\n", pieceLabel(pid), len(loc), checkReplicas)
			}

			for _, r := range loc {
				if !knownDevices[r.Device] {
					rep.missingDevices++
					fmt.Printf("data: %s: replica references unknown device %d\n", pieceLabel(pid), r.Device)
				}
			}
			return true, nil
		})
	}); err != nil {
		return fmt.Errorf("scan data: %w", err)
	}

	// Reverse pass: every (devid, index) -> PieceID row in the pieces
	// namespace should have a matching forward entry listing that same
	// replica; a row with no match is an orphan left behind by an
	// incomplete saveLocation/deleteLocation pair.
	if err := kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.IteratePrefix(kvstore.NamespacePieces, nil, nil, func(k, v []byte) (bool, error) {
			dev, index, pid, ok := placement.DecodePieceEntry(k, v)
			if !ok {
				return true, nil
			}
			loc, err := loadLocationForCheck(tx, pid)
			if err != nil {
				rep.orphanPieceEntries++
				fmt.Printf("pieces: device %d %s: orphaned reverse-index entry (no data entry)\n", dev, pieceLabel(pid))
				return true, nil
			}
			found := false
			for _, r := range loc {
				if r.Device == dev && r.Index == index {
					found = true
					break
				}
			}
			if !found {
				rep.orphanPieceEntries++
				fmt.Printf("pieces: device %d %s: orphaned reverse-index entry (replica not in location)\n", dev, pieceLabel(pid))
			}
			return true, nil
		})
	}); err != nil {
		return fmt.Errorf("scan pieces: %w", err)
	}

	// Repair-log pass: the repairs namespace records pieces awaiting
	// resilver. An entry whose data entry is gone, or whose piece is
	// already at (or above) the target count, was left behind by an
	// interrupted resilver cycle.
	if err := kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.IteratePrefix(kvstore.NamespaceRepairs, nil, nil, func(k, _ []byte) (bool, error) {
			pid, ok := placement.DecodePieceKey(k)
			if !ok {
				return true, nil
			}
			loc, err := loadLocationForCheck(tx, pid)
			if err != nil {
				rep.staleRepairEntries++
				fmt.Printf("repairs: %s: stale repair-log entry (no data entry)\n", pieceLabel(pid))
				return true, nil
			}
			if len(loc) >= checkReplicas {
				rep.staleRepairEntries++
				fmt.Printf("repairs: %s: stale repair-log entry (piece fully replicated)\n", pieceLabel(pid))
			}
			return true, nil
		})
	}); err != nil {
		return fmt.Errorf("scan repairs: %w", err)
	}

	fmt.Printf("\nchecked %d pieces: %d under-replicated, %d over-replicated, %d unknown-device references, %d orphaned reverse-index entries, %d stale repair-log entries\n",
		rep.piecesChecked, rep.underReplicated, rep.overReplicated, rep.missingDevices, rep.orphanPieceEntries, rep.staleRepairEntries)

	if rep.underReplicated+rep.overReplicated+rep.missingDevices+rep.orphanPieceEntries+rep.staleRepairEntries > 0 {
		return fmt.Errorf("inconsistencies found")
	}
	return nil
}

func loadLocationForCheck(tx *kvstore.Transaction, pid pieces.PieceID) (placement.Location, error) {
	v, err := tx.Get(kvstore.NamespaceData, placement.EncodePieceKey(pid))
	if err != nil {
		return nil, err
	}
	return placement.DecodeLocation(v)
}

func pieceLabel(pid pieces.PieceID) string {
	return fmt.Sprintf("piece{file=%d,off=%d,size=%d}", pid.FileID, pid.Offset, pid.Size)
}
