package placement

import (
	"context"
	"encoding/binary"

	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// pieceKey is the data-namespace key for a piece's location: fileid (8
// bytes) ‖ offset (8 bytes) ‖ size (4 bytes), big-endian, so that keys
// for the same file sort by offset.
func pieceKey(pid pieces.PieceID) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], pid.FileID)
	binary.BigEndian.PutUint64(b[8:16], pid.Offset)
	binary.BigEndian.PutUint32(b[16:20], pid.Size)
	return b
}

// pieceEntryKey is the pieces-namespace key for one replica: devid ‖
// index, both big-endian u64s, so all of one device's entries form a
// single iterable prefix. The value is the piece's data-namespace key,
// making each entry one (devid, index) -> PieceID row of the reverse
// index: the source of truth for "what should device D have" during a
// RESTORING reconciliation or a decommission scan.
func pieceEntryKey(r Replica) []byte {
	return kvstore.U64U64Key(uint64(r.Device), r.Index)
}

// EncodePieceKey is the exported form of pieceKey, for offline tools
// (flexfsck) that need to look up a specific piece's NamespaceData entry
// directly rather than going through a Manager.
func EncodePieceKey(pid pieces.PieceID) []byte { return pieceKey(pid) }

// DecodePieceKey is the inverse of pieceKey, exported for offline tools
// (flexfsck) that walk kvstore.NamespaceData directly rather than going
// through a Manager.
func DecodePieceKey(k []byte) (pieces.PieceID, bool) {
	if len(k) != 20 {
		return pieces.PieceID{}, false
	}
	return pieces.PieceID{
		FileID: binary.BigEndian.Uint64(k[0:8]),
		Offset: binary.BigEndian.Uint64(k[8:16]),
		Size:   binary.BigEndian.Uint32(k[16:20]),
	}, true
}

// DecodePieceEntry splits one pieces-namespace row back into its
// (device, index) key and PieceID value, exported for offline tools
// (flexfsck) that walk kvstore.NamespacePieces directly.
func DecodePieceEntry(k, v []byte) (devices.ID, uint64, pieces.PieceID, bool) {
	if len(k) != 16 {
		return 0, 0, pieces.PieceID{}, false
	}
	dev, index := kvstore.DecodeU64U64(k)
	pid, ok := DecodePieceKey(v)
	if !ok {
		return 0, 0, pieces.PieceID{}, false
	}
	return devices.ID(dev), index, pid, true
}

func loadLocation(tx *kvstore.Transaction, pid pieces.PieceID) (Location, error) {
	v, err := tx.Get(kvstore.NamespaceData, pieceKey(pid))
	if err != nil {
		return nil, err
	}
	return DecodeLocation(v)
}

// saveLocation writes the forward entry (data: PieceID -> Location) and
// keeps the reverse index (pieces: (devid, index) -> PieceID) in step
// with it, adding rows for replicas that joined and deleting rows for
// replicas that left, all in the caller's transaction.
func saveLocation(tx *kvstore.Transaction, pid pieces.PieceID, loc Location, prevLoc Location) error {
	if err := tx.Set(kvstore.NamespaceData, pieceKey(pid), EncodeLocation(loc)); err != nil {
		return err
	}
	prev := map[devices.ID]Replica{}
	for _, r := range prevLoc {
		prev[r.Device] = r
	}
	cur := map[devices.ID]Replica{}
	for _, r := range loc {
		cur[r.Device] = r
	}
	for _, r := range loc {
		if _, ok := prev[r.Device]; ok {
			continue
		}
		if err := tx.Set(kvstore.NamespacePieces, pieceEntryKey(r), pieceKey(pid)); err != nil {
			return err
		}
	}
	for _, r := range prevLoc {
		if _, ok := cur[r.Device]; ok {
			continue
		}
		if err := tx.Delete(kvstore.NamespacePieces, pieceEntryKey(r)); err != nil {
			return err
		}
	}
	return nil
}

func deleteLocation(tx *kvstore.Transaction, pid pieces.PieceID, loc Location) error {
	if err := tx.Delete(kvstore.NamespaceData, pieceKey(pid)); err != nil {
		return err
	}
	for _, r := range loc {
		if err := tx.Delete(kvstore.NamespacePieces, pieceEntryKey(r)); err != nil {
			return err
		}
	}
	return clearRepairLog(tx, pid)
}

// setRepairLog records pid in the repairs namespace: presence of the
// key (the value is empty) means "under-replicated, resilver pending or
// in flight". The entry survives a restart, so LoadFromStore can rebuild
// the resilver queue from it.
func setRepairLog(tx *kvstore.Transaction, pid pieces.PieceID) error {
	return tx.Set(kvstore.NamespaceRepairs, pieceKey(pid), nil)
}

// clearRepairLog removes pid's repair-log entry once the piece is back
// at full replication (or gone entirely).
func clearRepairLog(tx *kvstore.Transaction, pid pieces.PieceID) error {
	return tx.Delete(kvstore.NamespaceRepairs, pieceKey(pid))
}

// piecesOnDevice lists every piece currently recorded as hosted on dev,
// via the reverse index.
func piecesOnDevice(ctx context.Context, kv *kvstore.Store, dev devices.ID) ([]pieces.PieceID, error) {
	var out []pieces.PieceID
	err := kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.IteratePrefix(kvstore.NamespacePieces, kvstore.U64Key(uint64(dev)), nil, func(_, v []byte) (bool, error) {
			if pid, ok := DecodePieceKey(v); ok {
				out = append(out, pid)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, errs.IoError(err.Error())
	}
	return out, nil
}
