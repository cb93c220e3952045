// Package striping implements the striped file I/O layer: the
// MDS-side offset-to-piece mapping every READ/WRITE/LAYOUTGET consults,
// and the client-side write cache this core uses when it plays NFS
// client against a further, upstream DS.
package striping

import (
	"context"

	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
	"github.com/dfr-systems/flexfiled/pkg/placement"
)

// Placer is the narrow slice of pkg/placement.Manager this package
// drives: look up an existing piece's location, or place one on first
// write. Declared here (not imported as *placement.Manager directly in
// the exported signature) so a test can substitute a fake.
type Placer interface {
	Location(ctx context.Context, pid pieces.PieceID) (placement.Location, error)
	AddPieceLocations(ctx context.Context, pid pieces.PieceID) (placement.Location, error)
}

// DataPiece returns the Piece covering offset in the file identified by
// fileid:
//
//	bn        = blockSize == 0 ? 0 : offset / blockSize
//	piece_off = bn * blockSize
//	pid       = {fileid, piece_off, blockSize}
//
// On a miss with forWriting set, the piece is allocated via the
// placement engine; on a miss without forWriting, errs.NotFound is
// returned unchanged so the caller can report a hole/short read.
func DataPiece(ctx context.Context, p Placer, fileid uint64, blockSize uint32, offset uint64, forWriting bool) (pieces.PieceID, placement.Location, error) {
	pieceOff := PieceOffset(blockSize, offset)
	pid := pieces.PieceID{FileID: fileid, Offset: pieceOff, Size: blockSize}
	if err := pid.Validate(); err != nil {
		return pid, nil, err
	}

	if forWriting {
		loc, err := p.AddPieceLocations(ctx, pid)
		return pid, loc, err
	}

	loc, err := p.Location(ctx, pid)
	if err != nil {
		return pid, nil, err
	}
	if len(loc) == 0 {
		return pid, nil, errs.NotFound("no piece allocated at this offset")
	}
	return pid, loc, nil
}

// PieceOffset computes piece_off for a given blockSize/offset pair,
// factored out of DataPiece so LAYOUTGET's segment enumeration (which
// needs to walk consecutive piece offsets without a placement lookup
// per step) can reuse it directly.
func PieceOffset(blockSize uint32, offset uint64) uint64 {
	if blockSize == 0 {
		return 0
	}
	bn := offset / uint64(blockSize)
	return bn * uint64(blockSize)
}

// NextPieceOffset returns the offset of the piece immediately following
// the one covering offset, or false if blockSize==0 (a single piece
// covers the whole file, so there is no "next").
func NextPieceOffset(blockSize uint32, offset uint64) (uint64, bool) {
	if blockSize == 0 {
		return 0, false
	}
	return PieceOffset(blockSize, offset) + uint64(blockSize), true
}
