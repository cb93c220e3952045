package placement

import (
	"context"

	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// DSClient is how the placement engine reaches a data server. The actual
// RPC transport is external per the purpose & scope section ("the RPC
// framing, XDR codec... treated as external collaborators through their
// contracts"); this interface is that contract. Production code backs it
// with an NFSv4 client dialing the device's resolved address; tests back
// it with an in-memory fake.
type DSClient interface {
	CreatePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID) error
	RemovePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID) error
	ReadPiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID, offset uint64, length uint32) (data []byte, eof bool, err error)
	WritePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID, offset uint64, data []byte) error

	// ListPieces enumerates every piece dev actually holds on disk, used
	// by the RESTORING-device reconciliation pass.
	ListPieces(ctx context.Context, dev *devices.Device) ([]pieces.PieceID, error)
}

// ResilverChunkSize is the chunk size used when copying an existing
// replica's bytes to a newly added one during resilver.
const ResilverChunkSize = 32 * 1024
