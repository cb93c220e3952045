// Package pieces implements Component A, the DS-local piece store: the
// only component that owns the bytes of a piece, identified by
// (fileid, offset, size), on a conventional directory tree.
package pieces

import (
	"fmt"
	"math/bits"

	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// SizeZeroSentinel is the log2(size) value standing for "size == 0",
// meaning one piece covers the whole file up to 2^64 bytes.
const SizeZeroSentinel = 64

// RootPieceID is reserved to denote the filesystem root directory.
var RootPieceID = PieceID{}

// PieceID identifies a contiguous byte range of a single file: the unit
// of striping and replication.
type PieceID struct {
	FileID uint64
	Offset uint64
	Size   uint32
}

// Validate enforces the invariants from the data model: Size is 0 or a
// power of two; Offset is a multiple of Size when Size > 0; Offset is
// always a multiple of 128.
func (p PieceID) Validate() error {
	if p.Offset%128 != 0 {
		return errs.InvalidArgument(fmt.Sprintf("piece offset %d is not a multiple of 128", p.Offset))
	}
	if p.Size == 0 {
		return nil
	}
	if p.Size&(p.Size-1) != 0 {
		return errs.InvalidArgument(fmt.Sprintf("piece size %d is not a power of two", p.Size))
	}
	if p.Offset%uint64(p.Size) != 0 {
		return errs.InvalidArgument(fmt.Sprintf("piece offset %d is not a multiple of size %d", p.Offset, p.Size))
	}
	return nil
}

// IsRoot reports whether this is the reserved (0,0,0) root PieceID.
func (p PieceID) IsRoot() bool {
	return p == RootPieceID
}

// log2Size returns log2(Size), or SizeZeroSentinel when Size == 0.
func (p PieceID) log2Size() uint {
	if p.Size == 0 {
		return SizeZeroSentinel
	}
	return uint(bits.TrailingZeros32(p.Size))
}

// sizeFromLog2 is the inverse of log2Size.
func sizeFromLog2(l uint) uint32 {
	if l == SizeZeroSentinel {
		return 0
	}
	return 1 << l
}

// indexWithinShift returns offset >> log2(size), used as the final "O"
// path component and, when size==0, is simply 0.
func (p PieceID) indexWithinShift() uint64 {
	l := p.log2Size()
	if l == SizeZeroSentinel {
		return 0
	}
	return p.Offset >> l
}

// leafName renders the on-disk leaf-name form "<log2size>-<offset>>log2size>"
// used both as the path component and as the name emitted by the
// enumeration cursor.
func (p PieceID) leafName() string {
	return fmt.Sprintf("%d-%d", p.log2Size(), p.indexWithinShift())
}

// EncodeFileHandle encodes a data-store file handle: fsid ‖ fileid:u64 ‖
// offset:u64 ‖ size:u32, per the data model's FileHandle format.
func EncodeFileHandle(fsid [16]byte, p PieceID) []byte {
	out := make([]byte, 16+8+8+4)
	copy(out[0:16], fsid[:])
	putU64(out[16:24], p.FileID)
	putU64(out[24:32], p.Offset)
	putU32(out[32:36], p.Size)
	return out
}

// DecodeFileHandle is the inverse of EncodeFileHandle.
func DecodeFileHandle(fh []byte) (fsid [16]byte, p PieceID, err error) {
	if len(fh) != 36 {
		return fsid, p, errs.StaleHandle()
	}
	copy(fsid[:], fh[0:16])
	p.FileID = getU64(fh[16:24])
	p.Offset = getU64(fh[24:32])
	p.Size = getU32(fh[32:36])
	return fsid, p, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[3-i] = byte(v >> (8 * i))
	}
}

func getU32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}
