// Package dataplane defines the wire shape of the DS data-plane side
// protocol: FINDPIECE, CREATEPIECE, REMOVEPIECE, READ, WRITE, and
// LISTPIECES, the small fixed-shape RPC program a client (or the MDS's
// resilver/reconciliation code) uses to reach a data server directly.
// Framing and encoding follow internal/protocol/heartbeat's convention:
// hand-written primitive XDR encoders, not a generic codec, since each
// message shape here is small and fixed.
package dataplane

import (
	"bytes"
	"fmt"

	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
)

// Op identifies which data-plane operation a request frame carries.
type Op uint8

const (
	OpFindPiece Op = iota + 1
	OpCreatePiece
	OpRemovePiece
	OpReadPiece
	OpWritePiece
	OpListPieces
)

func (o Op) String() string {
	switch o {
	case OpFindPiece:
		return "FINDPIECE"
	case OpCreatePiece:
		return "CREATEPIECE"
	case OpRemovePiece:
		return "REMOVEPIECE"
	case OpReadPiece:
		return "READ"
	case OpWritePiece:
		return "WRITE"
	case OpListPieces:
		return "LISTPIECES"
	default:
		return "UNKNOWN"
	}
}

// PieceID is the wire form of pieces.PieceID; the dataplane package does
// not import pkg/pieces to avoid a dependency cycle with pkg/placement,
// which imports both.
type PieceID struct {
	FileID uint64
	Offset uint64
	Size   uint32
}

func encodePieceID(buf *bytes.Buffer, pid PieceID) error {
	if err := xdr.WriteUint64(buf, pid.FileID); err != nil {
		return err
	}
	if err := xdr.WriteUint64(buf, pid.Offset); err != nil {
		return err
	}
	return xdr.WriteUint32(buf, pid.Size)
}

func decodePieceID(r *bytes.Reader) (PieceID, error) {
	var pid PieceID
	var err error
	if pid.FileID, err = xdr.DecodeUint64(r); err != nil {
		return pid, err
	}
	if pid.Offset, err = xdr.DecodeUint64(r); err != nil {
		return pid, err
	}
	if pid.Size, err = xdr.DecodeUint32(r); err != nil {
		return pid, err
	}
	return pid, nil
}

// PieceRequest is the argument shape shared by FINDPIECE, CREATEPIECE,
// and REMOVEPIECE: just the piece id.
type PieceRequest struct {
	Piece PieceID
}

func (r PieceRequest) Encode() []byte {
	var buf bytes.Buffer
	_ = encodePieceID(&buf, r.Piece)
	return buf.Bytes()
}

func DecodePieceRequest(b []byte) (PieceRequest, error) {
	pid, err := decodePieceID(bytes.NewReader(b))
	return PieceRequest{Piece: pid}, err
}

// ReadRequest is READ's argument: piece id plus the byte range.
type ReadRequest struct {
	Piece  PieceID
	Offset uint64
	Length uint32
}

func (r ReadRequest) Encode() []byte {
	var buf bytes.Buffer
	_ = encodePieceID(&buf, r.Piece)
	_ = xdr.WriteUint64(&buf, r.Offset)
	_ = xdr.WriteUint32(&buf, r.Length)
	return buf.Bytes()
}

func DecodeReadRequest(b []byte) (ReadRequest, error) {
	r := bytes.NewReader(b)
	pid, err := decodePieceID(r)
	if err != nil {
		return ReadRequest{}, err
	}
	off, err := xdr.DecodeUint64(r)
	if err != nil {
		return ReadRequest{}, err
	}
	length, err := xdr.DecodeUint32(r)
	if err != nil {
		return ReadRequest{}, err
	}
	return ReadRequest{Piece: pid, Offset: off, Length: length}, nil
}

// ReadResponse carries the bytes actually read and whether the read hit
// end of file.
type ReadResponse struct {
	Data []byte
	EOF  bool
}

func (r ReadResponse) Encode() []byte {
	var buf bytes.Buffer
	_ = xdr.WriteXDROpaque(&buf, r.Data)
	_ = xdr.WriteBool(&buf, r.EOF)
	return buf.Bytes()
}

func DecodeReadResponse(b []byte) (ReadResponse, error) {
	r := bytes.NewReader(b)
	data, err := xdr.DecodeOpaque(r)
	if err != nil {
		return ReadResponse{}, err
	}
	eof, err := xdr.DecodeBool(r)
	if err != nil {
		return ReadResponse{}, err
	}
	return ReadResponse{Data: data, EOF: eof}, nil
}

// WriteRequest is WRITE's argument: piece id, offset, and the bytes to
// write there.
type WriteRequest struct {
	Piece  PieceID
	Offset uint64
	Data   []byte
}

func (r WriteRequest) Encode() []byte {
	var buf bytes.Buffer
	_ = encodePieceID(&buf, r.Piece)
	_ = xdr.WriteUint64(&buf, r.Offset)
	_ = xdr.WriteXDROpaque(&buf, r.Data)
	return buf.Bytes()
}

func DecodeWriteRequest(b []byte) (WriteRequest, error) {
	r := bytes.NewReader(b)
	pid, err := decodePieceID(r)
	if err != nil {
		return WriteRequest{}, err
	}
	off, err := xdr.DecodeUint64(r)
	if err != nil {
		return WriteRequest{}, err
	}
	data, err := xdr.DecodeOpaque(r)
	if err != nil {
		return WriteRequest{}, err
	}
	return WriteRequest{Piece: pid, Offset: off, Data: data}, nil
}

// ListPiecesResponse enumerates every piece a device holds on disk, used
// by the RESTORING-device reconciliation pass.
type ListPiecesResponse struct {
	Pieces []PieceID
}

func (r ListPiecesResponse) Encode() []byte {
	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, uint32(len(r.Pieces)))
	for _, pid := range r.Pieces {
		_ = encodePieceID(&buf, pid)
	}
	return buf.Bytes()
}

func DecodeListPiecesResponse(b []byte) (ListPiecesResponse, error) {
	r := bytes.NewReader(b)
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return ListPiecesResponse{}, err
	}
	out := make([]PieceID, 0, n)
	for i := uint32(0); i < n; i++ {
		pid, err := decodePieceID(r)
		if err != nil {
			return ListPiecesResponse{}, err
		}
		out = append(out, pid)
	}
	return ListPiecesResponse{Pieces: out}, nil
}

// Status is the one-byte result code every response frame leads with.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotFound
	StatusIOError
	StatusInvalid
)

func (s Status) Error() error {
	if s == StatusOK {
		return nil
	}
	return fmt.Errorf("dataplane: %s", s)
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOTFOUND"
	case StatusIOError:
		return "IOERROR"
	case StatusInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}
