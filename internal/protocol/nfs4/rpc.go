package nfs4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
)

// MaxRecordSize bounds one reassembled RPC record (a COMPOUND call or
// reply). internal/protocol/dataplane's framing doc comment calls out
// this package's record marking as the sibling convention it deliberately
// does not need; this is that convention.
const MaxRecordSize = 4 << 20

const lastFragmentFlag = uint32(1) << 31

// ReadRecord reassembles one ONC RPC record marking (RFC 1831 Section 10)
// stream into a single buffer: each fragment is a 4-byte big-endian
// header (top bit: last-fragment flag, low 31 bits: fragment length)
// followed by that many bytes.
func ReadRecord(r io.Reader) ([]byte, error) {
	var out []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		word := binary.BigEndian.Uint32(hdr[:])
		last := word&lastFragmentFlag != 0
		n := word &^ lastFragmentFlag
		if uint64(len(out))+uint64(n) > MaxRecordSize {
			return nil, fmt.Errorf("nfs4: record of at least %d bytes exceeds max %d", len(out)+int(n), MaxRecordSize)
		}
		frag := make([]byte, n)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		out = append(out, frag...)
		if last {
			return out, nil
		}
	}
}

// WriteRecord frames body as a single, final fragment: every reply this
// server produces is small enough that multi-fragment replies are never
// needed.
func WriteRecord(w io.Writer, body []byte) error {
	if len(body) > MaxRecordSize {
		return fmt.Errorf("nfs4: record of %d bytes exceeds max %d", len(body), MaxRecordSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], lastFragmentFlag|uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// RPC program/procedure numbers this server answers, RFC 8881 Section 1.
const (
	ProgNFS      = 100003
	NFSVersion4  = 4
	ProcNull     = 0
	ProcCompound = 1

	msgTypeCall  = 0
	msgTypeReply = 1

	replyMsgAccepted       = 0
	acceptStatSuccess      = 0
	acceptStatProgMismatch = 2
	acceptStatProcUnavail  = 3

	authFlavorNone = 0
)

// CallHeader is the ONC RPC call header preceding a COMPOUND argument,
// RFC 1831 Section 9's rpc_msg/call_body. Credential bodies are not
// enforced (authentication flavors sit at the transport boundary, an
// external-collaborator concern), but an AUTH_SYS credential's machine
// name is surfaced as Principal for the client table.
type CallHeader struct {
	Xid       uint32
	Vers      uint32
	Proc      uint32
	Principal string
}

// DecodeCallHeader reads and validates an RPC call header from the front
// of one reassembled record, returning a reader positioned at the start
// of the procedure's own argument (the COMPOUND op list, for
// ProcCompound).
func DecodeCallHeader(record []byte) (CallHeader, *bytes.Reader, error) {
	r := bytes.NewReader(record)
	xid, err := xdr.DecodeUint32(r)
	if err != nil {
		return CallHeader{}, nil, err
	}
	msgType, err := xdr.DecodeUint32(r)
	if err != nil {
		return CallHeader{}, nil, err
	}
	if msgType != msgTypeCall {
		return CallHeader{}, nil, fmt.Errorf("nfs4: not a CALL message: %d", msgType)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // rpcvers, always 2
		return CallHeader{}, nil, err
	}
	prog, err := xdr.DecodeUint32(r)
	if err != nil {
		return CallHeader{}, nil, err
	}
	vers, err := xdr.DecodeUint32(r)
	if err != nil {
		return CallHeader{}, nil, err
	}
	proc, err := xdr.DecodeUint32(r)
	if err != nil {
		return CallHeader{}, nil, err
	}
	principal, err := readCred(r)
	if err != nil {
		return CallHeader{}, nil, err
	}
	if err := skipOpaqueAuth(r); err != nil { // verf
		return CallHeader{}, nil, err
	}
	if prog != ProgNFS {
		return CallHeader{}, nil, fmt.Errorf("nfs4: unexpected program %d", prog)
	}
	return CallHeader{Xid: xid, Vers: vers, Proc: proc, Principal: principal}, r, nil
}

// readCred consumes the call's credential opaque_auth and, for AUTH_SYS,
// extracts the machine name as the caller's principal string.
func readCred(r *bytes.Reader) (string, error) {
	flavor, err := xdr.DecodeUint32(r)
	if err != nil {
		return "", err
	}
	body, err := xdr.DecodeOpaque(r)
	if err != nil {
		return "", err
	}
	if flavor != 1 { // AUTH_SYS
		return "", nil
	}
	br := bytes.NewReader(body)
	if _, err := xdr.DecodeUint32(br); err != nil { // stamp
		return "", err
	}
	name, err := xdr.DecodeString(br)
	if err != nil {
		return "", err
	}
	return name, nil
}

// skipOpaqueAuth consumes one opaque_auth: a 4-byte flavor followed by a
// length-prefixed, padded opaque body.
func skipOpaqueAuth(r *bytes.Reader) error {
	if _, err := xdr.DecodeUint32(r); err != nil {
		return err
	}
	_, err := xdr.DecodeOpaque(r)
	return err
}

// EncodeReplyHeader writes the ONC RPC success reply header (REPLY,
// MSG_ACCEPTED, AUTH_NONE verifier, SUCCESS) that precedes a COMPOUND
// result.
func EncodeReplyHeader(buf *bytes.Buffer, xid uint32) error {
	return encodeAcceptedReplyHeader(buf, xid, acceptStatSuccess)
}

// EncodeProcUnavailReply writes a complete RPC-level PROC_UNAVAIL reply,
// used when a call names a procedure other than NULL/COMPOUND.
func EncodeProcUnavailReply(buf *bytes.Buffer, xid uint32) error {
	return encodeAcceptedReplyHeader(buf, xid, acceptStatProcUnavail)
}

// EncodeProgMismatchReply writes a complete RPC-level PROG_MISMATCH
// reply: the accepted-reply header followed by the low/high version
// numbers RFC 1831 appends to this particular accept_stat (both 4).
func EncodeProgMismatchReply(buf *bytes.Buffer, xid uint32) error {
	if err := encodeAcceptedReplyHeader(buf, xid, acceptStatProgMismatch); err != nil {
		return err
	}
	if err := xdr.WriteUint32(buf, NFSVersion4); err != nil {
		return err
	}
	return xdr.WriteUint32(buf, NFSVersion4)
}

func encodeAcceptedReplyHeader(buf *bytes.Buffer, xid uint32, acceptStat uint32) error {
	if err := xdr.WriteUint32(buf, xid); err != nil {
		return err
	}
	if err := xdr.WriteUint32(buf, msgTypeReply); err != nil {
		return err
	}
	if err := xdr.WriteUint32(buf, replyMsgAccepted); err != nil {
		return err
	}
	if err := xdr.WriteUint32(buf, authFlavorNone); err != nil { // verf flavor
		return err
	}
	if err := xdr.WriteXDROpaque(buf, nil); err != nil { // verf body, empty
		return err
	}
	return xdr.WriteUint32(buf, acceptStat)
}
