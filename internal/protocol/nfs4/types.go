// Package nfs4 implements the NFSv4.1 COMPOUND wire protocol and the
// flex-files (RFC 8435) pNFS layout type: the opcodes, argument/result
// structs, stateids, session/client identifiers, and attribute bitmap
// this core's metadata and data servers speak over RPC. It builds on
// internal/protocol/xdr's primitive encode/decode helpers, plus
// github.com/rasky/go-xdr for the one place a generic struct-tag codec
// is simpler than hand-written Encode/Decode: the flex-files layout
// body and device address list (see layout.go).
package nfs4

import (
	"bytes"

	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
)

// Stateid4 is the 16-byte stateid: (seqid, other), RFC 8881 Section 2.3.
type Stateid4 struct {
	Seqid uint32
	Other [12]byte
}

// AnonStateid is the reserved "no state" stateid, used for flex-files
// mirror descriptors that carry no per-DS state (ffds_stateid = ANON).
var AnonStateid = Stateid4{}

// SameOther reports whether s and o share the same 12-byte "other"
// component, ignoring seqid: the comparison used for stateid lookup.
func (s Stateid4) SameOther(o Stateid4) bool { return s.Other == o.Other }

func (s Stateid4) Encode(buf *bytes.Buffer) error {
	if err := xdr.WriteUint32(buf, s.Seqid); err != nil {
		return err
	}
	_, err := buf.Write(s.Other[:])
	return err
}

func (s *Stateid4) Decode(r *bytes.Reader) error {
	seqid, err := xdr.DecodeUint32(r)
	if err != nil {
		return err
	}
	s.Seqid = seqid
	_, err = r.Read(s.Other[:])
	return err
}

// SessionID4 is the 16-byte session identifier.
type SessionID4 [16]byte

// ClientOwner4 identifies a client instance across restarts: a verifier
// plus an opaque owner id (co_ownerid, <=1024 bytes per the data model).
type ClientOwner4 struct {
	Verifier [8]byte
	OwnerID  string
}

// StateOwner4 (open_owner4 / lock_owner4) identifies an owner within a
// client: the clientid plus an opaque owner string.
type StateOwner4 struct {
	ClientID uint64
	Owner    string
}

// ShareAccess / ShareDeny bitmasks, RFC 8881 Section 18.16.
const (
	ShareAccessRead  = 1
	ShareAccessWrite = 2
	ShareAccessBoth  = ShareAccessRead | ShareAccessWrite

	ShareDenyNone  = 0
	ShareDenyRead  = 1
	ShareDenyWrite = 2
	ShareDenyBoth  = ShareDenyRead | ShareDenyWrite
)

// CreateHow4 tags an OPEN's create disposition.
type CreateHow4 int

const (
	NoCreate CreateHow4 = iota
	Unchecked4
	Guarded4
	Exclusive4_1
)

// ClaimType4 tags how an OPEN's file is identified / what state it
// reclaims.
type ClaimType4 int

const (
	ClaimNull ClaimType4 = iota
	ClaimPrevious
	ClaimDelegateCur
	ClaimDelegatePrev
	ClaimFH
	ClaimDelegCurFH
	ClaimDelegPrevFH
)

// WantDeleg4 is the delegation hint carried on OPEN, RFC 8881
// Section 18.16: want_delegation.
type WantDeleg4 int

const (
	WantNoDeleg WantDeleg4 = iota
	WantReadDeleg
	WantWriteDeleg
	WantAnyDeleg
	WantCancelDeleg
	WantPushDeleg
)

// OpenDelegationType4 is what OPEN actually granted.
type OpenDelegationType4 int

const (
	OpenDelegateNone OpenDelegationType4 = iota
	OpenDelegateRead
	OpenDelegateWrite
	OpenDelegateNoneExt
)

// LayoutType4 identifies a pNFS layout type; this core implements only
// flex-files.
type LayoutType4 uint32

const LayoutFlexFiles LayoutType4 = 4

// LayoutIomode4 is the I/O mode a layout or layout segment covers.
type LayoutIomode4 int

const (
	LayoutIomodeRead LayoutIomode4 = iota + 1
	LayoutIomodeRW
	LayoutIomodeAny
)

// LayoutReturnType4 distinguishes a single-file LAYOUTRETURN from a
// filesystem-wide or whole-client one.
type LayoutReturnType4 int

const (
	LayoutReturnFile LayoutReturnType4 = iota + 1
	LayoutReturnFSID
	LayoutReturnAll
)

// NFS4_UINT64_MAX is the sentinel "to end of file" length, used for a
// layout segment's reported length on the last piece or a size-0 file.
const NFS4_UINT64_MAX = ^uint64(0)
