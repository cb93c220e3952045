package mds

import (
	"bytes"
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/namespace"
	"github.com/dfr-systems/flexfiled/pkg/nfs4state"
	"github.com/dfr-systems/flexfiled/pkg/striping"
)

// OPEN4 share_access want-delegation bits, RFC 8881 Section 18.16.
const (
	shareAccessMask = 0x0003
	wantDelegMask   = 0xFF00
	wantReadDeleg   = 0x0100
	wantWriteDeleg  = 0x0200
	wantAnyDeleg    = 0x0300
	wantNoDeleg     = 0x0400
	wantCancelDeleg = 0x0500
)

const (
	openClaimNull     = 0
	openClaimPrevious = 1
	openClaimFH       = 4

	openNoCreate = 0
	openCreate   = 1

	createUnchecked   = 0
	createGuarded     = 1
	createExclusive   = 2
	createExclusive41 = 3

	fileSync4 = 2
)

// treeCreator adapts the namespace tree to the state manager's Creator
// contract (fileid-based, not File-based).
type treeCreator struct{ s *Server }

func (c treeCreator) Create(ctx context.Context, dir nfs4state.FileID, name string, blockSize uint32) (nfs4state.FileID, error) {
	d, err := c.s.tree.ByID(dir)
	if err != nil {
		return 0, err
	}
	f, err := c.s.tree.Create(ctx, d, name, namespace.TypeRegular, 0o644, blockSize)
	if err != nil {
		return 0, err
	}
	return f.FileID(), nil
}

func (c treeCreator) CreateExclusive(ctx context.Context, dir nfs4state.FileID, name string, blockSize uint32, verf [8]byte) (nfs4state.FileID, bool, error) {
	d, err := c.s.tree.ByID(dir)
	if err != nil {
		return 0, false, err
	}
	f, created, err := c.s.tree.CreateExclusive(ctx, d, name, 0o644, blockSize, verf)
	if err != nil {
		return 0, false, err
	}
	return f.FileID(), created, nil
}

// treeSetattr adapts the tree to the state manager's LAYOUTCOMMIT
// size-update contract.
type treeSetattr struct{ s *Server }

func (t treeSetattr) Setattr(ctx context.Context, file nfs4state.FileID, newSize uint64) error {
	f, err := t.s.tree.ByID(file)
	if err != nil {
		return err
	}
	_, err = t.s.tree.Setattr(ctx, f, &newSize, nil, nil)
	return err
}

func mapWantDeleg(shareAccess uint32) nfs4.WantDeleg4 {
	switch shareAccess & wantDelegMask {
	case wantReadDeleg:
		return nfs4.WantReadDeleg
	case wantWriteDeleg:
		return nfs4.WantWriteDeleg
	case wantAnyDeleg:
		return nfs4.WantAnyDeleg
	case wantCancelDeleg:
		return nfs4.WantCancelDeleg
	default:
		return nfs4.WantNoDeleg
	}
}

func (s *Server) opOpen(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeUint32(r); err != nil { // seqid, unused in 4.1
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	shareAccess, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	shareDeny, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	ownerClientID, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	ownerOpaque, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}

	opentype, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	createHow := nfs4.NoCreate
	var createVerf [8]byte
	var createFields setattrFields
	if opentype == openCreate {
		mode, err := xdr.DecodeUint32(r)
		if err != nil {
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		switch mode {
		case createUnchecked, createGuarded:
			createHow = nfs4.Unchecked4
			if mode == createGuarded {
				createHow = nfs4.Guarded4
			}
			if createFields, err = decodeSettableFattr(r); err != nil {
				return errResult(err)
			}
		case createExclusive:
			createHow = nfs4.Exclusive4_1
			if _, err := r.Read(createVerf[:]); err != nil {
				return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
			}
		case createExclusive41:
			createHow = nfs4.Exclusive4_1
			if _, err := r.Read(createVerf[:]); err != nil {
				return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
			}
			if createFields, err = decodeSettableFattr(r); err != nil {
				return errResult(err)
			}
		default:
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
	}

	claim, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}

	client, inSession := rq.clientID()
	if !inSession {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	if uint64(client) != ownerClientID {
		return nfs4.OpResult{Status: errs.NFS4ERR_STALE_CLIENTID}
	}

	req := nfs4state.OpenRequest{
		Client:     client,
		Owner:      nfs4.StateOwner4{ClientID: ownerClientID, Owner: string(ownerOpaque)},
		CreateHow:  createHow,
		CreateVerf: createVerf,
		BlockSize:  s.cfg.PieceSize,
		Access:     int(shareAccess & shareAccessMask),
		Deny:       int(shareDeny),
		Want:       mapWantDeleg(shareAccess),
	}
	if req.Access == 0 {
		return nfs4.OpResult{Status: errs.NFS4ERR_INVAL}
	}

	var dir, existing namespace.File
	switch claim {
	case openClaimNull:
		name, err := xdr.DecodeString(r)
		if err != nil || name == "" {
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if rq.cs.InGrace {
			return nfs4.OpResult{Status: errs.NFS4ERR_GRACE}
		}
		var serr error
		dir, serr = s.currentFile(rq)
		if serr != nil {
			return errResult(serr)
		}
		if !dir.IsDir() {
			return nfs4.OpResult{Status: errs.NFS4ERR_NOTDIR}
		}
		req.Dir = dir.FileID()
		req.Name = name
		if createHow == nfs4.NoCreate {
			f, serr := s.tree.Lookup(ctx, dir, name)
			if serr != nil {
				return errResult(serr)
			}
			existing = f
			req.File = f.FileID()
		}
	case openClaimPrevious:
		if _, err := xdr.DecodeUint32(r); err != nil { // delegate_type
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if !rq.cs.InGrace || s.state.HasReclaimComplete(client) {
			return nfs4.OpResult{Status: errs.NFS4ERR_NO_GRACE}
		}
		req.CreateHow = nfs4.NoCreate
		f, serr := s.currentFile(rq)
		if serr != nil {
			return errResult(serr)
		}
		existing = f
		req.File = f.FileID()
	case openClaimFH:
		if rq.cs.InGrace {
			return nfs4.OpResult{Status: errs.NFS4ERR_GRACE}
		}
		req.CreateHow = nfs4.NoCreate
		f, serr := s.currentFile(rq)
		if serr != nil {
			return errResult(serr)
		}
		existing = f
		req.File = f.FileID()
	default:
		return nfs4.OpResult{Status: errs.NFS4ERR_NOTSUPP}
	}

	if existing != nil && existing.IsDir() {
		return nfs4.OpResult{Status: errs.NFS4ERR_ISDIR}
	}
	// Everything this tree opens is a regular file (directories were
	// rejected just above, and creates only make regular files).
	req.IsRegular = true

	// The probe-before-delegation rule: only a GOOD back channel may
	// carry a recall, so only then is granting a delegation safe.
	if rq.sequenced && req.Want != nfs4.WantNoDeleg {
		req.BackChannel = s.state.ProbeBackChannel(ctx, rq.sessArena, s.cbProbe)
	}

	// Open resolves created files through the creator adapter; the wire
	// layer re-resolves by name afterward since OpenRequest is passed by
	// value.
	result, targets, serr := s.state.Open(ctx, treeCreator{s}, req)
	if serr != nil {
		s.issueRecalls(ctx, targets)
		return errResult(serr)
	}

	opened := existing
	if opened == nil {
		f, lerr := s.tree.Lookup(ctx, dir, req.Name)
		if lerr != nil {
			return errResult(lerr)
		}
		opened = f
	}
	rq.cs.CurrFH = s.encodeFH(opened.FileID())
	rq.cs.CurrStateid = result.Stateid
	if result.Created && (createFields.Mode != nil || createFields.Size != nil) {
		if _, aerr := s.tree.Setattr(ctx, opened, createFields.Size, createFields.Mode, nil); aerr != nil {
			return errResult(aerr)
		}
	}

	var buf bytes.Buffer
	result.Stateid.Encode(&buf)
	if dir != nil {
		dirAfter, _ := s.tree.ByID(dir.FileID())
		writeChangeInfo(&buf, dirAfter)
	} else {
		writeChangeInfo(&buf, opened)
	}
	xdr.WriteUint32(&buf, 0) // rflags
	writeBitmap(&buf, createFields.bitmap())
	writeDelegation(&buf, result)
	return okResult(buf.Bytes())
}

// writeDelegation encodes the open_delegation4 union from an OPEN's
// outcome.
func writeDelegation(buf *bytes.Buffer, result nfs4state.OpenResult) {
	if result.Delegation == nil {
		xdr.WriteUint32(buf, uint32(nfs4.OpenDelegateNone))
		return
	}
	if result.DelegationAccess&nfs4.ShareAccessWrite != 0 {
		xdr.WriteUint32(buf, uint32(nfs4.OpenDelegateWrite))
		result.Delegation.Encode(buf)
		xdr.WriteBool(buf, false) // recall
		xdr.WriteUint32(buf, 1)   // space_limit: NFS_LIMIT_SIZE
		xdr.WriteUint64(buf, nfs4.NFS4_UINT64_MAX)
		writeZeroAce(buf)
		return
	}
	xdr.WriteUint32(buf, uint32(nfs4.OpenDelegateRead))
	result.Delegation.Encode(buf)
	xdr.WriteBool(buf, false) // recall
	writeZeroAce(buf)
}

func writeZeroAce(buf *bytes.Buffer) {
	xdr.WriteUint32(buf, 0) // ACE4_ACCESS_ALLOWED_ACE_TYPE
	xdr.WriteUint32(buf, 0)
	xdr.WriteUint32(buf, 0)
	xdr.WriteXDRString(buf, "")
}

// cbProbe performs the zero-arg back-channel confirmation round trip.
// Without a wired back-channel transport it reports failure, which
// keeps delegations off the table rather than granting ones that could
// never be recalled.
func (s *Server) cbProbe(ctx context.Context) bool {
	if s.probe != nil {
		return s.probe(ctx)
	}
	return false
}

func (s *Server) opClose(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeUint32(r); err != nil { // seqid
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	sid, err := decodeStateid(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	client, ok := rq.clientID()
	if !ok {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	if serr := s.state.Close(ctx, nfs4state.CloseRequest{Client: client, Stateid: sid}); serr != nil {
		return errResult(serr)
	}
	var buf bytes.Buffer
	sid.Encode(&buf)
	return okResult(buf.Bytes())
}

func (s *Server) opDelegreturn(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	sid, err := decodeStateid(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	client, ok := rq.clientID()
	if !ok {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	if serr := s.state.DelegReturn(ctx, client, sid); serr != nil {
		return errResult(serr)
	}
	return okResult(nil)
}

func (s *Server) opRead(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := decodeStateid(r); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	offset, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	count, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if rq.cs.InGrace {
		return nfs4.OpResult{Status: errs.NFS4ERR_GRACE}
	}
	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	if f.IsDir() {
		return nfs4.OpResult{Status: errs.NFS4ERR_ISDIR}
	}
	attr := f.Attr()

	if count > s.cfg.IOSize {
		count = s.cfg.IOSize
	}
	eof := false
	if offset >= attr.Size {
		count, eof = 0, true
	} else if remaining := attr.Size - offset; uint64(count) >= remaining {
		count = uint32(remaining)
		eof = true
	}

	data, serr := s.readRange(ctx, attr, offset, count)
	if serr != nil {
		return errResult(serr)
	}

	var buf bytes.Buffer
	xdr.WriteBool(&buf, eof)
	xdr.WriteXDROpaque(&buf, data)
	return okResult(buf.Bytes())
}

// readRange assembles [offset, offset+count) from the pieces covering
// it: each piece read goes through the placement engine's replica
// rotation; a piece with no allocated location is a hole and reads as
// zeros.
func (s *Server) readRange(ctx context.Context, attr namespace.Attr, offset uint64, count uint32) ([]byte, error) {
	out := make([]byte, 0, count)
	for count > 0 {
		n := uint64(count)
		if attr.BlockSize != 0 {
			pieceEnd := striping.PieceOffset(attr.BlockSize, offset) + uint64(attr.BlockSize)
			if avail := pieceEnd - offset; n > avail {
				n = avail
			}
		}
		pid, _, err := striping.DataPiece(ctx, s.io, attr.FileID, attr.BlockSize, offset, false)
		switch {
		case errs.IsNotFound(err):
			out = append(out, make([]byte, n)...)
		case err != nil:
			return nil, err
		default:
			data, _, rerr := s.io.Read(ctx, pid, offset-pid.Offset, uint32(n))
			if rerr != nil {
				return nil, rerr
			}
			out = append(out, data...)
			if uint64(len(data)) < n {
				// Short read within an allocated piece: unwritten tail
				// reads as zeros.
				out = append(out, make([]byte, n-uint64(len(data)))...)
			}
		}
		offset += n
		count -= uint32(n)
	}
	return out, nil
}

func (s *Server) opWrite(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := decodeStateid(r); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	offset, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // stable_how: every write lands on all replicas
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	data, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if rq.cs.InGrace {
		return nfs4.OpResult{Status: errs.NFS4ERR_GRACE}
	}
	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	if f.IsDir() {
		return nfs4.OpResult{Status: errs.NFS4ERR_ISDIR}
	}
	attr := f.Attr()

	written := uint32(len(data))
	off := offset
	for len(data) > 0 {
		chunk := data
		if attr.BlockSize != 0 {
			pieceEnd := striping.PieceOffset(attr.BlockSize, off) + uint64(attr.BlockSize)
			if avail := pieceEnd - off; uint64(len(chunk)) > avail {
				chunk = chunk[:avail]
			}
		}
		pid, _, serr := striping.DataPiece(ctx, s.io, attr.FileID, attr.BlockSize, off, true)
		if serr != nil {
			return errResult(serr)
		}
		if serr := s.io.Write(ctx, pid, off-pid.Offset, chunk); serr != nil {
			return errResult(serr)
		}
		off += uint64(len(chunk))
		data = data[len(chunk):]
	}

	if end := offset + uint64(written); end > attr.Size {
		if _, serr := s.tree.Setattr(ctx, f, &end, nil, nil); serr != nil {
			return errResult(serr)
		}
	}

	var buf bytes.Buffer
	xdr.WriteUint32(&buf, written)
	xdr.WriteUint32(&buf, fileSync4)
	buf.Write(s.writeVerf[:])
	return okResult(buf.Bytes())
}

func (s *Server) opCommit(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeUint64(r); err != nil { // offset
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // count
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, serr := s.currentFile(rq); serr != nil {
		return errResult(serr)
	}
	var buf bytes.Buffer
	buf.Write(s.writeVerf[:])
	return okResult(buf.Bytes())
}

func (s *Server) opLayoutGet(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeBool(r); err != nil { // signal_layout_avail
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	layoutType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	iomode, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	offset, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	length, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint64(r); err != nil { // minlength
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := decodeStateid(r); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // maxcount
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}

	if nfs4.LayoutType4(layoutType) != nfs4.LayoutFlexFiles {
		return nfs4.OpResult{Status: errs.NFS4ERR_UNKNOWN_LAYOUTTYPE}
	}
	client, ok := rq.clientID()
	if !ok {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	if f.IsDir() {
		return nfs4.OpResult{Status: errs.NFS4ERR_ISDIR}
	}
	attr := f.Attr()

	result, serr := s.state.LayoutGet(ctx, s.io, s.devs, nfs4state.LayoutGetRequest{
		Client:    client,
		File:      attr.FileID,
		FSID:      s.fsid,
		BlockSize: attr.BlockSize,
		FileSize:  attr.Size,
		Offset:    offset,
		Length:    length,
		Iomode:    nfs4.LayoutIomode4(iomode),
	})
	if serr != nil {
		if errs.IsDelay(serr) {
			return nfs4.OpResult{Status: errs.NFS4ERR_LAYOUTTRYLATER}
		}
		return errResult(serr)
	}

	var buf bytes.Buffer
	xdr.WriteBool(&buf, false) // return on close
	result.Stateid.Encode(&buf)
	xdr.WriteUint32(&buf, uint32(len(result.Segments)))
	for _, seg := range result.Segments {
		xdr.WriteUint64(&buf, seg.Offset)
		xdr.WriteUint64(&buf, seg.Length)
		xdr.WriteUint32(&buf, uint32(seg.Iomode))
		body, berr := nfs4.EncodeFlexFileLayout(seg.Body)
		if berr != nil {
			return nfs4.OpResult{Status: errs.NFS4ERR_SERVERFAULT}
		}
		xdr.WriteUint32(&buf, uint32(nfs4.LayoutFlexFiles))
		xdr.WriteXDROpaque(&buf, body)
	}
	return okResult(buf.Bytes())
}

func (s *Server) opLayoutReturn(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeBool(r); err != nil { // reclaim
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // layout type
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // iomode
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	returnType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}

	client, ok := rq.clientID()
	if !ok {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	req := nfs4state.LayoutReturnRequest{
		Client: client,
		Type:   nfs4.LayoutReturnType4(returnType),
	}
	if req.Type == nfs4.LayoutReturnFile {
		if _, err := xdr.DecodeUint64(r); err != nil { // offset
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if _, err := xdr.DecodeUint64(r); err != nil { // length
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		sid, err := decodeStateid(r)
		if err != nil {
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if _, err := xdr.DecodeOpaque(r); err != nil { // lrf_body
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		arena, kind := nfs4state.ArenaFromStateid(sid)
		if kind != nfs4state.StateLayout {
			return nfs4.OpResult{Status: errs.NFS4ERR_BAD_STATEID}
		}
		req.State = arena

		f, serr := s.currentFile(rq)
		if serr != nil {
			return errResult(serr)
		}
		req.File = f.FileID()
	}

	if serr := s.state.LayoutReturn(ctx, req); serr != nil {
		return errResult(serr)
	}

	var buf bytes.Buffer
	if req.Type == nfs4.LayoutReturnFile {
		xdr.WriteBool(&buf, false) // lrs_present: nothing remains
	}
	return okResult(buf.Bytes())
}

func (s *Server) opLayoutCommit(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeUint64(r); err != nil { // offset
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint64(r); err != nil { // length
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeBool(r); err != nil { // reclaim
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	sid, err := decodeStateid(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	hasNewOffset, err := xdr.DecodeBool(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	var lastWrite uint64
	if hasNewOffset {
		if lastWrite, err = xdr.DecodeUint64(r); err != nil {
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
	}
	hasTime, err := xdr.DecodeBool(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if hasTime {
		if _, err := xdr.DecodeUint64(r); err != nil { // seconds
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if _, err := xdr.DecodeUint32(r); err != nil { // nseconds
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // layoutupdate type
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeOpaque(r); err != nil { // layoutupdate body
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}

	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	attr := f.Attr()

	arena, kind := nfs4state.ArenaFromStateid(sid)
	if kind != nfs4state.StateLayout {
		return nfs4.OpResult{Status: errs.NFS4ERR_BAD_STATEID}
	}

	var buf bytes.Buffer
	if !hasNewOffset {
		xdr.WriteBool(&buf, false)
		return okResult(buf.Bytes())
	}

	result, serr := s.state.LayoutCommit(ctx, treeSetattr{s}, attr.Size, nfs4state.LayoutCommitRequest{
		State:           arena,
		LastWriteOffset: lastWrite + 1,
	})
	if serr != nil {
		return errResult(serr)
	}
	if result.Grew {
		xdr.WriteBool(&buf, true)
		xdr.WriteUint64(&buf, result.NewSize)
	} else {
		xdr.WriteBool(&buf, false)
	}
	return okResult(buf.Bytes())
}

func (s *Server) opGetDeviceInfo(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	var devID nfs4.DeviceID4
	if _, err := r.Read(devID[:]); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	layoutType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // maxcount
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := decodeBitmap(r); err != nil { // notify types
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if nfs4.LayoutType4(layoutType) != nfs4.LayoutFlexFiles {
		return nfs4.OpResult{Status: errs.NFS4ERR_UNKNOWN_LAYOUTTYPE}
	}

	addr, serr := s.state.GetDeviceInfo(s.devs, devID)
	if serr != nil {
		return errResult(serr)
	}
	body, berr := nfs4.EncodeDeviceAddr(addr)
	if berr != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_SERVERFAULT}
	}

	var buf bytes.Buffer
	xdr.WriteUint32(&buf, uint32(nfs4.LayoutFlexFiles))
	xdr.WriteXDROpaque(&buf, body)
	writeBitmap(&buf, nil) // no notifications
	return okResult(buf.Bytes())
}

func (s *Server) opGetDeviceList(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	layoutType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // maxdevices
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint64(r); err != nil { // cookie
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	var verf [8]byte
	if _, err := r.Read(verf[:]); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if nfs4.LayoutType4(layoutType) != nfs4.LayoutFlexFiles {
		return nfs4.OpResult{Status: errs.NFS4ERR_UNKNOWN_LAYOUTTYPE}
	}

	ids := s.state.GetDeviceList(s.devs)
	var buf bytes.Buffer
	xdr.WriteUint64(&buf, 0)   // cookie
	buf.Write(make([]byte, 8)) // cookieverf
	xdr.WriteUint32(&buf, uint32(len(ids)))
	for _, id := range ids {
		buf.Write(id[:])
	}
	xdr.WriteBool(&buf, true) // eof
	return okResult(buf.Bytes())
}
