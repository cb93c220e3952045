package mds

import (
	"bytes"
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/nfs4state"
)

// EXCHANGE_ID flags, RFC 8881 Section 18.35.
const (
	exchgidFlagUpdConfirmedRecA = 0x40000000
	exchgidFlagConfirmedR       = 0x80000000
	exchgidFlagUsePNFSMDS       = 0x00020000
)

const (
	authNone = 0
	authSys  = 1
)

type sequenceArgs struct {
	SessionID   nfs4.SessionID4
	Sequence    uint32
	Slot        uint32
	HighestSlot uint32
	CacheThis   bool
}

func decodeSequenceArgs(r *bytes.Reader) (sequenceArgs, error) {
	var a sequenceArgs
	if _, err := r.Read(a.SessionID[:]); err != nil {
		return a, err
	}
	var err error
	if a.Sequence, err = xdr.DecodeUint32(r); err != nil {
		return a, err
	}
	if a.Slot, err = xdr.DecodeUint32(r); err != nil {
		return a, err
	}
	if a.HighestSlot, err = xdr.DecodeUint32(r); err != nil {
		return a, err
	}
	if a.CacheThis, err = xdr.DecodeBool(r); err != nil {
		return a, err
	}
	return a, nil
}

// encodeSequenceResult renders SEQUENCE4resok from the slot state the
// pre-dispatch step resolved. SEQUENCE has no entry in the op table:
// processSequenced decodes its arguments and runs the slot machinery.
func (s *Server) encodeSequenceResult(rq *request) nfs4.OpResult {
	var buf bytes.Buffer
	buf.Write(rq.seqArgs.SessionID[:])
	xdr.WriteUint32(&buf, rq.seqArgs.Sequence)
	xdr.WriteUint32(&buf, rq.seqArgs.Slot)
	xdr.WriteUint32(&buf, rq.seq.HighestSlot)
	xdr.WriteUint32(&buf, rq.seq.HighestSlot)
	xdr.WriteUint32(&buf, 0) // status flags
	return okResult(buf.Bytes())
}

func (s *Server) opExchangeID(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	var owner nfs4.ClientOwner4
	if _, err := r.Read(owner.Verifier[:]); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	ownerID, err := xdr.DecodeOpaque(r)
	if err != nil || len(ownerID) > 1024 {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	owner.OwnerID = string(ownerID)

	flags, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	spHow, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if spHow != 0 { // SP4_NONE only
		return nfs4.OpResult{Status: errs.NFS4ERR_ENCR_ALG_UNSUPP}
	}
	implCount, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	for i := uint32(0); i < implCount; i++ {
		if _, err := xdr.DecodeString(r); err != nil { // nii_domain
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if _, err := xdr.DecodeString(r); err != nil { // nii_name
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if _, err := xdr.DecodeUint64(r); err != nil { // nii_date seconds
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
		if _, err := xdr.DecodeUint32(r); err != nil { // nii_date nseconds
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
	}

	update := flags&exchgidFlagUpdConfirmedRecA != 0
	res, serr := s.state.ExchangeID(ctx, owner, rq.principal, update)
	if serr != nil {
		if e, ok := serr.(*errs.Error); ok {
			switch e.Kind {
			case errs.KindAccessDenied:
				return nfs4.OpResult{Status: errs.NFS4ERR_CLID_INUSE}
			case errs.KindInvalidArgument:
				return nfs4.OpResult{Status: errs.NFS4ERR_NOT_SAME}
			}
		}
		return errResult(serr)
	}

	outFlags := uint32(exchgidFlagUsePNFSMDS)
	if res.Case == nfs4state.CaseConfirmedSameVerifier || res.Case == nfs4state.CaseUpdateConfirmed {
		outFlags |= exchgidFlagConfirmedR
	}

	var buf bytes.Buffer
	xdr.WriteUint64(&buf, uint64(res.Client.ID))
	xdr.WriteUint32(&buf, res.Client.CreateSessionSeqid())
	xdr.WriteUint32(&buf, outFlags)
	xdr.WriteUint32(&buf, 0) // state_protect: SP4_NONE
	xdr.WriteUint64(&buf, 0) // server_owner.so_minor_id
	xdr.WriteXDROpaque(&buf, s.fsid[:])
	xdr.WriteXDROpaque(&buf, s.fsid[:]) // server scope
	xdr.WriteUint32(&buf, 0)            // impl id array
	return okResult(buf.Bytes())
}

// channelAttrs is channel_attrs4.
type channelAttrs struct {
	HeaderPad       uint32
	MaxRequestSize  uint32
	MaxResponseSize uint32
	MaxRespCached   uint32
	MaxOperations   uint32
	MaxRequests     uint32
}

func decodeChannelAttrs(r *bytes.Reader) (channelAttrs, error) {
	var a channelAttrs
	fields := []*uint32{&a.HeaderPad, &a.MaxRequestSize, &a.MaxResponseSize, &a.MaxRespCached, &a.MaxOperations, &a.MaxRequests}
	for _, f := range fields {
		v, err := xdr.DecodeUint32(r)
		if err != nil {
			return a, err
		}
		*f = v
	}
	rdmaCount, err := xdr.DecodeUint32(r)
	if err != nil {
		return a, err
	}
	for i := uint32(0); i < rdmaCount; i++ {
		if _, err := xdr.DecodeUint32(r); err != nil {
			return a, err
		}
	}
	return a, nil
}

func writeChannelAttrs(buf *bytes.Buffer, a channelAttrs) {
	xdr.WriteUint32(buf, a.HeaderPad)
	xdr.WriteUint32(buf, a.MaxRequestSize)
	xdr.WriteUint32(buf, a.MaxResponseSize)
	xdr.WriteUint32(buf, a.MaxRespCached)
	xdr.WriteUint32(buf, a.MaxOperations)
	xdr.WriteUint32(buf, a.MaxRequests)
	xdr.WriteUint32(buf, 0) // no rdma ird
}

// clampChannelAttrs applies the server's channel limits to a client's requested
// attributes, per the CREATE_SESSION clamping rule.
func clampChannelAttrs(a channelAttrs) channelAttrs {
	if a.MaxRequestSize > nfs4.MaxRecordSize {
		a.MaxRequestSize = nfs4.MaxRecordSize
	}
	if a.MaxResponseSize > nfs4.MaxRecordSize {
		a.MaxResponseSize = nfs4.MaxRecordSize
	}
	if a.MaxRequests > nfs4state.DefaultSlotCount {
		a.MaxRequests = nfs4state.DefaultSlotCount
	}
	a.HeaderPad = 0
	return a
}

// skipSecParms consumes a callback_sec_parms4 array; only AUTH_NONE and
// AUTH_SYS bodies are understood (RPCSEC_GSS on the back channel is an
// authentication-flavor concern outside this core).
func skipSecParms(r *bytes.Reader) error {
	count, err := xdr.DecodeUint32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flavor, err := xdr.DecodeUint32(r)
		if err != nil {
			return err
		}
		switch flavor {
		case authNone:
		case authSys:
			if _, err := xdr.DecodeUint32(r); err != nil { // stamp
				return err
			}
			if _, err := xdr.DecodeString(r); err != nil { // machinename
				return err
			}
			if _, err := xdr.DecodeUint32(r); err != nil { // uid
				return err
			}
			if _, err := xdr.DecodeUint32(r); err != nil { // gid
				return err
			}
			gids, err := xdr.DecodeUint32(r)
			if err != nil {
				return err
			}
			for g := uint32(0); g < gids; g++ {
				if _, err := xdr.DecodeUint32(r); err != nil {
					return err
				}
			}
		default:
			return errs.NotSupported("callback security flavor")
		}
	}
	return nil
}

func (s *Server) opCreateSession(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	clientID, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	seqid, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	flags, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	fore, err := decodeChannelAttrs(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	back, err := decodeChannelAttrs(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // cb_program
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if err := skipSecParms(r); err != nil {
		return errResult(err)
	}

	sessID, serr := s.state.CreateSession(ctx, nfs4state.ClientID(clientID), seqid)
	if serr != nil {
		if e, ok := serr.(*errs.Error); ok && e.Kind == errs.KindInvalidArgument {
			return nfs4.OpResult{Status: errs.NFS4ERR_SEQ_MISORDERED}
		}
		return errResult(serr)
	}
	wire, serr := s.state.SessionWire(sessID)
	if serr != nil {
		return errResult(serr)
	}

	var buf bytes.Buffer
	buf.Write(wire[:])
	xdr.WriteUint32(&buf, seqid)
	xdr.WriteUint32(&buf, flags&2) // CONN_BACK_CHAN is honored, nothing else
	writeChannelAttrs(&buf, clampChannelAttrs(fore))
	writeChannelAttrs(&buf, clampChannelAttrs(back))
	return okResult(buf.Bytes())
}

func (s *Server) opDestroySession(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	var wire nfs4.SessionID4
	if _, err := r.Read(wire[:]); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	sess, err := s.state.SessionByWire(ctx, wire)
	if err != nil {
		return errResult(err)
	}
	if err := s.state.DestroySession(ctx, sess.ID); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

func (s *Server) opBindConnToSession(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	var wire nfs4.SessionID4
	if _, err := r.Read(wire[:]); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	dir, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeBool(r); err != nil { // use rdma mode
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, serr := s.state.SessionByWire(ctx, wire); serr != nil {
		return errResult(serr)
	}

	var buf bytes.Buffer
	buf.Write(wire[:])
	xdr.WriteUint32(&buf, dir)
	xdr.WriteBool(&buf, false)
	return okResult(buf.Bytes())
}

func (s *Server) opDestroyClientid(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	clientID, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if serr := s.state.DestroyClientID(nfs4state.ClientID(clientID)); serr != nil {
		if e, ok := serr.(*errs.Error); ok && e.Kind == errs.KindInvalidArgument {
			return nfs4.OpResult{Status: errs.NFS4ERR_CLIENTID_BUSY}
		}
		return errResult(serr)
	}
	return okResult(nil)
}

// opBackchannelCtl re-registers back-channel security; this server
// treats every flavor it can parse as acceptable and resets nothing,
// since probe state is re-established lazily on the next delegation.
func (s *Server) opBackchannelCtl(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeUint32(r); err != nil { // cb_program
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if err := skipSecParms(r); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

func (s *Server) opReclaimComplete(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeBool(r); err != nil { // rca_one_fs
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	client, ok := rq.clientID()
	if !ok {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	if serr := s.state.SetReclaimComplete(client); serr != nil {
		if e, ok := serr.(*errs.Error); ok && e.Kind == errs.KindInvalidArgument {
			return nfs4.OpResult{Status: errs.NFS4ERR_COMPLETE_ALREADY}
		}
		return errResult(serr)
	}
	return okResult(nil)
}

func (s *Server) opFreeStateid(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	sid, err := decodeStateid(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	client, ok := rq.clientID()
	if !ok {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	if serr := s.state.FreeStateid(client, sid); serr != nil {
		if e, isE := serr.(*errs.Error); isE && e.Kind == errs.KindInvalidArgument {
			return nfs4.OpResult{Status: errs.NFS4ERR_LOCKS_HELD}
		}
		return errResult(serr)
	}
	return okResult(nil)
}

func (s *Server) opTestStateid(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	count, err := xdr.DecodeUint32(r)
	if err != nil || count > 4096 {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	sids := make([]nfs4.Stateid4, count)
	for i := range sids {
		if sids[i], err = decodeStateid(r); err != nil {
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
	}
	client, ok := rq.clientID()
	if !ok {
		return nfs4.OpResult{Status: errs.NFS4ERR_OP_NOT_IN_SESSION}
	}
	statuses := s.state.TestStateid(client, sids)

	var buf bytes.Buffer
	xdr.WriteUint32(&buf, uint32(len(statuses)))
	for _, st := range statuses {
		xdr.WriteUint32(&buf, uint32(st))
	}
	return okResult(buf.Bytes())
}

// writeSecinfoList reports the flavors this server accepts: AUTH_SYS
// preferred, AUTH_NONE tolerated. Flavor enforcement itself is the
// transport boundary's concern.
func writeSecinfoList(buf *bytes.Buffer) {
	xdr.WriteUint32(buf, 2)
	xdr.WriteUint32(buf, authSys)
	xdr.WriteUint32(buf, authNone)
}

func (s *Server) opSecinfo(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeString(r); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := s.currentFile(rq); err != nil {
		return errResult(err)
	}
	var buf bytes.Buffer
	writeSecinfoList(&buf)
	// SECINFO consumes the current filehandle, RFC 8881 Section 18.29.
	rq.cs.CurrFH = nil
	return okResult(buf.Bytes())
}

func (s *Server) opSecinfoNoName(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeUint32(r); err != nil { // style
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	var buf bytes.Buffer
	writeSecinfoList(&buf)
	return okResult(buf.Bytes())
}
