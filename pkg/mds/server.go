// Package mds is the metadata server's NFSv4.1 forward-path front end:
// it accepts ONC RPC connections, reassembles COMPOUND calls, and
// dispatches each operation against the state manager (pkg/nfs4state),
// the namespace tree (pkg/namespace), and the striped I/O engine
// (pkg/striping over pkg/placement). Exactly-once semantics ride on the
// session slot tables: a COMPOUND led by SEQUENCE caches its entire
// encoded reply in the slot, and a retransmit with the same sequence id
// gets those bytes copied back verbatim without re-executing anything.
package mds

import (
	"bytes"
	"context"
	"io"
	"net"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/config"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/namespace"
	"github.com/dfr-systems/flexfiled/pkg/nfs4state"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
	"github.com/dfr-systems/flexfiled/pkg/placement"
	"github.com/dfr-systems/flexfiled/pkg/striping"
)

// PieceIO is the placement-engine surface the data-path operations
// drive: the striping.Placer lookups LAYOUTGET walks, plus the
// replica-rotating read and fan-out write the MDS serves for clients
// that bypass pNFS and do plain READ/WRITE through it.
type PieceIO interface {
	striping.Placer
	Read(ctx context.Context, pid pieces.PieceID, offset uint64, length uint32) ([]byte, bool, error)
	Write(ctx context.Context, pid pieces.PieceID, offset uint64, data []byte) error
}

// DeviceSource is the device-registry surface GETDEVICEINFO and
// GETDEVICELIST resolve flex-files device ids through.
type DeviceSource interface {
	nfs4state.DeviceResolver
	nfs4state.DeviceLister
}

// RecallIssuer delivers CB_RECALL/CB_LAYOUTRECALL for the conflict
// targets an OPEN surfaces, over whatever back-channel transport the
// process wired in. A nil issuer leaves the targets to the periodic
// recall sweep's expiry-driven pass.
type RecallIssuer func(ctx context.Context, targets []nfs4state.RecallTarget)

// Config carries the knobs the dispatch layer reports to clients:
// lease time, preferred I/O size, and the default piece size for newly
// created files.
type Config struct {
	LeaseSeconds uint32
	IOSize       uint32
	PieceSize    uint32
}

// Server dispatches NFSv4.1 COMPOUNDs for one MDS filesystem.
type Server struct {
	fsid   [16]byte
	cfg    Config
	tree   namespace.Filesystem
	state  *nfs4state.Manager
	io     PieceIO
	devs   DeviceSource
	recall RecallIssuer

	// probe performs the zero-arg back-channel confirmation round trip
	// OPEN requires before granting a delegation; nil means no back
	// channel transport is wired in, so no delegations are granted.
	probe func(ctx context.Context) bool

	// principal maps the RPC credential's identity to the principal
	// string recorded per client; PassthroughPrincipal unless replaced.
	principal config.PrincipalResolver

	// writeVerf is the per-boot write verifier WRITE/COMMIT report; a
	// change between a client's WRITE and COMMIT tells it the server
	// restarted and its UNSTABLE data must be re-written.
	writeVerf [8]byte

	ops map[nfs4.Opcode]opHandler
}

// opHandler is one operation's decoder+executor: it reads its argument
// from r (positioned past the opcode word) and returns the result body
// to splice into the COMPOUND reply.
type opHandler func(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult

// request is the per-COMPOUND dispatch context: the wire-level
// CompoundState plus the session/slot identity needed to complete the
// EOS cycle after the reply is encoded.
type request struct {
	cs        nfs4.CompoundState
	sessArena nfs4state.SessionArenaID
	seq       nfs4state.SequenceResult
	seqArgs   sequenceArgs
	sequenced bool
	principal string
}

func (rq *request) clientID() (nfs4state.ClientID, bool) {
	if rq.cs.Session == nil {
		return 0, false
	}
	return nfs4state.ClientID(rq.cs.Session.ClientID), true
}

// New constructs a Server. writeVerf should be random per boot; the
// caller owns generating it so tests can pin it.
func New(fsid [16]byte, cfg Config, tree namespace.Filesystem, state *nfs4state.Manager, io PieceIO, devs DeviceSource, writeVerf [8]byte) *Server {
	s := &Server{
		fsid:      fsid,
		cfg:       cfg,
		tree:      tree,
		state:     state,
		io:        io,
		devs:      devs,
		writeVerf: writeVerf,
		principal: config.PassthroughPrincipal{},
	}
	s.ops = map[nfs4.Opcode]opHandler{
		nfs4.OpExchangeID:        s.opExchangeID,
		nfs4.OpCreateSession:     s.opCreateSession,
		nfs4.OpDestroySession:    s.opDestroySession,
		nfs4.OpBindConnToSession: s.opBindConnToSession,
		nfs4.OpDestroyClientid:   s.opDestroyClientid,
		nfs4.OpBackchannelCtl:    s.opBackchannelCtl,
		nfs4.OpReclaimComplete:   s.opReclaimComplete,
		nfs4.OpFreeStateid:       s.opFreeStateid,
		nfs4.OpTestStateid:       s.opTestStateid,
		nfs4.OpSecinfo:           s.opSecinfo,
		nfs4.OpSecinfoNoName:     s.opSecinfoNoName,

		nfs4.OpPutrootfh: s.opPutrootfh,
		nfs4.OpPutfh:     s.opPutfh,
		nfs4.OpGetfh:     s.opGetfh,
		nfs4.OpSavefh:    s.opSavefh,
		nfs4.OpRestorefh: s.opRestorefh,
		nfs4.OpLookup:    s.opLookup,
		nfs4.OpLookupp:   s.opLookupp,
		nfs4.OpAccess:    s.opAccess,
		nfs4.OpGetattr:   s.opGetattr,
		nfs4.OpSetattr:   s.opSetattr,
		nfs4.OpVerify:    s.opVerify,
		nfs4.OpNverify:   s.opNverify,
		nfs4.OpCreate:    s.opCreate,
		nfs4.OpRemove:    s.opRemove,
		nfs4.OpRename:    s.opRename,
		nfs4.OpLink:      s.opLink,
		nfs4.OpReadlink:  s.opReadlink,
		nfs4.OpReaddir:   s.opReaddir,

		nfs4.OpOpen:        s.opOpen,
		nfs4.OpClose:       s.opClose,
		nfs4.OpRead:        s.opRead,
		nfs4.OpWrite:       s.opWrite,
		nfs4.OpCommit:      s.opCommit,
		nfs4.OpDelegreturn: s.opDelegreturn,

		nfs4.OpLayoutGet:     s.opLayoutGet,
		nfs4.OpLayoutReturn:  s.opLayoutReturn,
		nfs4.OpLayoutCommit:  s.opLayoutCommit,
		nfs4.OpGetDeviceInfo: s.opGetDeviceInfo,
		nfs4.OpGetDeviceList: s.opGetDeviceList,

		// Byte-range locking is a non-goal, the v4.0-only ops are
		// forbidden in a 4.1 COMPOUND, and the remaining optional 4.1
		// ops are not implemented; all of them answer NOTSUPP rather
		// than OP_ILLEGAL, which is reserved for opcodes outside the
		// protocol.
		nfs4.OpLock:               s.opNotSupported,
		nfs4.OpLockt:              s.opNotSupported,
		nfs4.OpLocku:              s.opNotSupported,
		nfs4.OpDelegpurge:         s.opNotSupported,
		nfs4.OpOpenattr:           s.opNotSupported,
		nfs4.OpOpenConfirm:        s.opNotSupported,
		nfs4.OpOpenDowngrade:      s.opNotSupported,
		nfs4.OpRenew:              s.opNotSupported,
		nfs4.OpSetclientid:        s.opNotSupported,
		nfs4.OpSetclientidConfirm: s.opNotSupported,
		nfs4.OpReleaseLockowner:   s.opNotSupported,
		nfs4.OpGetDirDelegation:   s.opNotSupported,
		nfs4.OpSetSSV:             s.opNotSupported,
		nfs4.OpWantDelegation:     s.opNotSupported,
	}
	return s
}

// SetRecallIssuer installs the back-channel recall delivery hook.
func (s *Server) SetRecallIssuer(r RecallIssuer) { s.recall = r }

// SetBackChannelProbe installs the CB_SEQUENCE probe used to confirm a
// session's back channel before a delegation may ride on it.
func (s *Server) SetBackChannelProbe(p func(ctx context.Context) bool) { s.probe = p }

// SetPrincipalResolver replaces the passthrough credential-to-principal
// mapping (the idmapper seam).
func (s *Server) SetPrincipalResolver(p config.PrincipalResolver) { s.principal = p }

// Serve accepts NFSv4.1 connections on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.InfoCtx(ctx, "mds: nfs4 service listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		record, err := nfs4.ReadRecord(conn)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.DebugCtx(ctx, "mds: connection read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		reply, err := s.handleRecord(ctx, record)
		if err != nil {
			logger.WarnCtx(ctx, "mds: dropping malformed call", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		if err := nfs4.WriteRecord(conn, reply); err != nil {
			return
		}
	}
}

// handleRecord processes one reassembled RPC record and returns the
// complete reply record (RPC header plus procedure result).
func (s *Server) handleRecord(ctx context.Context, record []byte) ([]byte, error) {
	hdr, r, err := nfs4.DecodeCallHeader(record)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch {
	case hdr.Vers != nfs4.NFSVersion4:
		if err := nfs4.EncodeProgMismatchReply(&buf, hdr.Xid); err != nil {
			return nil, err
		}
	case hdr.Proc == nfs4.ProcNull:
		if err := nfs4.EncodeReplyHeader(&buf, hdr.Xid); err != nil {
			return nil, err
		}
	case hdr.Proc == nfs4.ProcCompound:
		if err := nfs4.EncodeReplyHeader(&buf, hdr.Xid); err != nil {
			return nil, err
		}
		body, err := s.processCompound(ctx, r, s.principal.Resolve(hdr.Principal))
		if err != nil {
			return nil, err
		}
		buf.Write(body)
	default:
		if err := nfs4.EncodeProcUnavailReply(&buf, hdr.Xid); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// processCompound decodes a COMPOUND4args and returns the encoded
// COMPOUND4res body: status, echoed tag, and the per-op result array.
func (s *Server) processCompound(ctx context.Context, r *bytes.Reader, principal string) ([]byte, error) {
	tag, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nil, err
	}
	minor, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	numOps, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}

	if minor != 1 {
		return encodeCompoundReply(errs.NFS4ERR_MINOR_VERS_MISMATCH, tag, nil), nil
	}
	if numOps == 0 {
		return encodeCompoundReply(errs.NFS4_OK, tag, nil), nil
	}

	rq := &request{principal: principal}
	rq.cs.InGrace = s.state.InGrace()

	// Peek the first opcode: a SEQUENCE-led compound goes through the
	// EOS machinery (replay short-circuit, reply caching); anything
	// else is handed to the dispatcher, whose first-op rules confine it
	// to the singleton ops.
	first, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(-4, io.SeekCurrent); err != nil {
		return nil, err
	}

	if nfs4.Opcode(first) == nfs4.OpSequence {
		return s.processSequenced(ctx, rq, r, tag, int(numOps))
	}

	calls := nfs4.DispatchCompound(ctx, r, int(numOps), &rq.cs, s.dispatchHandlers(rq))
	return encodeCompoundReply(compoundStatus(calls), tag, calls), nil
}

// processSequenced runs a SEQUENCE-led COMPOUND: resolve the slot
// first so a retransmit returns the cached reply bytes without
// touching any other state, then dispatch the remaining ops and cache
// the encoded result in the slot.
func (s *Server) processSequenced(ctx context.Context, rq *request, r *bytes.Reader, tag []byte, numOps int) ([]byte, error) {
	// Consume the opcode word the peek put back.
	if _, err := xdr.DecodeUint32(r); err != nil {
		return nil, err
	}
	args, err := decodeSequenceArgs(r)
	if err != nil {
		return nil, err
	}

	sess, serr := s.state.SessionByWire(ctx, args.SessionID)
	if serr != nil {
		calls := []nfs4.OpCall{{Code: nfs4.OpSequence, Result: nfs4.OpResult{Status: toStatus(serr)}}}
		return encodeCompoundReply(compoundStatus(calls), tag, calls), nil
	}
	if args.HighestSlot >= uint32(len(sess.Slots)) {
		calls := []nfs4.OpCall{{Code: nfs4.OpSequence, Result: nfs4.OpResult{Status: errs.NFS4ERR_BAD_HIGH_SLOT}}}
		return encodeCompoundReply(compoundStatus(calls), tag, calls), nil
	}

	seq, serr := s.state.Sequence(ctx, sess.ID, int(args.Slot), args.Sequence)
	if serr != nil {
		calls := []nfs4.OpCall{{Code: nfs4.OpSequence, Result: nfs4.OpResult{Status: toStatus(serr)}}}
		return encodeCompoundReply(compoundStatus(calls), tag, calls), nil
	}
	if seq.Replay != nil {
		// EOS replay: the slot's cached COMPOUND reply, byte for byte.
		return seq.Replay.Body, nil
	}

	rq.sequenced = true
	rq.sessArena = sess.ID
	rq.seq = seq
	rq.seqArgs = args
	rq.cs.Slot = int(args.Slot)
	rq.cs.Session = &nfs4.SessionRef{ID: args.SessionID, ClientID: uint64(sess.Client)}

	_ = s.state.TouchClientID(sess.Client)

	calls := []nfs4.OpCall{{Code: nfs4.OpSequence, Result: s.encodeSequenceResult(rq)}}
	calls = append(calls, s.dispatchRest(ctx, rq, r, numOps-1)...)

	status := compoundStatus(calls)
	body := encodeCompoundReply(status, tag, calls)
	if err := s.state.CompleteSequence(rq.sessArena, rq.cs.Slot, uint32(status), body); err != nil {
		return nil, err
	}
	return body, nil
}

// dispatchRest runs the operations after a leading SEQUENCE, applying
// the same positional rules DispatchCompound enforces for the
// unsequenced case: no second SEQUENCE (SEQUENCE_POS), no singleton op
// inside a larger compound (NOT_ONLY_OP), unknown opcodes are
// OP_ILLEGAL, and dispatch stops at the first non-OK status.
func (s *Server) dispatchRest(ctx context.Context, rq *request, r *bytes.Reader, numOps int) []nfs4.OpCall {
	rq.cs.OpCount = numOps + 1
	var calls []nfs4.OpCall
	for i := 0; i < numOps; i++ {
		rq.cs.OpIndex = i + 1
		opWord, err := xdr.DecodeUint32(r)
		if err != nil {
			calls = append(calls, nfs4.OpCall{Code: nfs4.OpIllegal, Result: nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}})
			break
		}
		op := nfs4.Opcode(opWord)
		if op == nfs4.OpSequence {
			calls = append(calls, nfs4.OpCall{Code: op, Result: nfs4.OpResult{Status: errs.NFS4ERR_SEQUENCE_POS}})
			break
		}
		if nfs4.IsSingletonOp(op) {
			calls = append(calls, nfs4.OpCall{Code: op, Result: nfs4.OpResult{Status: errs.NFS4ERR_NOT_ONLY_OP}})
			break
		}
		handler, ok := s.ops[op]
		if !ok {
			calls = append(calls, nfs4.OpCall{Code: op, Result: nfs4.OpResult{Status: errs.NFS4ERR_OP_ILLEGAL}})
			break
		}
		res := handler(ctx, rq, r)
		calls = append(calls, nfs4.OpCall{Code: op, Result: res})
		if res.Status != errs.NFS4_OK {
			break
		}
	}
	return calls
}

// dispatchHandlers adapts the Server's opHandler table to the
// dispatcher's signature for the unsequenced (singleton) path.
func (s *Server) dispatchHandlers(rq *request) map[nfs4.Opcode]nfs4.OpHandler {
	out := make(map[nfs4.Opcode]nfs4.OpHandler, len(s.ops))
	for code, h := range s.ops {
		h := h
		out[code] = func(ctx context.Context, cs *nfs4.CompoundState, r *bytes.Reader) nfs4.OpResult {
			return h(ctx, rq, r)
		}
	}
	return out
}

func (s *Server) opNotSupported(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	return nfs4.OpResult{Status: errs.NFS4ERR_NOTSUPP}
}

// compoundStatus is COMPOUND's overall status: the status of the last
// operation executed (dispatch stops at the first failure, so this is
// either NFS4_OK or the failing op's status).
func compoundStatus(calls []nfs4.OpCall) errs.Nfsstat4 {
	if len(calls) == 0 {
		return errs.NFS4_OK
	}
	return calls[len(calls)-1].Result.Status
}

// encodeCompoundReply serializes a COMPOUND4res body: status, tag, and
// the resarray (opcode, status, body per op).
func encodeCompoundReply(status errs.Nfsstat4, tag []byte, calls []nfs4.OpCall) []byte {
	var buf bytes.Buffer
	xdr.WriteUint32(&buf, uint32(status))
	xdr.WriteXDROpaque(&buf, tag)
	xdr.WriteUint32(&buf, uint32(len(calls)))
	for _, c := range calls {
		xdr.WriteUint32(&buf, uint32(c.Code))
		xdr.WriteUint32(&buf, uint32(c.Result.Status))
		buf.Write(c.Result.Body)
	}
	return buf.Bytes()
}

// toStatus maps an internal error to its wire status through the single
// translation table in pkg/errs.
func toStatus(err error) errs.Nfsstat4 {
	if err == nil {
		return errs.NFS4_OK
	}
	if e, ok := err.(*errs.Error); ok {
		return e.ToNFS4()
	}
	return errs.NFS4ERR_SERVERFAULT
}

// issueRecalls hands conflict-recall targets to the configured issuer,
// if any; OPEN already returned NFS4ERR_DELAY, so delivery is advisory.
func (s *Server) issueRecalls(ctx context.Context, targets []nfs4state.RecallTarget) {
	if s.recall == nil || len(targets) == 0 {
		return
	}
	s.recall(ctx, targets)
}

var _ PieceIO = (*placement.Manager)(nil)
