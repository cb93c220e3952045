package mds

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/namespace"
	"github.com/dfr-systems/flexfiled/pkg/nfs4state"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
	"github.com/dfr-systems/flexfiled/pkg/placement"
)

// fakeIO is an in-memory PieceIO: one implicit device holds every
// replica, so READ/WRITE exercise the striping arithmetic without a
// placement engine or DS fleet behind them.
type fakeIO struct {
	mu    sync.Mutex
	next  uint64
	locs  map[pieces.PieceID]placement.Location
	bytes map[pieces.PieceID][]byte
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		locs:  map[pieces.PieceID]placement.Location{},
		bytes: map[pieces.PieceID][]byte{},
	}
}

func (f *fakeIO) Location(ctx context.Context, pid pieces.PieceID) (placement.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.locs[pid]
	if !ok {
		return nil, errs.NotFound("piece")
	}
	return loc, nil
}

func (f *fakeIO) AddPieceLocations(ctx context.Context, pid pieces.PieceID) (placement.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if loc, ok := f.locs[pid]; ok {
		return loc, nil
	}
	f.next++
	loc := placement.Location{{Device: 1, Index: f.next}}
	f.locs[pid] = loc
	f.bytes[pid] = nil
	return loc, nil
}

func (f *fakeIO) Read(ctx context.Context, pid pieces.PieceID, offset uint64, length uint32) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.bytes[pid]
	if !ok {
		return nil, false, errs.NotFound("piece")
	}
	if offset >= uint64(len(data)) {
		return nil, true, nil
	}
	end := offset + uint64(length)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), end == uint64(len(data)), nil
}

func (f *fakeIO) Write(ctx context.Context, pid pieces.PieceID, offset uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.bytes[pid]
	if need := offset + uint64(len(data)); uint64(len(cur)) < need {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[offset:], data)
	f.bytes[pid] = cur
	return nil
}

// fakeDevs satisfies DeviceSource for tests that never resolve devices.
type fakeDevs struct{}

func (fakeDevs) Get(id devices.ID) (*devices.Device, bool) { return nil, false }
func (fakeDevs) IDs() []devices.ID                         { return nil }

func newTestServer(t *testing.T, grace time.Duration) (*Server, *fakeIO) {
	t.Helper()
	tree := namespace.New(nil, nil, 0)
	state := nfs4state.New(nil, 120*time.Second, grace, 1024)
	io := newFakeIO()
	fsid := [16]byte{0xaa, 1, 2, 3}
	var verf [8]byte
	copy(verf[:], "bootverf")
	return New(fsid, Config{LeaseSeconds: 120, IOSize: 1 << 20, PieceSize: 0}, tree, state, io, fakeDevs{}, verf), io
}

// compound assembles a COMPOUND4args body from pre-encoded ops.
func compound(ops ...[]byte) *bytes.Reader {
	var buf bytes.Buffer
	xdr.WriteXDROpaque(&buf, nil) // tag
	xdr.WriteUint32(&buf, 1)      // minorversion
	xdr.WriteUint32(&buf, uint32(len(ops)))
	for _, op := range ops {
		buf.Write(op)
	}
	return bytes.NewReader(buf.Bytes())
}

func opBytes(code nfs4.Opcode, body func(*bytes.Buffer)) []byte {
	var buf bytes.Buffer
	xdr.WriteUint32(&buf, uint32(code))
	if body != nil {
		body(&buf)
	}
	return buf.Bytes()
}

// replyReader checks the compound-level status and positions a reader
// at the start of the resarray.
func replyReader(t *testing.T, reply []byte, wantStatus errs.Nfsstat4) *bytes.Reader {
	t.Helper()
	r := bytes.NewReader(reply)
	status, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	require.Equal(t, uint32(wantStatus), status, "compound status")
	_, err = xdr.DecodeOpaque(r) // tag
	require.NoError(t, err)
	_, err = xdr.DecodeUint32(r) // numres
	require.NoError(t, err)
	return r
}

// expectOp consumes one resop header (opcode + status) from r.
func expectOp(t *testing.T, r *bytes.Reader, code nfs4.Opcode, status errs.Nfsstat4) {
	t.Helper()
	op, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	require.Equal(t, uint32(code), op)
	st, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	require.Equal(t, uint32(status), st)
}

func exchangeIDOp(ownerID string) []byte {
	return opBytes(nfs4.OpExchangeID, func(buf *bytes.Buffer) {
		buf.Write([]byte("verf0001"))
		xdr.WriteXDROpaque(buf, []byte(ownerID))
		xdr.WriteUint32(buf, 0) // flags
		xdr.WriteUint32(buf, 0) // SP4_NONE
		xdr.WriteUint32(buf, 0) // impl id array
	})
}

func createSessionOp(clientID uint64, seqid uint32) []byte {
	return opBytes(nfs4.OpCreateSession, func(buf *bytes.Buffer) {
		xdr.WriteUint64(buf, clientID)
		xdr.WriteUint32(buf, seqid)
		xdr.WriteUint32(buf, 0) // flags
		for i := 0; i < 2; i++ {
			xdr.WriteUint32(buf, 0)     // headerpad
			xdr.WriteUint32(buf, 1<<20) // maxrequestsize
			xdr.WriteUint32(buf, 1<<20) // maxresponsesize
			xdr.WriteUint32(buf, 1<<20) // maxresponsesize_cached
			xdr.WriteUint32(buf, 16)    // maxoperations
			xdr.WriteUint32(buf, 64)    // maxrequests
			xdr.WriteUint32(buf, 0)     // rdma ird
		}
		xdr.WriteUint32(buf, 0x40000000) // cb_program
		xdr.WriteUint32(buf, 1)          // sec_parms
		xdr.WriteUint32(buf, 0)          // AUTH_NONE
	})
}

func sequenceOp(sess nfs4.SessionID4, seqid, slot uint32) []byte {
	return opBytes(nfs4.OpSequence, func(buf *bytes.Buffer) {
		buf.Write(sess[:])
		xdr.WriteUint32(buf, seqid)
		xdr.WriteUint32(buf, slot)
		xdr.WriteUint32(buf, slot)
		xdr.WriteBool(buf, true)
	})
}

func putrootfhOp() []byte { return opBytes(nfs4.OpPutrootfh, nil) }

func lookupOp(name string) []byte {
	return opBytes(nfs4.OpLookup, func(buf *bytes.Buffer) {
		xdr.WriteXDRString(buf, name)
	})
}

// openOp encodes a CLAIM_NULL OPEN; create selects UNCHECKED4 with empty
// createattrs.
func openOp(clientID uint64, ownerTag string, access, deny uint32, create bool, name string) []byte {
	return opBytes(nfs4.OpOpen, func(buf *bytes.Buffer) {
		xdr.WriteUint32(buf, 0) // seqid
		xdr.WriteUint32(buf, access)
		xdr.WriteUint32(buf, deny)
		xdr.WriteUint64(buf, clientID)
		xdr.WriteXDROpaque(buf, []byte(ownerTag))
		if create {
			xdr.WriteUint32(buf, 1) // OPEN4_CREATE
			xdr.WriteUint32(buf, 0) // UNCHECKED4
			xdr.WriteUint32(buf, 0) // empty bitmap
			xdr.WriteXDROpaque(buf, nil)
		} else {
			xdr.WriteUint32(buf, 0) // OPEN4_NOCREATE
		}
		xdr.WriteUint32(buf, 0) // CLAIM_NULL
		xdr.WriteXDRString(buf, name)
	})
}

func writeOp(offset uint64, data []byte) []byte {
	return opBytes(nfs4.OpWrite, func(buf *bytes.Buffer) {
		var sid nfs4.Stateid4
		sid.Encode(buf)
		xdr.WriteUint64(buf, offset)
		xdr.WriteUint32(buf, 2) // FILE_SYNC4
		xdr.WriteXDROpaque(buf, data)
	})
}

func readOp(offset uint64, count uint32) []byte {
	return opBytes(nfs4.OpRead, func(buf *bytes.Buffer) {
		var sid nfs4.Stateid4
		sid.Encode(buf)
		xdr.WriteUint64(buf, offset)
		xdr.WriteUint32(buf, count)
	})
}

// establish runs EXCHANGE_ID + CREATE_SESSION and returns the ids.
func establish(t *testing.T, s *Server, ownerID string) (uint64, nfs4.SessionID4) {
	t.Helper()
	ctx := context.Background()

	reply, err := s.processCompound(ctx, compound(exchangeIDOp(ownerID)), "")
	require.NoError(t, err)
	r := replyReader(t, reply, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpExchangeID, errs.NFS4_OK)
	clientID, err := xdr.DecodeUint64(r)
	require.NoError(t, err)
	seqid, err := xdr.DecodeUint32(r)
	require.NoError(t, err)

	reply, err = s.processCompound(ctx, compound(createSessionOp(clientID, seqid)), "")
	require.NoError(t, err)
	r = replyReader(t, reply, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpCreateSession, errs.NFS4_OK)
	var wire nfs4.SessionID4
	_, err = r.Read(wire[:])
	require.NoError(t, err)
	return clientID, wire
}

func TestExchangeIDCreateSessionSequenceFlow(t *testing.T) {
	s, _ := newTestServer(t, 0)
	_, sess := establish(t, s, "client-flow")

	reply, err := s.processCompound(context.Background(), compound(
		sequenceOp(sess, 1, 0), putrootfhOp(), opBytes(nfs4.OpGetfh, nil),
	), "")
	require.NoError(t, err)
	r := replyReader(t, reply, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpSequence, errs.NFS4_OK)
}

// Scenario 6 from the testable properties: a retransmitted request gets
// the byte-identical cached reply without re-execution.
func TestEOSReplayIsByteIdentical(t *testing.T) {
	s, _ := newTestServer(t, 0)
	clientID, sess := establish(t, s, "client-eos")
	ctx := context.Background()

	call := func() []byte {
		return compoundBytes(
			sequenceOp(sess, 1, 0), putrootfhOp(),
			openOp(clientID, "owner-eos", nfs4.ShareAccessRead|nfs4.ShareAccessWrite, 0, true, "foo"),
		)
	}
	first, err := s.processCompound(ctx, bytes.NewReader(call()), "")
	require.NoError(t, err)
	replyReader(t, first, errs.NFS4_OK)

	second, err := s.processCompound(ctx, bytes.NewReader(call()), "")
	require.NoError(t, err)
	require.Equal(t, first, second, "retransmit must hit the slot cache verbatim")
}

// Scenario 4: share-reservation denial across two clients.
func TestOpenShareReservationDeniedOnWire(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c1, sess1 := establish(t, s, "client-one")
	c2, sess2 := establish(t, s, "client-two")
	ctx := context.Background()

	reply, err := s.processCompound(ctx, compound(
		sequenceOp(sess1, 1, 0), putrootfhOp(),
		openOp(c1, "owner1", nfs4.ShareAccessRead, nfs4.ShareDenyWrite, true, "shared"),
	), "")
	require.NoError(t, err)
	replyReader(t, reply, errs.NFS4_OK)

	reply, err = s.processCompound(ctx, compound(
		sequenceOp(sess2, 1, 0), putrootfhOp(),
		openOp(c2, "owner2", nfs4.ShareAccessWrite, 0, false, "shared"),
	), "")
	require.NoError(t, err)
	replyReader(t, reply, errs.NFS4ERR_SHARE_DENIED)
}

func TestGraceRejectsNormalOpenAndIO(t *testing.T) {
	s, _ := newTestServer(t, time.Hour)
	c1, sess := establish(t, s, "client-grace")
	ctx := context.Background()

	reply, err := s.processCompound(ctx, compound(
		sequenceOp(sess, 1, 0), putrootfhOp(),
		openOp(c1, "owner", nfs4.ShareAccessRead, 0, true, "foo"),
	), "")
	require.NoError(t, err)
	replyReader(t, reply, errs.NFS4ERR_GRACE)

	reply, err = s.processCompound(ctx, compound(
		sequenceOp(sess, 2, 0), putrootfhOp(), readOp(0, 16),
	), "")
	require.NoError(t, err)
	replyReader(t, reply, errs.NFS4ERR_GRACE)
}

// Scenario 1's MDS-side half: create, write, and read back through the
// COMPOUND path; the piece bytes land in the (fake) placement engine.
func TestWriteThenReadRoundTrip(t *testing.T) {
	s, io := newTestServer(t, 0)
	c1, sess := establish(t, s, "client-rw")
	ctx := context.Background()

	reply, err := s.processCompound(ctx, compound(
		sequenceOp(sess, 1, 0), putrootfhOp(),
		openOp(c1, "owner", nfs4.ShareAccessRead|nfs4.ShareAccessWrite, 0, true, "foo"),
		writeOp(0, []byte("hello")),
	), "")
	require.NoError(t, err)
	r := replyReader(t, reply, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpSequence, errs.NFS4_OK)

	require.Len(t, io.bytes, 1, "a blockSize-0 file occupies exactly one piece")
	for pid, data := range io.bytes {
		require.Equal(t, uint64(0), pid.Offset)
		require.Equal(t, uint32(0), pid.Size)
		require.Equal(t, []byte("hello"), data)
	}

	reply, err = s.processCompound(ctx, compound(
		sequenceOp(sess, 2, 0), putrootfhOp(), lookupOp("foo"), readOp(0, 16),
	), "")
	require.NoError(t, err)
	r = replyReader(t, reply, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpSequence, errs.NFS4_OK)
	skipSequenceResBody(t, r)
	expectOp(t, r, nfs4.OpPutrootfh, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpLookup, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpRead, errs.NFS4_OK)
	eof, err := xdr.DecodeBool(r)
	require.NoError(t, err)
	require.True(t, eof)
	data, err := xdr.DecodeOpaque(r)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

// Boundary behavior: READ on an empty file returns zero bytes, eof=true.
func TestReadEmptyFileReturnsEOF(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c1, sess := establish(t, s, "client-empty")
	ctx := context.Background()

	reply, err := s.processCompound(ctx, compound(
		sequenceOp(sess, 1, 0), putrootfhOp(),
		openOp(c1, "owner", nfs4.ShareAccessRead|nfs4.ShareAccessWrite, 0, true, "empty"),
		readOp(0, 1),
	), "")
	require.NoError(t, err)
	r := replyReader(t, reply, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpSequence, errs.NFS4_OK)
	skipSequenceResBody(t, r)
	expectOp(t, r, nfs4.OpPutrootfh, errs.NFS4_OK)
	expectOp(t, r, nfs4.OpOpen, errs.NFS4_OK)
	skipOpenResBody(t, r)
	expectOp(t, r, nfs4.OpRead, errs.NFS4_OK)
	eof, err := xdr.DecodeBool(r)
	require.NoError(t, err)
	require.True(t, eof)
	data, err := xdr.DecodeOpaque(r)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestFirstOpMustBeSequenceOrSingleton(t *testing.T) {
	s, _ := newTestServer(t, 0)
	reply, err := s.processCompound(context.Background(), compound(putrootfhOp()), "")
	require.NoError(t, err)
	replyReader(t, reply, errs.NFS4ERR_OP_NOT_IN_SESSION)
}

func TestLockOpsNotSupported(t *testing.T) {
	s, _ := newTestServer(t, 0)
	_, sess := establish(t, s, "client-lock")
	reply, err := s.processCompound(context.Background(), compound(
		sequenceOp(sess, 1, 0), opBytes(nfs4.OpLockt, nil),
	), "")
	require.NoError(t, err)
	replyReader(t, reply, errs.NFS4ERR_NOTSUPP)
}

// compoundBytes is compound() without wrapping in a reader, for tests
// that replay the identical byte stream.
func compoundBytes(ops ...[]byte) []byte {
	var buf bytes.Buffer
	xdr.WriteXDROpaque(&buf, nil)
	xdr.WriteUint32(&buf, 1)
	xdr.WriteUint32(&buf, uint32(len(ops)))
	for _, op := range ops {
		buf.Write(op)
	}
	return buf.Bytes()
}

// skipSequenceResBody consumes a SEQUENCE4resok body (sessionid + five
// words) after its status has been checked.
func skipSequenceResBody(t *testing.T, r *bytes.Reader) {
	t.Helper()
	var skip [16 + 5*4]byte
	_, err := r.Read(skip[:])
	require.NoError(t, err)
}

// skipOpenResBody consumes an OPEN4resok body: stateid, change_info,
// rflags, attrset bitmap, delegation (none in these tests).
func skipOpenResBody(t *testing.T, r *bytes.Reader) {
	t.Helper()
	var sid nfs4.Stateid4
	require.NoError(t, sid.Decode(r))
	_, err := xdr.DecodeBool(r) // cinfo.atomic
	require.NoError(t, err)
	_, err = xdr.DecodeUint64(r)
	require.NoError(t, err)
	_, err = xdr.DecodeUint64(r)
	require.NoError(t, err)
	_, err = xdr.DecodeUint32(r) // rflags
	require.NoError(t, err)
	bm, err := decodeBitmap(r)
	require.NoError(t, err)
	_ = bm
	deleg, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	require.Equal(t, uint32(nfs4.OpenDelegateNone), deleg)
}
