package nfs4state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// noCreator is a Creator that is never called: every test below opens an
// already-resolved File (CreateHow left at its zero value, NoCreate).
type noCreator struct{}

func (noCreator) Create(ctx context.Context, dir FileID, name string, blockSize uint32) (FileID, error) {
	panic("unexpected create")
}

func (noCreator) CreateExclusive(ctx context.Context, dir FileID, name string, blockSize uint32, verf [8]byte) (FileID, bool, error) {
	panic("unexpected create")
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestManagerNoGrace(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := New(clock, 5*time.Second, 0, 64)
	m.EndGrace()
	return m, clock
}

func owner(id string) nfs4.ClientOwner4 {
	return nfs4.ClientOwner4{Verifier: [8]byte{1}, OwnerID: id}
}

func stateOwner(id byte) nfs4.StateOwner4 {
	return nfs4.StateOwner4{Owner: string([]byte{id})}
}

func establishClient(t *testing.T, m *Manager, ctx context.Context, ownerID string) ClientID {
	t.Helper()
	res, err := m.ExchangeID(ctx, owner(ownerID), "principal-"+ownerID, false)
	require.NoError(t, err)
	require.Equal(t, CaseNewOwner, res.Case)
	res.Client.SetConfirmed()
	return res.Client.ID
}

// client1 OPENs READ|DENY_WRITE; client2's OPEN for WRITE must see
// SHARE_DENIED.
func TestOpenShareReservationDenial(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()

	c1 := establishClient(t, m, ctx, "client1")
	c2 := establishClient(t, m, ctx, "client2")

	const file FileID = 42

	res1, recalls, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c1,
		Owner:  stateOwner(1),
		File:   file,
		Access: nfs4.ShareAccessRead,
		Deny:   nfs4.ShareAccessWrite,
	})
	require.NoError(t, err)
	require.Nil(t, recalls)
	require.NotZero(t, res1.Stateid.Other)

	_, _, err = m.Open(ctx, noCreator{}, OpenRequest{
		Client: c2,
		Owner:  stateOwner(2),
		File:   file,
		Access: nfs4.ShareAccessWrite,
		Deny:   0,
	})
	require.Error(t, err)
	require.True(t, errs.IsShareDenied(err), "expected SHARE_DENIED, got %v", err)
}

// The same (client, owner) pair upgrading its own open must never conflict
// with itself, and must retain the stateid's "other" while bumping seqid.
func TestOpenUpgradeSameOwnerNoConflict(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "client1")
	const file FileID = 7

	first, _, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c1, Owner: stateOwner(1), File: file,
		Access: nfs4.ShareAccessRead, Deny: nfs4.ShareAccessWrite,
	})
	require.NoError(t, err)

	second, recalls, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c1, Owner: stateOwner(1), File: file,
		Access: nfs4.ShareAccessBoth, Deny: nfs4.ShareAccessWrite,
	})
	require.NoError(t, err)
	require.Nil(t, recalls)
	require.Equal(t, first.Stateid.Other, second.Stateid.Other)
	require.Equal(t, first.Stateid.Seqid+1, second.Stateid.Seqid)
}

// client1 gets a write delegation on an
// otherwise-untouched file; client2's conflicting WRITE OPEN must surface
// the delegation as a recall target and fail with Delay so the caller
// retries after CB_RECALL + DELEGRETURN.
func TestOpenRecallsConflictingWriteDelegation(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "client1")
	c2 := establishClient(t, m, ctx, "client2")
	const file FileID = 9

	res1, _, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c1, Owner: stateOwner(1), File: file,
		Access: nfs4.ShareAccessWrite, Deny: 0,
		Want:        nfs4.WantWriteDeleg,
		BackChannel: BackChannelGood,
		IsRegular:   true,
	})
	require.NoError(t, err)
	require.NotNil(t, res1.Delegation, "expected a write delegation to be issued")

	_, recalls, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c2, Owner: stateOwner(2), File: file,
		Access: nfs4.ShareAccessWrite, Deny: 0,
	})
	require.Error(t, err)
	require.True(t, errs.IsDelay(err), "expected NFS4ERR_DELAY, got %v", err)
	require.Len(t, recalls, 1)
	require.Equal(t, StateDelegation, recalls[0].Kind)

	// Once client1 returns the delegation, client2's retry succeeds.
	m.ConfirmRecall(recalls[0].State)
	_, recalls2, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c2, Owner: stateOwner(2), File: file,
		Access: nfs4.ShareAccessWrite, Deny: 0,
	})
	require.NoError(t, err)
	require.Nil(t, recalls2)
}

// Delegations are never issued without a probed-GOOD back channel, and
// never on a non-regular file.
func TestOpenRefusesDelegationWithoutGoodBackChannelOrOnNonRegularFile(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "client1")

	res, _, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c1, Owner: stateOwner(1), File: 1,
		Access: nfs4.ShareAccessWrite, Want: nfs4.WantWriteDeleg,
		BackChannel: BackChannelUnchecked, IsRegular: true,
	})
	require.NoError(t, err)
	require.Nil(t, res.Delegation)

	res2, _, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c1, Owner: stateOwner(1), File: 2,
		Access: nfs4.ShareAccessWrite, Want: nfs4.WantWriteDeleg,
		BackChannel: BackChannelGood, IsRegular: false,
	})
	require.NoError(t, err)
	require.Nil(t, res2.Delegation)
}

// A retransmitted request on the same slot and
// sequence must get the byte-identical cached reply, never re-executing.
func TestSessionEOSReplay(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "client1")

	sess, err := m.CreateSession(ctx, c1, 0)
	require.NoError(t, err)

	res, err := m.Sequence(ctx, sess, 0, 1)
	require.NoError(t, err)
	require.Nil(t, res.Replay)

	require.NoError(t, m.CompleteSequence(sess, 0, 0, []byte("reply-for-seq-1")))

	// Retransmit: same slot, same sequence -> verbatim cached reply, slot
	// must not still be busy nor re-execute.
	replay, err := m.Sequence(ctx, sess, 0, 1)
	require.NoError(t, err)
	require.NotNil(t, replay.Replay)
	require.Equal(t, []byte("reply-for-seq-1"), replay.Replay.Body)

	// A request in flight on the same slot (busy, no cached reply yet for
	// the next seqid) must be rejected with Delay.
	res2, err := m.Sequence(ctx, sess, 0, 2)
	require.NoError(t, err)
	require.Nil(t, res2.Replay)
	_, err = m.Sequence(ctx, sess, 0, 2)
	require.Error(t, err)
	require.True(t, errs.IsDelay(err))
	require.NoError(t, m.CompleteSequence(sess, 0, 0, []byte("reply-for-seq-2")))

	// A gap in sequence numbers is a misordering error, not a replay.
	_, err = m.Sequence(ctx, sess, 0, 10)
	require.Error(t, err)

	// An out-of-range slot is rejected outright.
	_, err = m.Sequence(ctx, sess, 999, 1)
	require.Error(t, err)
}

func TestCreateSessionPseudoSlotReplay(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "client1")

	first, err := m.CreateSession(ctx, c1, 0)
	require.NoError(t, err)

	// Replaying the same seqid must return the same session, not create a
	// second one.
	replay, err := m.CreateSession(ctx, c1, 0)
	require.NoError(t, err)
	require.Equal(t, first, replay)

	// An out-of-sequence seqid is rejected.
	_, err = m.CreateSession(ctx, c1, 5)
	require.Error(t, err)
}

// ExchangeID's six cases, per client.go's case table.
func TestExchangeIDCases(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()

	// Case 1: brand new owner.
	res1, err := m.ExchangeID(ctx, owner("alice"), "principal-a", false)
	require.NoError(t, err)
	require.Equal(t, CaseNewOwner, res1.Case)
	res1.Client.SetConfirmed()

	// Case 2: same verifier, same principal, confirmed -> same clientid.
	res2, err := m.ExchangeID(ctx, owner("alice"), "principal-a", false)
	require.NoError(t, err)
	require.Equal(t, CaseConfirmedSameVerifier, res2.Case)
	require.Equal(t, res1.Client.ID, res2.Client.ID)

	// Case 3: same verifier, different principal, no state -> purge+replace.
	res3, err := m.ExchangeID(ctx, owner("alice"), "principal-b", false)
	require.NoError(t, err)
	require.Equal(t, CaseConfirmedPrincipalRestart, res3.Case)
	require.NotEqual(t, res1.Client.ID, res3.Client.ID)
	res3.Client.SetConfirmed()

	// Case 5: different verifier on a confirmed record -> client restart.
	restarted := nfs4.ClientOwner4{Verifier: [8]byte{2}, OwnerID: "alice"}
	res5, err := m.ExchangeID(ctx, restarted, "principal-b", false)
	require.NoError(t, err)
	require.Equal(t, CaseConfirmedVerifierRestart, res5.Case)
	require.NotEqual(t, res3.Client.ID, res5.Client.ID)

	// Case 4: unconfirmed record is always replaced.
	res4, err := m.ExchangeID(ctx, restarted, "principal-b", false)
	require.NoError(t, err)
	require.Equal(t, CaseUnconfirmedReplace, res4.Case)
}

// Case 3 with outstanding state on the confirmed record must refuse with
// CLID_INUSE rather than silently purging live state.
func TestExchangeIDPrincipalConflictWithStateIsRefused(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "alice")

	_, _, err := m.Open(ctx, noCreator{}, OpenRequest{
		Client: c1, Owner: stateOwner(1), File: 1, Access: nfs4.ShareAccessRead,
	})
	require.NoError(t, err)

	_, err = m.ExchangeID(ctx, owner("alice"), "different-principal", false)
	require.Error(t, err)
}

// Lease sweep phase 1: an expired client with no outstanding state is
// purged outright.
func TestSweepLeasesPhase1PurgesIdleExpiredClient(t *testing.T) {
	m, clock := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "alice")

	clock.Advance(10 * time.Second) // well past the 5s lease
	m.SweepLeases(ctx)

	_, err := m.SessionByWire(ctx, nfs4.SessionID4{})
	require.Error(t, err) // sanity: manager still functions

	_, openErr, err := m.Open(ctx, noCreator{}, OpenRequest{Client: c1, Owner: stateOwner(1), File: 1, Access: nfs4.ShareAccessRead})
	require.Nil(t, openErr)
	require.Error(t, err)
	require.True(t, errs.IsStaleClientid(err))
}

// InGrace must be true before the configured grace window elapses and
// false after EndGrace or the clock passing graceTime.
func TestInGrace(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := New(clock, 5*time.Second, 10*time.Second, 64)
	require.True(t, m.InGrace())

	clock.Advance(20 * time.Second)
	require.False(t, m.InGrace())
}

// Back channel must reach GOOD via probe before it reports true, and a
// failed probe reverts to Unchecked rather than sticking at Checking.
func TestProbeBackChannel(t *testing.T) {
	m, _ := newTestManagerNoGrace(t)
	ctx := context.Background()
	c1 := establishClient(t, m, ctx, "alice")
	sess, err := m.CreateSession(ctx, c1, 0)
	require.NoError(t, err)

	state := m.ProbeBackChannel(ctx, sess, func(context.Context) bool { return false })
	require.Equal(t, BackChannelUnchecked, state)

	state = m.ProbeBackChannel(ctx, sess, func(context.Context) bool { return true })
	require.Equal(t, BackChannelGood, state)

	// Once GOOD, re-probing is a no-op (returns GOOD without invoking probe
	// again).
	called := false
	state = m.ProbeBackChannel(ctx, sess, func(context.Context) bool { called = true; return false })
	require.Equal(t, BackChannelGood, state)
	require.False(t, called)
}
