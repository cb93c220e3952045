package nfs4state

import (
	"bytes"
	"context"
	"crypto/rand"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// DefaultSlotCount is the fore/back channel slot table size this server
// advertises in CREATE_SESSION4res, matching the grace/lease defaults'
// "keep it simple, not exotic" texture.
const DefaultSlotCount = 32

// CreateSession implements CREATE_SESSION's pseudo-slot rule: a client
// confirms with exactly one outstanding seqid at a time. A request
// whose seqid equals the client's last accepted one replays the cached
// session id (idempotent retry over a dropped reply); seqid+1 creates a
// new session and advances the pseudo-slot; anything else is a
// sequencing error.
func (m *Manager) CreateSession(ctx context.Context, clientID ClientID, seqid uint32) (SessionArenaID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cl, err := m.getClientLocked(clientID)
	if err != nil {
		return 0, err
	}

	cl.mu.Lock()
	if cl.Reply != nil && cl.Reply.Seqid == seqid {
		sid := cl.Reply.Session
		cl.mu.Unlock()
		return sid, nil
	}
	expected := cl.Sequence + 1
	if cl.Reply == nil {
		expected = seqid // first CREATE_SESSION accepts whatever seqid EXCHANGE_ID returned
	}
	if seqid != expected {
		cl.mu.Unlock()
		return 0, errs.InvalidArgument("create_session seqid out of sequence")
	}
	cl.mu.Unlock()

	sessID := m.nextSession
	m.nextSession++
	wire, err := newSessionID4()
	if err != nil {
		return 0, err
	}

	sess := &Session{
		ID:          sessID,
		Wire:        wire,
		Client:      clientID,
		Slots:       make([]Slot, DefaultSlotCount),
		CBSlots:     make([]CBSlot, DefaultSlotCount),
		BackChannel: BackChannelUnchecked,
	}
	m.sessions[sessID] = sess
	m.sessionsByWire[wire] = sessID

	cl.mu.Lock()
	cl.Sequence = seqid
	cl.Reply = &CreateSessionReply{Seqid: seqid, Session: sessID}
	cl.Sessions[sessID] = true
	wasConfirmed := cl.Confirmed
	cl.Confirmed = true
	superseded, hasSuperseded := cl.supersedes, cl.hasSupersedes
	cl.hasSupersedes = false
	cl.mu.Unlock()

	// First successful CREATE_SESSION on a restarted client's new record
	// purges the old record's state, the deferred half of EXCHANGE_ID's
	// verifier-restart case.
	if !wasConfirmed && hasSuperseded {
		m.destroyClientLocked(superseded)
	}

	m.metrics.sessionsActive.Inc()
	return sessID, nil
}

// CreateSessionSeqid reports the sequence id EXCHANGE_ID should
// advertise for this client's next CREATE_SESSION: 1 for a record that
// has never confirmed, the pseudo-slot's successor otherwise.
func (c *Client) CreateSessionSeqid() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Reply == nil {
		return 1
	}
	return c.Sequence + 1
}

// SessionWire resolves an arena session id to the 16-byte wire id
// CREATE_SESSION4res carries.
func (m *Manager) SessionWire(id SessionArenaID) (nfs4.SessionID4, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, err := m.getSessionLocked(id)
	if err != nil {
		return nfs4.SessionID4{}, err
	}
	return sess.Wire, nil
}

func newSessionID4() (nfs4.SessionID4, error) {
	var id nfs4.SessionID4
	_, err := rand.Read(id[:])
	if err != nil {
		return id, errs.IoError("generate session id: " + err.Error())
	}
	return id, nil
}

// DestroySession tears down a session and releases its slots; any
// layouts/delegations that referenced only this session's back channel
// for recall simply lose that recall path (the client's other sessions,
// if any, still carry the state).
func (m *Manager) DestroySession(ctx context.Context, sessionID SessionArenaID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.getSessionLocked(sessionID)
	if err != nil {
		return err
	}
	cl, ok := m.clients[sess.Client]
	if ok {
		cl.mu.Lock()
		delete(cl.Sessions, sessionID)
		cl.mu.Unlock()
	}
	delete(m.sessionsByWire, sess.Wire)
	delete(m.sessions, sessionID)
	m.metrics.sessionsActive.Dec()
	return nil
}

// SequenceResult is what Sequence returns for the dispatcher to act on:
// whether this is a fresh request to execute, or a cached reply to
// return unchanged (the EOS replay case).
type SequenceResult struct {
	Replay *CachedReply
	// HighestSlot/TargetHighestSlot are echoed into SEQUENCE4res.
	HighestSlot       uint32
	TargetHighestSlot uint32
}

// Sequence implements SEQUENCE's per-slot exactly-once dispatch rule:
// a slot can have at most one request in flight (busy); a seqid equal
// to the slot's last is a replay (served
// from cache without re-executing); seqid == last+1 advances the slot
// and returns nil (meaning: execute the compound, then call
// CompleteSequence to cache the result); any other seqid, lower or
// higher, is SEQ_MISORDERED. A slot index outside the table is BAD_SLOT.
func (m *Manager) Sequence(ctx context.Context, sessionID SessionArenaID, slot int, seqid uint32) (SequenceResult, error) {
	m.mu.RLock()
	sess, err := m.getSessionLocked(sessionID)
	m.mu.RUnlock()
	if err != nil {
		return SequenceResult{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if slot < 0 || slot >= len(sess.Slots) {
		return SequenceResult{}, errs.BadSlot()
	}
	s := &sess.Slots[slot]

	switch {
	case s.Reply != nil && s.Reply.Seqid == seqid:
		return SequenceResult{Replay: s.Reply, HighestSlot: uint32(len(sess.Slots) - 1)}, nil
	case s.Busy:
		return SequenceResult{}, errs.Delay("slot has a request in flight")
	case seqid == s.Sequence+1:
		s.Busy = true
		s.Sequence = seqid
		return SequenceResult{HighestSlot: uint32(len(sess.Slots) - 1)}, nil
	default:
		return SequenceResult{}, errs.SeqMisordered()
	}
}

// CompleteSequence caches result under slot and clears its busy flag, so
// the next request on this slot (a genuine new one or a retransmit) gets
// correct EOS behavior. Must be called exactly once per Sequence call
// that did not return a Replay.
func (m *Manager) CompleteSequence(sessionID SessionArenaID, slot int, status uint32, body []byte) error {
	m.mu.RLock()
	sess, err := m.getSessionLocked(sessionID)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if slot < 0 || slot >= len(sess.Slots) {
		return errs.BadSlot()
	}
	s := &sess.Slots[slot]
	s.Busy = false
	s.Reply = &CachedReply{Seqid: s.Sequence, Status: status, Body: append([]byte(nil), body...)}
	return nil
}

// ProbeBackChannel drives the probe-before-delegation rule: a session's
// back channel must reach GOOD before OPEN may grant a delegation over
// it. probe performs the actual CB_SEQUENCE/CB_GETATTR round trip (owned
// by the caller, since it requires an RPC client this package does not
// hold); ProbeBackChannel only manages the state machine around it so
// concurrent OPENs don't launch redundant probes.
func (m *Manager) ProbeBackChannel(ctx context.Context, sessionID SessionArenaID, probe func(context.Context) bool) BackChannelState {
	m.mu.RLock()
	sess, err := m.getSessionLocked(sessionID)
	m.mu.RUnlock()
	if err != nil {
		return BackChannelNone
	}

	sess.mu.Lock()
	if sess.BackChannel == BackChannelGood || sess.BackChannel == BackChannelChecking {
		state := sess.BackChannel
		sess.mu.Unlock()
		return state
	}
	sess.BackChannel = BackChannelChecking
	sess.mu.Unlock()

	ok := probe(ctx)

	sess.mu.Lock()
	if ok {
		sess.BackChannel = BackChannelGood
	} else {
		sess.BackChannel = BackChannelUnchecked
	}
	state := sess.BackChannel
	sess.mu.Unlock()
	return state
}

func sameSessionID(a, b nfs4.SessionID4) bool { return bytes.Equal(a[:], b[:]) }
