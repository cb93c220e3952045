package nfs4state

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// ExchangeIDCase reports which of the six EXCHANGE_ID client-record
// cases a request fell into, so the caller can shape its result
// (EXCHGID4_FLAG_CONFIRMED_R, clientid reuse vs replacement) accordingly.
type ExchangeIDCase int

const (
	// CaseNewOwner (1): no record exists for this owner id at all.
	CaseNewOwner ExchangeIDCase = iota
	// CaseConfirmedSameVerifier (2): a confirmed record exists with the
	// same verifier; its clientid is returned unchanged.
	CaseConfirmedSameVerifier
	// CaseConfirmedPrincipalRestart (3): a confirmed record exists with
	// the same verifier but a different principal, and it holds no
	// state, so it is purged and a fresh unconfirmed record created.
	CaseConfirmedPrincipalRestart
	// CaseUnconfirmedReplace (4): an unconfirmed record exists; it is
	// replaced unconditionally.
	CaseUnconfirmedReplace
	// CaseConfirmedVerifierRestart (5): a confirmed record exists with a
	// different verifier (the client process restarted); a new
	// unconfirmed record is added alongside the still-confirmed old
	// record, which CREATE_SESSION purges on the new record's first
	// success.
	CaseConfirmedVerifierRestart
	// CaseUpdateConfirmed (6): EXCHGID4_FLAG_UPD_CONFIRMED_REC_A against
	// a confirmed record whose verifier matches.
	CaseUpdateConfirmed
)

// ExchangeIDResult is what ExchangeID returns: the resolved client and
// which case the request fell into.
type ExchangeIDResult struct {
	Client *Client
	Case   ExchangeIDCase
}

// ExchangeID implements EXCHANGE_ID's client-record resolution across
// the six enumerated cases. update selects the
// EXCHGID4_FLAG_UPD_CONFIRMED_REC_A path (case 6).
func (m *Manager) ExchangeID(ctx context.Context, owner nfs4.ClientOwner4, principal string, update bool) (ExchangeIDResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existingID, found := m.clientsByOwner[owner.OwnerID]
	var existing *Client
	if found {
		existing = m.clients[existingID]
	}

	if update {
		if existing == nil || !existing.Confirmed {
			return ExchangeIDResult{}, errs.NotFound("exchange_id update: no confirmed record")
		}
		existing.mu.Lock()
		sameVerifier := existing.Verifier == owner.Verifier
		existing.mu.Unlock()
		if !sameVerifier {
			return ExchangeIDResult{}, errs.InvalidArgument("exchange_id update: verifier mismatch (NOT_SAME)")
		}
		return ExchangeIDResult{Client: existing, Case: CaseUpdateConfirmed}, nil
	}

	if existing == nil {
		return m.newClientLocked(owner, principal, CaseNewOwner), nil
	}

	existing.mu.Lock()
	sameVerifier := existing.Verifier == owner.Verifier
	samePrincipal := existing.Principal == principal
	confirmed := existing.Confirmed
	hasState := len(existing.State) > 0
	existing.mu.Unlock()

	switch {
	case !confirmed:
		// Case 4: unconfirmed records are always superseded, regardless
		// of verifier/principal — the prior EXCHANGE_ID never completed
		// with a CREATE_SESSION, so nothing is lost.
		return m.replaceClientLocked(existingID, owner, principal, CaseUnconfirmedReplace), nil
	case sameVerifier && samePrincipal:
		// Case 2: idempotent non-update retry, same clientid returned.
		return ExchangeIDResult{Client: existing, Case: CaseConfirmedSameVerifier}, nil
	case sameVerifier && !samePrincipal:
		// Case 3: a principal conflict on an otherwise-matching client
		// is only resolvable if the confirmed record is quiescent.
		if hasState {
			return ExchangeIDResult{}, errs.AccessDenied("clientid in use by another principal (CLID_INUSE)")
		}
		return m.replaceClientLocked(existingID, owner, principal, CaseConfirmedPrincipalRestart), nil
	default:
		// Case 5: different verifier — the client process restarted.
		// The old confirmed record stays (its state survives until the
		// new record's first CREATE_SESSION). clientsByOwner always
		// names the most recent attempt, so an unconfirmed record for
		// this owner is handled by case 4 above and never reaches here.
		return m.newClientRestartLocked(existingID, owner, principal), nil
	}
}

func (m *Manager) newClientLocked(owner nfs4.ClientOwner4, principal string, c ExchangeIDCase) ExchangeIDResult {
	id := m.nextClient
	m.nextClient++
	cl := &Client{
		ID:        id,
		Owner:     owner,
		Verifier:  owner.Verifier,
		Principal: principal,
		Expiry:    m.clock.Now().Add(m.leaseTime),
		Sessions:  map[SessionArenaID]bool{},
		State:     map[StateArenaID]bool{},
	}
	m.clients[id] = cl
	m.clientsByOwner[owner.OwnerID] = id
	m.metrics.clientsActive.Inc()
	return ExchangeIDResult{Client: cl, Case: c}
}

func (m *Manager) replaceClientLocked(old ClientID, owner nfs4.ClientOwner4, principal string, c ExchangeIDCase) ExchangeIDResult {
	m.destroyClientLocked(old)
	return m.newClientLocked(owner, principal, c)
}

// newClientRestartLocked implements case 5: the superseded confirmed
// record's id is kept out of clientsByOwner (replaced by the new
// record's id) but its arena entry and state survive until the new
// record's first successful CREATE_SESSION purges it.
func (m *Manager) newClientRestartLocked(old ClientID, owner nfs4.ClientOwner4, principal string) ExchangeIDResult {
	result := m.newClientLocked(owner, principal, CaseConfirmedVerifierRestart)
	result.Client.mu.Lock()
	result.Client.supersedes = old
	result.Client.hasSupersedes = true
	result.Client.mu.Unlock()
	return result
}

// destroyClientLocked removes a client and revokes all of its state;
// nothing else references a purged unconfirmed/superseded record, so
// revocation and removal are one step.
func (m *Manager) destroyClientLocked(id ClientID) {
	cl, ok := m.clients[id]
	if !ok {
		return
	}
	cl.mu.Lock()
	sessionIDs := make([]SessionArenaID, 0, len(cl.Sessions))
	for sid := range cl.Sessions {
		sessionIDs = append(sessionIDs, sid)
	}
	stateIDs := make([]StateArenaID, 0, len(cl.State))
	for sid := range cl.State {
		stateIDs = append(stateIDs, sid)
	}
	owner := cl.Owner.OwnerID
	cl.mu.Unlock()

	for _, sid := range sessionIDs {
		if sess, ok := m.sessions[sid]; ok {
			delete(m.sessionsByWire, sess.Wire)
			m.metrics.sessionsActive.Dec()
		}
		delete(m.sessions, sid)
	}
	for _, sid := range stateIDs {
		m.revokeStateLocked(sid)
	}
	delete(m.clients, id)
	if m.clientsByOwner[owner] == id {
		delete(m.clientsByOwner, owner)
	}
	m.metrics.clientsActive.Dec()
}

// revokeStateLocked tears down one state entry and its FileState
// membership, independent of which client holds it.
func (m *Manager) revokeStateLocked(id StateArenaID) {
	st, ok := m.state[id]
	if !ok {
		return
	}
	st.mu.Lock()
	kind := st.Kind
	st.mu.Unlock()
	switch kind {
	case StateOpen:
		m.metrics.opensActive.Dec()
	case StateDelegation:
		m.metrics.delegationsActive.Dec()
	case StateLayout:
		m.metrics.layoutsActive.Dec()
	}
	if fs := m.files[st.File]; fs != nil {
		fs.mu.Lock()
		delete(fs.Opens, id)
		delete(fs.Delegations, id)
		delete(fs.Layouts, id)
		empty := !fs.hasState()
		fs.mu.Unlock()
		if empty {
			delete(m.files, st.File)
		}
	}
	delete(m.state, id)
}

// SetConfirmed marks a client confirmed, the CREATE_SESSION side effect
// of EXCHANGE_ID's unconfirmed-record handshake.
func (c *Client) SetConfirmed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Confirmed = true
}

// Touch extends a client's lease to now+leaseTime, called on every
// successful SEQUENCE per the lease-renewal rule.
func (m *Manager) Touch(c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Expiry = m.clock.Now().Add(m.leaseTime)
}

// TouchClientID is Touch by arena id, for callers that only carry the
// id across a dispatch boundary.
func (m *Manager) TouchClientID(id ClientID) error {
	m.mu.RLock()
	cl, err := m.getClientLocked(id)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	m.Touch(cl)
	return nil
}

// DestroyClientID implements DESTROY_CLIENTID: a client may only be
// destroyed once all of its sessions are gone (NFS4ERR_CLIENTID_BUSY
// otherwise); its remaining state, if any, is revoked with it.
func (m *Manager) DestroyClientID(id ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cl, err := m.getClientLocked(id)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	busy := len(cl.Sessions) > 0
	cl.mu.Unlock()
	if busy {
		return errs.InvalidArgument("client still has sessions (CLIENTID_BUSY)")
	}
	m.destroyClientLocked(id)
	return nil
}

// SetReclaimComplete records RECLAIM_COMPLETE for a client, closing its
// individual reclaim window ahead of (or independent of) the server-wide
// grace timer. A second RECLAIM_COMPLETE is an error the caller maps to
// NFS4ERR_COMPLETE_ALREADY.
func (m *Manager) SetReclaimComplete(id ClientID) error {
	m.mu.RLock()
	cl, err := m.getClientLocked(id)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.ReclaimComplete {
		return errs.InvalidArgument("reclaim already complete")
	}
	cl.ReclaimComplete = true
	return nil
}

// HasReclaimComplete reports whether the client has declared its
// reclaim window closed; OPEN refuses CLAIM_PREVIOUS afterward.
func (m *Manager) HasReclaimComplete(id ClientID) bool {
	m.mu.RLock()
	cl, ok := m.clients[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.ReclaimComplete
}
