package nfs4state

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// RecallTarget names one non-owning state entry an OPEN's conflict check
// wants recalled before the opener can proceed; the caller (which owns
// the RPC client used to reach a client's back channel) performs the
// actual CB_RECALL/CB_LAYOUTRECALL and then retries the OPEN.
type RecallTarget struct {
	State StateArenaID
	Kind  StateKind
}

// Creator is the narrow pkg/namespace.Filesystem slice OPEN's
// create-disposition handling needs, kept local to avoid an import
// cycle (mirrors the Setattr interface in layout.go). Create implements
// UNCHECKED4/GUARDED4 (both resolve to the namespace's idempotent,
// silently-reuse-existing create — namespace.Tree has no GUARDED4-style
// EEXIST-on-existing primitive, so both createhow4 values behave the
// same here; see DESIGN.md); CreateExclusive implements EXCLUSIVE4_1's
// verifier-replay semantics.
type Creator interface {
	Create(ctx context.Context, dir FileID, name string, blockSize uint32) (FileID, error)
	CreateExclusive(ctx context.Context, dir FileID, name string, blockSize uint32, verf [8]byte) (FileID, bool, error)
}

// OpenRequest is OPEN's input folded into one struct. CreateHow is
// nfs4.NoCreate for CLAIM_NULL opens of an
// already-resolved File; any other value drives a create (of Name under
// Dir) before the share-reservation logic below runs.
type OpenRequest struct {
	Client      ClientID
	Owner       nfs4.StateOwner4
	File        FileID
	Dir         FileID
	Name        string
	CreateHow   nfs4.CreateHow4
	CreateVerf  [8]byte
	BlockSize   uint32
	Access      int
	Deny        int
	Want        nfs4.WantDeleg4
	BackChannel BackChannelState
	IsRegular   bool
}

// OpenResult is what Open returns on success: the granted stateid,
// whether OPEN went through a create, and the delegation state entry if
// one was issued or upgraded. For EXCLUSIVE4_1, Created is true only
// when a new file was made; for UNCHECKED4/GUARDED4 it is true even when
// the name already existed, since Creator.Create does not report that.
type OpenResult struct {
	Stateid    nfs4.Stateid4
	Created    bool
	Delegation *nfs4.Stateid4
	// DelegationAccess is the granted delegation's access mode
	// (ShareAccessRead or ShareAccessWrite), meaningful only when
	// Delegation is non-nil; the dispatch layer needs it to pick the
	// open_delegation4 arm without unpacking the stateid.
	DelegationAccess int
}

// Open implements OPEN's share-reservation and delegation-decision
// logic for flex-files' simpler (no lock, no special-stateid) world.
// Conflicts are reported as a non-nil []RecallTarget alongside
// errs.Delay so the caller can issue the recalls, hand the opener
// NFS4ERR_DELAY, and let it retry.
func (m *Manager) Open(ctx context.Context, creator Creator, req OpenRequest) (OpenResult, []RecallTarget, error) {
	var created bool
	if req.CreateHow != nfs4.NoCreate {
		var err error
		switch req.CreateHow {
		case nfs4.Exclusive4_1:
			req.File, created, err = creator.CreateExclusive(ctx, req.Dir, req.Name, req.BlockSize, req.CreateVerf)
		default: // Unchecked4, Guarded4
			req.File, err = creator.Create(ctx, req.Dir, req.Name, req.BlockSize)
			created = true
		}
		if err != nil {
			return OpenResult{}, nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cl, err := m.getClientLocked(req.Client)
	if err != nil {
		return OpenResult{}, nil, err
	}

	fs := m.fileStateLocked(req.File, true)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if existing := fs.findOpenLocked(m, req.Client, req.Owner); existing != nil {
		result, targets, err := m.upgradeOpenLocked(cl, fs, existing, req)
		result.Created = created
		return result, targets, err
	}

	if m.totalStateCount(cl) >= m.maxState {
		return OpenResult{}, nil, errs.Delay("client has reached its maximum outstanding state count")
	}

	// Delegation/layout conflict recall is independent of the plain
	// share-reservation check below: a WRITE opener must recall every
	// non-owning delegation and layout (a READ opener only write ones)
	// even when share_deny itself doesn't collide.
	if targets := m.conflictRecallTargetsLocked(fs, req.Client, req.Access); len(targets) > 0 {
		return OpenResult{}, targets, errs.Delay("conflicting state recalled, retry")
	}

	inGrace := m.gracingLocked()
	if err := fs.checkShareLocked(m, req.Client, req.Owner, req.Access, req.Deny, inGrace); err != nil {
		return OpenResult{}, nil, err
	}

	id := m.nextState
	m.nextState++
	st := &NfsState{
		ID:     id,
		Kind:   StateOpen,
		Seqid:  1,
		Client: req.Client,
		File:   req.File,
		Owner:  req.Owner,
		Access: req.Access,
		Deny:   req.Deny,
	}
	m.state[id] = st
	fs.Opens[id] = true
	fs.updateShareLocked(m)

	cl.mu.Lock()
	cl.State[id] = true
	cl.mu.Unlock()

	result := OpenResult{Stateid: st.stateid(), Created: created}

	if req.IsRegular && req.BackChannel == BackChannelGood {
		if delegAccess, ok := m.decideDelegationLocked(fs, req.Client, req.Access, req.Want); ok {
			dst := m.grantDelegationLocked(cl, fs, req.Client, req.File, delegAccess)
			sid := dst.stateid()
			result.Delegation = &sid
			result.DelegationAccess = delegAccess
		}
	}

	m.metrics.opensActive.Inc()
	return result, nil, nil
}

// upgradeOpenLocked handles an OPEN from an owner that already has an
// open on this file: if (share_access, share_deny) changes, bump seqid
// and retain the same stateid other.
func (m *Manager) upgradeOpenLocked(cl *Client, fs *FileState, st *NfsState, req OpenRequest) (OpenResult, []RecallTarget, error) {
	st.mu.Lock()
	changed := st.Access != req.Access || st.Deny != req.Deny
	if changed {
		st.Access, st.Deny = req.Access, req.Deny
		st.bumpSeqid()
	}
	sid := st.stateid()
	st.mu.Unlock()

	if changed {
		fs.updateShareLocked(m)
	}
	return OpenResult{Stateid: sid}, nil, nil
}

// conflictRecallTargetsLocked collects every non-owning delegation and
// layout that must be recalled before req's opener
// can be satisfied: a WRITE opener recalls every non-owning delegation
// and layout; a READ opener recalls only write delegations and write
// layouts held by other clients.
func (m *Manager) conflictRecallTargetsLocked(fs *FileState, self ClientID, access int) []RecallTarget {
	wantsWrite := access&nfs4.ShareAccessWrite != 0
	var targets []RecallTarget

	for id := range fs.Delegations {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		other := st.Client != self
		isWrite := st.Access&nfs4.ShareAccessWrite != 0
		st.mu.Unlock()
		if other && (wantsWrite || isWrite) {
			targets = append(targets, RecallTarget{State: id, Kind: StateDelegation})
		}
	}
	for id := range fs.Layouts {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		other := st.Client != self
		isWrite := st.Iomode == nfs4.LayoutIomodeRW
		st.mu.Unlock()
		if other && (wantsWrite || isWrite) {
			targets = append(targets, RecallTarget{State: id, Kind: StateLayout})
		}
	}
	return targets
}

// decideDelegationLocked implements the delegation decision table.
// Returns the access mode to grant and true if a delegation should be
// issued or upgraded.
func (m *Manager) decideDelegationLocked(fs *FileState, self ClientID, openAccess int, want nfs4.WantDeleg4) (int, bool) {
	if want == nfs4.WantNoDeleg || want == nfs4.WantCancelDeleg {
		return 0, false
	}

	otherWriteOpen := false
	otherOpenAtAll := false
	otherDelegAtAll := false
	otherWriteDeleg := false
	for id := range fs.Opens {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		if st.Client != self {
			otherOpenAtAll = true
			if st.Access&nfs4.ShareAccessWrite != 0 {
				otherWriteOpen = true
			}
		}
		st.mu.Unlock()
	}
	for id := range fs.Delegations {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		if st.Client != self {
			otherDelegAtAll = true
			if st.Access&nfs4.ShareAccessWrite != 0 {
				otherWriteDeleg = true
			}
		}
		st.mu.Unlock()
	}

	canRead := !otherWriteDeleg && !otherWriteOpen
	canWrite := !otherOpenAtAll && !otherDelegAtAll

	switch want {
	case nfs4.WantReadDeleg:
		return nfs4.ShareAccessRead, canRead
	case nfs4.WantWriteDeleg:
		return nfs4.ShareAccessWrite, canWrite
	case nfs4.WantAnyDeleg, nfs4.WantPushDeleg:
		if canWrite {
			return nfs4.ShareAccessWrite, true
		}
		return nfs4.ShareAccessRead, canRead
	default:
		return 0, false
	}
}

// grantDelegationLocked issues a fresh delegation, or upgrades the
// client's existing one on this file in place: same stateid other,
// bumped seqid, updated access.
func (m *Manager) grantDelegationLocked(cl *Client, fs *FileState, client ClientID, file FileID, access int) *NfsState {
	if existing := fs.findDelegationLocked(m, client); existing != nil {
		existing.mu.Lock()
		existing.Access = access
		existing.bumpSeqid()
		existing.Expiry = m.clock.Now().Add(m.leaseTime)
		existing.mu.Unlock()
		return existing
	}

	id := m.nextState
	m.nextState++
	st := &NfsState{
		ID:     id,
		Kind:   StateDelegation,
		Seqid:  1,
		Client: client,
		File:   file,
		Access: access,
		Expiry: m.clock.Now().Add(m.leaseTime),
	}
	m.state[id] = st
	fs.Delegations[id] = true

	cl.mu.Lock()
	cl.State[id] = true
	cl.mu.Unlock()

	m.metrics.delegationsActive.Inc()
	return st
}

func (m *Manager) gracingLocked() bool {
	return m.gracing && m.clock.Now().Before(m.graceTime)
}
