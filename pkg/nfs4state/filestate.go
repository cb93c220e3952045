package nfs4state

import (
	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// checkShareLocked implements the share-reservation check: access must not
// intersect any existing open's deny, and deny must not intersect any
// existing open's access, except against opens held by the same
// (client, owner) pair (an upgrade/downgrade of one's own open is never
// a conflict with itself). During the grace period, a conflict against
// another client's open returns GRACE; a conflict between two owners of
// the same client, or any conflict after grace has ended, is
// SHARE_DENIED. Whether the conflicting state was restored or reclaimed
// is not checked. Must be called with fs.mu held.
func (fs *FileState) checkShareLocked(m *Manager, self ClientID, owner nfs4.StateOwner4, access, deny int, inGrace bool) error {
	for id := range fs.Opens {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		sameOwner := st.Client == self && st.Owner == owner
		conflict := !sameOwner && (access&st.Deny != 0 || deny&st.Access != 0)
		otherClient := st.Client
		st.mu.Unlock()
		if !conflict {
			continue
		}
		if inGrace && otherClient != self {
			return errs.Grace()
		}
		return errs.ShareDenied()
	}
	return nil
}

// updateShareLocked recomputes fs.Access/fs.Deny as the union across
// every outstanding open. Must be called with fs.mu held.
func (fs *FileState) updateShareLocked(m *Manager) {
	access, deny := 0, 0
	for id := range fs.Opens {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		access |= st.Access
		deny |= st.Deny
		st.mu.Unlock()
	}
	fs.Access, fs.Deny = access, deny
}

// findOpenLocked returns the existing open NfsState for (client, owner)
// on this file, if any. Must be called with fs.mu held.
func (fs *FileState) findOpenLocked(m *Manager, client ClientID, owner nfs4.StateOwner4) *NfsState {
	for id := range fs.Opens {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		match := st.Client == client && st.Owner == owner
		st.mu.Unlock()
		if match {
			return st
		}
	}
	return nil
}

// isOpenLocked reports whether client holds any open on this file at
// all, regardless of owner (used by RunRecallSweep to skip entries whose
// holder still has the file open). Must be called with fs.mu held.
func (fs *FileState) isOpenLocked(m *Manager, client ClientID) bool {
	for id := range fs.Opens {
		st := m.state[id]
		if st != nil && st.Client == client {
			return true
		}
	}
	return false
}

// findDelegationLocked returns client's outstanding delegation on this
// file, if any (at most one per client per file is ever granted). Must
// be called with fs.mu held.
func (fs *FileState) findDelegationLocked(m *Manager, client ClientID) *NfsState {
	for id := range fs.Delegations {
		st := m.state[id]
		if st != nil && st.Client == client {
			return st
		}
	}
	return nil
}
