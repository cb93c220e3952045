package nfs4state

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// CloseRequest is CLOSE's input: the open stateid to release.
type CloseRequest struct {
	Client  ClientID
	Stateid nfs4.Stateid4
}

// Close implements CLOSE: releases one OPEN's NfsState entry and
// recomputes the owning FileState's access/deny union, invariant 4's
// shrink-back-down half (updateShareLocked's growth half is already
// exercised by Open). A stateid belonging to a different client, not an
// OPEN at all, or already gone is NFS4ERR_BAD_STATEID; a stale seqid is
// NFS4ERR_OLD_STATEID.
func (m *Manager) Close(ctx context.Context, req CloseRequest) error {
	id, kind := decodeOther(req.Stateid.Other)
	if kind != StateOpen {
		return errs.BadStateid()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[id]
	if !ok {
		return errs.BadStateid()
	}
	st.mu.Lock()
	mismatch := st.Client != req.Client
	staleSeqid := !mismatch && st.Seqid != req.Stateid.Seqid
	file := st.File
	st.mu.Unlock()
	if mismatch {
		return errs.BadStateid()
	}
	if staleSeqid {
		return errs.OldStateid()
	}

	if fs := m.files[file]; fs != nil {
		fs.mu.Lock()
		delete(fs.Opens, id)
		fs.updateShareLocked(m)
		fs.mu.Unlock()
		m.gcFileStateLocked(file)
	}

	delete(m.state, id)
	if cl, ok := m.clients[req.Client]; ok {
		cl.mu.Lock()
		delete(cl.State, id)
		cl.mu.Unlock()
	}
	m.metrics.opensActive.Dec()
	return nil
}

// FreeStateid implements FREE_STATEID: releases the client's own memory
// of a stateid whose arena entry is already gone, per grace.go's
// absence-means-revoked convention (a force-revoked entry is deleted
// from m.state but left in the owning client's State set until
// explicitly freed). A stateid whose arena entry is still live cannot be
// freed out from under its grant; CLOSE/LAYOUTRETURN release a live one.
func (m *Manager) FreeStateid(client ClientID, stateid nfs4.Stateid4) error {
	id, _ := decodeOther(stateid.Other)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.state[id]; live {
		return errs.InvalidArgument("stateid is still active, not eligible for FREE_STATEID")
	}
	cl, ok := m.clients[client]
	if !ok {
		return errs.StaleClientid()
	}
	cl.mu.Lock()
	_, remembered := cl.State[id]
	delete(cl.State, id)
	cl.mu.Unlock()
	if !remembered {
		return errs.BadStateid()
	}
	return nil
}

// TestStateid implements TEST_STATEID: reports, without side effects,
// the status each of the given stateids would get if used right now. A
// stateid whose arena entry is live is NFS4_OK; one this client was
// granted but that has since been force-revoked (gone from m.state but
// still remembered in the client's own State set) is
// NFS4ERR_ADMIN_REVOKED; anything else is NFS4ERR_BAD_STATEID.
func (m *Manager) TestStateid(client ClientID, stateids []nfs4.Stateid4) []errs.Nfsstat4 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cl := m.clients[client]
	out := make([]errs.Nfsstat4, len(stateids))
	for i, sid := range stateids {
		id, _ := decodeOther(sid.Other)
		if _, live := m.state[id]; live {
			out[i] = errs.NFS4_OK
			continue
		}
		if cl != nil {
			cl.mu.Lock()
			_, remembered := cl.State[id]
			cl.mu.Unlock()
			if remembered {
				out[i] = errs.NFS4ERR_ADMIN_REVOKED
				continue
			}
		}
		out[i] = errs.NFS4ERR_BAD_STATEID
	}
	return out
}
