package nfs4state

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// DelegReturn implements DELEGRETURN: the holder voluntarily gives a
// delegation back, typically in response to CB_RECALL. The entry is
// released cleanly (not marked revoked), so a conflicting opener's
// NFS4ERR_DELAY retry loop finds the file free on its next pass.
func (m *Manager) DelegReturn(ctx context.Context, client ClientID, stateid nfs4.Stateid4) error {
	id, kind := decodeOther(stateid.Other)
	if kind != StateDelegation {
		return errs.BadStateid()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[id]
	if !ok {
		return errs.BadStateid()
	}
	st.mu.Lock()
	mismatch := st.Client != client
	staleSeqid := !mismatch && st.Seqid != stateid.Seqid
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
		delete(fs.Delegations, id)
		fs.mu.Unlock()
		m.gcFileStateLocked(file)
	}
	delete(m.state, id)
	if cl, ok := m.clients[client]; ok {
		cl.mu.Lock()
		delete(cl.State, id)
		cl.mu.Unlock()
	}
	m.metrics.delegationsActive.Dec()
	return nil
}
