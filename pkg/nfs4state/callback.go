package nfs4state

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
)

// CBRecallAnyRequest is CB_RECALL_ANY's payload: ask a client to give up
// enough delegations to get under objects_to_keep, honoring its
// recallable-type mask (RFC 8881 Section 20.6).
type CBRecallAnyRequest struct {
	ObjectsToKeep uint32
	Mask          uint32
}

// SendRecallAny builds a CB_RECALL_ANY request for client if it holds
// more recallable state than objectsToKeep. This core only ever recalls
// delegations this way (layouts are always recalled individually via
// LAYOUTRECALL), so the mask always names the delegation bit.
func (m *Manager) SendRecallAny(ctx context.Context, client ClientID, objectsToKeep uint32) (CBRecallAnyRequest, bool) {
	m.mu.RLock()
	cl, ok := m.clients[client]
	m.mu.RUnlock()
	if !ok {
		return CBRecallAnyRequest{}, false
	}

	cl.mu.Lock()
	count := uint32(0)
	for id := range cl.State {
		if st, ok := m.state[id]; ok && st.Kind == StateDelegation {
			count++
		}
	}
	cl.mu.Unlock()

	if count <= objectsToKeep {
		return CBRecallAnyRequest{}, false
	}
	const recallableDelegationMask = 1 << 0
	return CBRecallAnyRequest{ObjectsToKeep: objectsToKeep, Mask: recallableDelegationMask}, true
}

// CBGetattrResult reports whether a CB_GETATTR round trip reached the
// client at all. ProbeBackChannel does not use it; its probe is a plain
// bool-returning function.
type CBGetattrResult struct {
	Reachable bool
}

// DelegationHolder reports which client, if any, holds a write
// delegation on file — CB_GETATTR's caller uses this to know which
// client's cached attributes are authoritative ahead of a GETATTR that
// raced a delegation.
func (m *Manager) DelegationHolder(ctx context.Context, file FileID) (ClientID, nfs4.Stateid4, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fs, ok := m.files[file]
	if !ok {
		return 0, nfs4.Stateid4{}, false
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id := range fs.Delegations {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		isWrite := st.Access&nfs4.ShareAccessWrite != 0
		client := st.Client
		sid := st.stateid()
		st.mu.Unlock()
		if isWrite {
			return client, sid, true
		}
	}
	return 0, nfs4.Stateid4{}, false
}
