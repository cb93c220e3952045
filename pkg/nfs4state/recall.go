package nfs4state

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/logger"
)

// RecallRateLimit bounds how many recalls one sweep issues.
const RecallRateLimit = 100

// Recaller performs the actual CB_RECALL/CB_LAYOUTRECALL round trip over
// a client's back channel; owned by the caller since it needs an RPC
// client this package doesn't hold, matching session.go's ProbeBackChannel
// split. ok reports whether the callback was delivered at all (a false
// return, not an application-level NFS4ERR_NOMATCHING_LAYOUT, means the
// back channel itself is unreachable); noMatchingLayout reports whether
// the client replied that it no longer has the layout.
type Recaller func(ctx context.Context, client ClientID, st StateArenaID, kind StateKind) (ok, noMatchingLayout bool)

// RunRecallSweep implements the recall driver: pick every recallable
// entry (delegation or layout) whose expiry has passed and that is not
// currently open on its own client, recall up to RecallRateLimit of
// them, and revoke an entry whose recall could not be delivered (back
// channel unreachable) or whose client replied that it no longer holds
// it.
func (m *Manager) RunRecallSweep(ctx context.Context, recall Recaller) int {
	now := m.clock.Now()

	m.mu.RLock()
	var targets []StateArenaID
	for id, st := range m.state {
		st.mu.Lock()
		eligible := (st.Kind == StateDelegation || st.Kind == StateLayout) && !st.Revoked && !st.Recalled && !st.Expiry.IsZero() && !now.Before(st.Expiry)
		client := st.Client
		file := st.File
		st.mu.Unlock()
		if !eligible {
			continue
		}
		if fs := m.files[file]; fs != nil {
			fs.mu.Lock()
			stillOpenByOwner := fs.isOpenLocked(m, client)
			fs.mu.Unlock()
			if stillOpenByOwner {
				continue
			}
		}
		targets = append(targets, id)
		if len(targets) >= RecallRateLimit {
			break
		}
	}
	m.mu.RUnlock()

	recalled := 0
	for _, id := range targets {
		m.mu.Lock()
		st, ok := m.state[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		st.mu.Lock()
		st.Recalled = true
		client, kind := st.Client, st.Kind
		st.mu.Unlock()
		m.mu.Unlock()

		ok, noMatching := recall(ctx, client, id, kind)
		if !ok || noMatching {
			m.mu.Lock()
			m.revokeStateLocked(id)
			m.mu.Unlock()
			logger.InfoCtx(ctx, "nfs4state: recall failed, revoked directly", "state", uint64(id), "reachable", ok, "no_matching_layout", noMatching)
			continue
		}
		recalled++
	}
	return recalled
}

// ConfirmRecall marks st as revoked once the client has actually
// returned it (LAYOUTRETURN/DELEGRETURN), releasing it from the arena;
// a recall driver that gets an explicit return rather than timing out
// calls this instead of RunRecallSweep's own revoke-on-failure path.
func (m *Manager) ConfirmRecall(id StateArenaID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeStateLocked(id)
}
