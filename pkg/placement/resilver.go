package placement

import (
	"context"
	"time"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// ResilverStagger is the minimum spacing between resilver task starts
// (10ms, i.e. at most 100/sec), so a mass decommission doesn't saturate
// every healthy device's I/O at once.
const ResilverStagger = 10 * time.Millisecond

// ResilverRetryDelay is how long a failed resilver waits before its
// piece is requeued.
const ResilverRetryDelay = 30 * time.Second

// ResilverConcurrency bounds how many resilver tasks run at once.
const ResilverConcurrency = 8

// RunResilverScheduler drains the repair queue until ctx is cancelled,
// staggering task starts and running up to ResilverConcurrency of them
// concurrently. It is meant to run for the lifetime of a master MDS
// process in its own goroutine.
func (m *Manager) RunResilverScheduler(ctx context.Context) {
	sem := make(chan struct{}, ResilverConcurrency)
	ticker := time.NewTicker(ResilverStagger)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case pid := <-m.repairCh:
			<-ticker.C
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(pid pieces.PieceID) {
				defer func() { <-sem }()
				m.resilverOne(ctx, pid)
			}(pid)
		}
	}
}

// resilverOne brings pid back up to m.replicas replicas: it picks
// additional devices, creates the piece there, copies bytes from a
// surviving good replica, and persists the enlarged Location. On any
// failure the piece is requeued after ResilverRetryDelay.
func (m *Manager) resilverOne(ctx context.Context, pid pieces.PieceID) {
	p, err := m.getPiece(ctx, pid)
	if err != nil {
		return
	}

	loc, state := p.snapshot()
	if state != NeedResilver {
		return
	}
	if len(loc) >= m.replicas {
		p.mu.Lock()
		p.State = Idle
		p.mu.Unlock()
		// Already back at full replication (e.g. a competing grow won
		// the race); retire the piece's repair-log entry.
		_ = m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
			return clearRepairLog(tx, pid)
		})
		return
	}

	p.mu.Lock()
	p.State = Resilvering
	p.mu.Unlock()

	if err := m.growLocation(ctx, p); err != nil {
		logger.WarnCtx(ctx, "resilver failed, will retry", "fileid", pid.FileID, "offset", pid.Offset, "error", err)
		p.mu.Lock()
		p.State = NeedResilver
		p.mu.Unlock()
		time.AfterFunc(ResilverRetryDelay, func() { m.enqueueResilver(pid) })
		return
	}

	p.mu.Lock()
	p.State = Idle
	p.mu.Unlock()
}
