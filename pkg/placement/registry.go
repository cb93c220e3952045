package placement

import (
	"context"
	"sync"

	ristretto "github.com/dgraph-io/ristretto/v2"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// DefaultPieceCacheLimit bounds the in-memory Piece registry, mirroring
// the DS-local open-file cache in pkg/pieces: the MDS can hold far more
// pieces on disk than it keeps hot *Piece structs for.
const DefaultPieceCacheLimit = 1 << 20

// Manager is the MDS-side placement engine: Component C. It owns the
// mapping from PieceID to its replica Location, the placement
// algorithm, read/write fan-out, and the resilver scheduler.
type Manager struct {
	kv       *kvstore.Store
	devices  *devices.Manager
	ds       DSClient
	replicas int

	mu    sync.Mutex
	cache *ristretto.Cache[pieces.PieceID, *Piece]

	repairCh chan pieces.PieceID
}

// New constructs a placement Manager. replicas is R, the default target
// replica count for newly placed pieces.
func New(kv *kvstore.Store, dm *devices.Manager, ds DSClient, replicas int) (*Manager, error) {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	cache, err := ristretto.NewCache(&ristretto.Config[pieces.PieceID, *Piece]{
		NumCounters: DefaultPieceCacheLimit * 10,
		MaxCost:     DefaultPieceCacheLimit,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errs.IoError("create piece registry cache: " + err.Error())
	}
	m := &Manager{
		kv:       kv,
		devices:  dm,
		ds:       ds,
		replicas: replicas,
		cache:    cache,
		repairCh: make(chan pieces.PieceID, 4096),
	}
	dm.SetRepairHook(m.onDeviceDecommissioned)
	return m, nil
}

func (m *Manager) Close() { m.cache.Close() }

// RepairQueueDepth approximates the number of pieces awaiting resilver,
// for the Prometheus collector.
func (m *Manager) RepairQueueDepth() int { return len(m.repairCh) }

// getPiece returns the in-memory Piece for pid, loading its persisted
// Location on a cache miss. Returns errs.NotFound if the piece has never
// been placed.
func (m *Manager) getPiece(ctx context.Context, pid pieces.PieceID) (*Piece, error) {
	if p, ok := m.cache.Get(pid); ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.cache.Get(pid); ok {
		return p, nil
	}

	var loc Location
	err := m.kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		l, err := loadLocation(tx, pid)
		if err != nil {
			return err
		}
		loc = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	p := &Piece{ID: pid, Loc: loc}
	m.cache.Set(pid, p, 1)
	return p, nil
}

// onDeviceDecommissioned is the devices.RepairHook: every piece that had
// a replica on dev is flagged NeedResilver, written to the persistent
// repair log, and queued.
func (m *Manager) onDeviceDecommissioned(ctx context.Context, dev devices.ID) {
	pids, err := piecesOnDevice(ctx, m.kv, dev)
	if err != nil {
		return
	}
	err = m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		for _, pid := range pids {
			if err := setRepairLog(tx, pid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.WarnCtx(ctx, "failed to persist repair log for decommissioned device", "device", dev, "error", err)
	}
	for _, pid := range pids {
		p, err := m.getPiece(ctx, pid)
		if err != nil {
			continue
		}
		p.mu.Lock()
		if p.State == Idle || p.State == Busy {
			p.State = NeedResilver
		}
		p.mu.Unlock()
		m.enqueueResilver(pid)
	}
}

// LoadFromStore rebuilds the resilver queue from the persisted repair
// log, the recovery step that makes the repairs namespace an actual
// crash-safe record of in-flight resilvers: every surviving entry is
// re-marked NeedResilver and re-enqueued. Call once at startup, after
// the device registry has loaded.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	var pids []pieces.PieceID
	err := m.kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.IteratePrefix(kvstore.NamespaceRepairs, nil, nil, func(k, _ []byte) (bool, error) {
			if pid, ok := DecodePieceKey(k); ok {
				pids = append(pids, pid)
			}
			return true, nil
		})
	})
	if err != nil {
		return errs.IoError("load repair log: " + err.Error())
	}
	for _, pid := range pids {
		p, err := m.getPiece(ctx, pid)
		if err != nil {
			continue
		}
		p.mu.Lock()
		if p.State == Idle || p.State == Busy {
			p.State = NeedResilver
		}
		p.mu.Unlock()
		m.enqueueResilver(pid)
	}
	if len(pids) > 0 {
		logger.InfoCtx(ctx, "requeued pieces from persisted repair log", "count", len(pids))
	}
	return nil
}

func (m *Manager) enqueueResilver(pid pieces.PieceID) {
	select {
	case m.repairCh <- pid:
	default:
	}
}
