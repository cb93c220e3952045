package placement

import (
	"context"

	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
)

// growLocation adds replicas to p until it reaches m.replicas, copying
// the piece's bytes from one of its surviving replicas into each new
// one in ResilverChunkSize chunks, then persists the result. Any
// failure after pieces have been created removes every replica created
// in this call: nothing in data/pieces references them yet, so a bare
// return would leak them as unreferenced files on the new devices.
func (m *Manager) growLocation(ctx context.Context, p *Piece) error {
	loc, _ := p.snapshot()
	if len(loc) == 0 {
		return errs.NoMatchingLayout()
	}
	need := m.replicas - len(loc)
	if need <= 0 {
		return nil
	}

	source, ok := m.devices.Get(loc[0].Device)
	if !ok {
		return errs.NotFound("source replica device")
	}

	excluded := map[devices.ID]bool{}
	for _, r := range loc {
		excluded[r.Device] = true
	}
	created, added, err := m.placeReplicas(ctx, p.ID, need, excluded)
	if err != nil {
		return err
	}

	removeCreated := func() {
		for _, d := range created {
			_ = m.ds.RemovePiece(ctx, d, p.ID)
		}
	}

	for _, dev := range created {
		if err := m.copyPieceBytes(ctx, source, dev, p); err != nil {
			removeCreated()
			return err
		}
	}

	next := make(Location, len(loc), len(loc)+len(added))
	copy(next, loc)
	next = append(next, added...)

	err = m.kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		if err := saveLocation(tx, p.ID, next, loc); err != nil {
			return err
		}
		if len(next) >= m.replicas {
			return clearRepairLog(tx, p.ID)
		}
		return nil
	})
	if err != nil {
		removeCreated()
		return err
	}

	p.mu.Lock()
	p.Loc = next
	p.mu.Unlock()
	m.cache.Set(p.ID, p, 1)
	return nil
}

func pieceByteLen(size uint32) uint64 {
	if size == 0 {
		return 1 << 32 // unbounded piece: copy loop stops on EOF regardless
	}
	return uint64(size)
}

func (m *Manager) copyPieceBytes(ctx context.Context, src, dst *devices.Device, p *Piece) error {
	total := pieceByteLen(p.ID.Size)
	var offset uint64
	for offset < total {
		data, eof, err := m.ds.ReadPiece(ctx, src, p.ID, offset, ResilverChunkSize)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := m.ds.WritePiece(ctx, dst, p.ID, offset, data); err != nil {
				return err
			}
		}
		offset += uint64(len(data))
		if eof || len(data) == 0 {
			break
		}
	}
	return nil
}
