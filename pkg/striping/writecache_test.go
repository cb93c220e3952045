package striping

import "testing"

func TestFlushThenCommitGoesStable(t *testing.T) {
	c := NewWriteCache()
	c.AddDirty(0, 100)

	verf := [8]byte{1}
	flushed := c.FlushDirty(verf)
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed extent, got %d", len(flushed))
	}

	committed, redirtied := c.Commit(verf)
	if committed != 1 || redirtied != 0 {
		t.Fatalf("expected 1 committed, 0 redirtied, got %d/%d", committed, redirtied)
	}

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].State != Stable {
		t.Fatalf("expected single STABLE extent, got %+v", snap)
	}
}

func TestWriteVerfMismatchRedirties(t *testing.T) {
	c := NewWriteCache()
	c.AddDirty(0, 100)
	c.FlushDirty([8]byte{1})

	committed, redirtied := c.Commit([8]byte{2})
	if committed != 0 || redirtied != 1 {
		t.Fatalf("expected 0 committed, 1 redirtied, got %d/%d", committed, redirtied)
	}

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].State != Dirty {
		t.Fatalf("expected re-dirtied extent, got %+v", snap)
	}
}

func TestAdjacentDirtyExtentsCoalesce(t *testing.T) {
	c := NewWriteCache()
	c.AddDirty(0, 100)
	c.AddDirty(100, 50)

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected coalesced single extent, got %d", len(snap))
	}
	if snap[0].Offset != 0 || snap[0].Length != 150 {
		t.Fatalf("expected [0,150), got [%d,%d)", snap[0].Offset, snap[0].Offset+snap[0].Length)
	}
}

func TestDisjointExtentsDoNotCoalesce(t *testing.T) {
	c := NewWriteCache()
	c.AddDirty(0, 10)
	c.AddDirty(1000, 10)

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 disjoint extents, got %d", len(snap))
	}
}
