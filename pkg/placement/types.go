// Package placement implements Component C, the Piece Placement & Repair
// Engine: for each piece id, the MDS owns a PieceLocation (replica device
// list), the placement algorithm, and the resilver scheduler.
package placement

import (
	"sync"

	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// DefaultReplicas is R, the default target replica count.
const DefaultReplicas = 3

// Replica is one entry in a PieceLocation: a device id and the
// monotonic index the owning device assigned it.
type Replica struct {
	Device devices.ID
	Index  uint64
}

// Location is the ordered list of replicas backing one piece.
type Location []Replica

func (l Location) contains(id devices.ID) bool {
	for _, r := range l {
		if r.Device == id {
			return true
		}
	}
	return false
}

func (l Location) without(bad map[devices.ID]bool) Location {
	out := make(Location, 0, len(l))
	for _, r := range l {
		if !bad[r.Device] {
			out = append(out, r)
		}
	}
	return out
}

// State is the MDS-side state of a Piece. Bad-replica removal, device
// decommission and the resilver task move a piece between Idle,
// NeedResilver and Resilvering. Busy and Recalling are defined but never
// set: LAYOUTGET, LAYOUTRETURN and recalls do not change a piece's State.
type State int

const (
	Idle State = iota
	Busy
	Recalling
	NeedResilver
	Resilvering
)

// Piece is the MDS's in-memory view of one piece: its replica list, a
// rotating read index, and its repair state, protected by one mutex per
// piece per the concurrency model (held across DS RPCs, the unit of
// mutual exclusion between resilver and client I/O).
type Piece struct {
	mu sync.Mutex

	ID    pieces.PieceID
	Loc   Location
	State State

	readIdx int
}

func (p *Piece) snapshot() ([]Replica, State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Replica, len(p.Loc))
	copy(out, p.Loc)
	return out, p.State
}
