// Package nfs4state is the NFSv4.1 state manager: clients, sessions,
// slots, opens, delegations, and layouts, plus the grace period and
// recall machinery that keep them consistent. Rather than a graph of
// objects holding each other alive (client <-> session <-> state),
// every Client, Session, and NfsState lives in one table in the
// Manager, keyed by a stable uint64 id, and is always reached through
// that id rather than a stored pointer.
package nfs4state

import (
	"sync"
	"time"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
)

// StateKind tags what an NfsState entry represents.
type StateKind int

const (
	StateOpen StateKind = iota + 1
	StateDelegation
	StateLayout
)

func (k StateKind) String() string {
	switch k {
	case StateOpen:
		return "OPEN"
	case StateDelegation:
		return "DELEGATION"
	case StateLayout:
		return "LAYOUT"
	default:
		return "INVALID"
	}
}

// BackChannelState is the session back-channel probe state machine: a
// session's callback path starts UNCHECKED, must be probed via
// CB_SEQUENCE/CB_GETATTR before a delegation may be granted over it
// (CHECKING while the probe is in flight), and settles on GOOD. A
// failed probe falls back to UNCHECKED so the next delegation attempt
// re-probes.
type BackChannelState int

const (
	BackChannelNone BackChannelState = iota
	BackChannelUnchecked
	BackChannelChecking
	BackChannelGood
)

// ClientID is the arena index of a Client.
type ClientID uint64

// SessionArenaID is the arena index of a Session (distinct from the
// 16-byte wire SessionID4 clients present it as).
type SessionArenaID uint64

// StateArenaID is the arena index of an NfsState entry (distinct from
// the 16-byte wire Stateid4 built from it, see stateid.go).
type StateArenaID uint64

// FileID is the arena index of a FileState (== the namespace fileid the
// open/delegation/layout set is tracked against).
type FileID = uint64

// NfsState is one OPEN, DELEGATION, or LAYOUT grant. Layouts
// additionally carry the iomode and range the grant covers, recorded so
// LAYOUTRETURN/LAYOUTCOMMIT and the recall driver don't need to
// recompute placement.
type NfsState struct {
	mu sync.Mutex

	ID       StateArenaID
	Kind     StateKind
	Seqid    uint32
	Client   ClientID
	File     FileID
	Owner    nfs4.StateOwner4
	Access   int
	Deny     int
	Offset   uint64
	Length   uint64
	Iomode   nfs4.LayoutIomode4
	Revoked  bool
	Recalled bool
	Expiry   time.Time
}

// FileState is the per-file union of every outstanding open, delegation,
// and layout: it exists only while at least one is outstanding and is
// otherwise absent from Manager.files.
type FileState struct {
	mu sync.Mutex

	File        FileID
	Access      int // union of every open's access, for conflict checks
	Deny        int // union of every open's deny
	Opens       map[StateArenaID]bool
	Delegations map[StateArenaID]bool
	Layouts     map[StateArenaID]bool
}

func newFileState(file FileID) *FileState {
	return &FileState{
		File:        file,
		Opens:       map[StateArenaID]bool{},
		Delegations: map[StateArenaID]bool{},
		Layouts:     map[StateArenaID]bool{},
	}
}

// hasState reports whether this FileState still has any outstanding
// grant and can be garbage collected once it doesn't.
func (f *FileState) hasState() bool {
	return len(f.Opens) > 0 || len(f.Delegations) > 0 || len(f.Layouts) > 0
}

// Slot is one fore-channel session slot: EOS replay cache entry plus
// the busy flag SEQUENCE's single-request-in-flight rule enforces.
type Slot struct {
	Busy     bool
	Sequence uint32
	Reply    *CachedReply
}

// CachedReply is the EOS replay cache: the last COMPOUND response this
// slot produced, returned verbatim if the same seqid is replayed.
type CachedReply struct {
	Seqid  uint32
	Status uint32
	Body   []byte
}

// CBSlot is one back-channel slot.
type CBSlot struct {
	Busy     bool
	Sequence uint32
}

// Session is one CREATE_SESSION result: the fore/back channel slot
// tables and the back-channel probe state.
type Session struct {
	mu sync.Mutex

	ID          SessionArenaID
	Wire        nfs4.SessionID4
	Client      ClientID
	Slots       []Slot
	CBSlots     []CBSlot
	CBHighest   uint32
	BackChannel BackChannelState
	Persist     bool
}

// Client is one EXCHANGE_ID'd client instance: its confirmation/expiry
// lifecycle, its sessions, and the state table scoped to it.
type Client struct {
	mu sync.Mutex

	ID        ClientID
	Owner     nfs4.ClientOwner4
	Verifier  [8]byte
	Principal string

	Confirmed bool
	Expired   bool
	Expiry    time.Time

	// Sequence/Reply implement the CREATE_SESSION pseudo-slot rule:
	// a client confirms with exactly one pending CREATE_SESSION seqid
	// at a time, and a replayed request with the same seqid gets the
	// cached reply back rather than creating a second session.
	Sequence uint32
	Reply    *CreateSessionReply

	Sessions map[SessionArenaID]bool
	State    map[StateArenaID]bool

	// ReclaimComplete is set once by RECLAIM_COMPLETE; OPEN with
	// CLAIM_PREVIOUS is refused afterward.
	ReclaimComplete bool

	// supersedes names the confirmed record this client replaces in the
	// EXCHANGE_ID restart case; the old record survives until this one's
	// first successful CREATE_SESSION purges it.
	supersedes    ClientID
	hasSupersedes bool

	nextStateSeqid uint32
}

// CreateSessionReply is the cached CREATE_SESSION4res body the pseudo-
// slot rule replays for a duplicate request.
type CreateSessionReply struct {
	Seqid   uint32
	Session SessionArenaID
}
