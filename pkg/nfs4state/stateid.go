package nfs4state

import (
	"encoding/binary"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
)

// encodeOther packs a StateArenaID plus its StateKind into a Stateid4's
// 12-byte "other" field: 8 bytes of arena id, 1 byte of kind, 3 reserved
// bytes held at zero. A directly decodable arena index makes stateid
// lookup a map access with no auxiliary hash registry.
func encodeOther(id StateArenaID, kind StateKind) [12]byte {
	var other [12]byte
	binary.BigEndian.PutUint64(other[0:8], uint64(id))
	other[8] = byte(kind)
	return other
}

// decodeOther is the inverse of encodeOther.
func decodeOther(other [12]byte) (StateArenaID, StateKind) {
	id := StateArenaID(binary.BigEndian.Uint64(other[0:8]))
	return id, StateKind(other[8])
}

// ArenaFromStateid exposes decodeOther for the dispatch layer, which
// receives wire stateids and needs their arena identity to drive
// LAYOUTRETURN/ConfirmRecall without re-deriving the packing here.
func ArenaFromStateid(sid nfs4.Stateid4) (StateArenaID, StateKind) {
	return decodeOther(sid.Other)
}

// stateid renders s's current wire Stateid4 at seqid.
func (s *NfsState) stateid() nfs4.Stateid4 {
	return nfs4.Stateid4{Seqid: s.Seqid, Other: encodeOther(s.ID, s.Kind)}
}

// bumpSeqid increments a state's seqid, skipping 0 on wrap since seqid 0
// is reserved for "most recent" in several NFSv4.1 contexts (READ's
// special stateid, LAYOUTRETURN's bulk forms).
func (s *NfsState) bumpSeqid() {
	s.Seqid++
	if s.Seqid == 0 {
		s.Seqid = 1
	}
}
