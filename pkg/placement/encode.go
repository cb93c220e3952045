package placement

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dfr-systems/flexfiled/pkg/devices"
)

// EncodeLocation XDR-encodes a Location for storage in the data
// namespace: PieceId -> PieceLocation, per the persistent state layout.
func EncodeLocation(loc Location) []byte {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(loc)))
	buf.Write(hdr[:])
	for _, r := range loc {
		var entry [16]byte
		binary.BigEndian.PutUint64(entry[0:8], uint64(r.Device))
		binary.BigEndian.PutUint64(entry[8:16], r.Index)
		buf.Write(entry[:])
	}
	return buf.Bytes()
}

// DecodeLocation is the inverse of EncodeLocation.
func DecodeLocation(b []byte) (Location, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("decode location: short buffer")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < n*16 {
		return nil, fmt.Errorf("decode location: truncated buffer")
	}
	out := make(Location, n)
	for i := uint32(0); i < n; i++ {
		entry := b[i*16 : i*16+16]
		out[i] = Replica{
			Device: devices.ID(binary.BigEndian.Uint64(entry[0:8])),
			Index:  binary.BigEndian.Uint64(entry[8:16]),
		}
	}
	return out, nil
}
