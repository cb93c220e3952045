// Package heartbeat defines the wire shape of the DS -> MDS STATUS side
// protocol: a small, separate RPC program (distinct from NFSv4.1 itself)
// a data server uses to announce its owner identity and storage status
// every heartbeat interval.
package heartbeat

import (
	"bytes"

	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/devices"
)

// StatusArgs is the STATUS RPC argument: DeviceStatus plus StorageStatus.
type StatusArgs struct {
	Owner       devices.Owner
	UAddrs      []string
	AdminUAddrs []string
	Storage     devices.StorageStatus
}

// Encode XDR-encodes a StatusArgs using the hand-written primitive
// encoders in internal/protocol/xdr, matching the codec the rest of
// this heartbeat side-protocol's small, fixed-shape messages use.
func Encode(a StatusArgs) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.Write(a.Owner.Verifier[:]); err != nil {
		return nil, err
	}
	if err := xdr.WriteXDRString(&buf, a.Owner.OwnerID); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, a.UAddrs); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, a.AdminUAddrs); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint64(&buf, a.Storage.Total); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint64(&buf, a.Storage.Free); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint64(&buf, a.Storage.Avail); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (StatusArgs, error) {
	r := bytes.NewReader(b)
	var a StatusArgs
	if _, err := r.Read(a.Owner.Verifier[:]); err != nil {
		return a, err
	}
	ownerID, err := xdr.DecodeString(r)
	if err != nil {
		return a, err
	}
	a.Owner.OwnerID = ownerID
	if a.UAddrs, err = readStrings(r); err != nil {
		return a, err
	}
	if a.AdminUAddrs, err = readStrings(r); err != nil {
		return a, err
	}
	if a.Storage.Total, err = xdr.DecodeUint64(r); err != nil {
		return a, err
	}
	if a.Storage.Free, err = xdr.DecodeUint64(r); err != nil {
		return a, err
	}
	if a.Storage.Avail, err = xdr.DecodeUint64(r); err != nil {
		return a, err
	}
	return a, nil
}

func writeStrings(buf *bytes.Buffer, ss []string) error {
	if err := xdr.WriteUint32(buf, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := xdr.WriteXDRString(buf, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r *bytes.Reader) ([]string, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := xdr.DecodeString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
