package nfs4

import (
	"bytes"

	xdr2 "github.com/rasky/go-xdr/xdr2"
)

// DeviceID4 is the 16-byte opaque device identifier a layout's mirror
// list references; GETDEVICEINFO resolves one to a FlexFileDeviceAddr4.
type DeviceID4 [16]byte

// LayoutSegment4 is one {offset, length, iomode, body} entry LAYOUGET
// returns, covering a contiguous range of the file.
type LayoutSegment4 struct {
	Offset uint64
	Length uint64 // NFS4_UINT64_MAX means "to end of file"
	Iomode LayoutIomode4
	Body   FlexFileLayout4
}

// FlexFileMirror4 is one replica's description within a flex-files
// layout body: deviceid, efficiency, the per-DS stateid (always ANON
// here), the handle exported on that DS, and uid/gid strings.
type FlexFileMirror4 struct {
	DeviceID   DeviceID4
	Efficiency uint32 // always 0: no preference between mirrors
	Stateid    Stateid4
	FileHandle []byte `xdr:"dynamic"`
	User       string
	Group      string
}

// FlexFileLayout4 is the per-segment flex-files layout body: one mirror
// list (ffl_mirrors) plus the striping parameters. This implementation
// stripes whole-piece (no sub-piece block interleave), so FFL_STRIPE_UNIT
// equals the piece size and there is exactly one stripe index.
type FlexFileLayout4 struct {
	StripeUnit uint64
	Mirrors    []FlexFileMirror4 `xdr:"dynamic"`
	Flags      uint32
	StatsHint  uint32
}

// FlexFileDeviceAddr4 is what GETDEVICEINFO returns for a device id: the
// DS's network addresses (ffda_netaddrs) and the NFS version it serves.
// GetDeviceInfo fills in one tcp address for the one device.
type FlexFileDeviceAddr4 struct {
	NetAddrs []FlexFileNetAddr4 `xdr:"dynamic"`
	Version  uint32
	MinorVer uint32
	Tightly  bool // ffda_tightly_coupled
}

// FlexFileNetAddr4 is one universal address (matches uaddr strings from
// the device heartbeat) for a device.
type FlexFileNetAddr4 struct {
	NetID string
	Addr  string
}

// EncodeFlexFileLayout marshals a FlexFileLayout4 using go-xdr's
// struct-tag codec — the one place in this package a generic XDR codec
// is a better fit than the hand-written internal/protocol/xdr primitive
// encoders, since the mirror list's shape is a plain nested struct with
// no discriminated unions.
func EncodeFlexFileLayout(l FlexFileLayout4) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr2.Marshal(&buf, l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFlexFileLayout is the inverse of EncodeFlexFileLayout.
func DecodeFlexFileLayout(b []byte) (FlexFileLayout4, error) {
	var l FlexFileLayout4
	_, err := xdr2.Unmarshal(bytes.NewReader(b), &l)
	return l, err
}

// EncodeDeviceAddr marshals a FlexFileDeviceAddr4, the GETDEVICEINFO
// response body.
func EncodeDeviceAddr(a FlexFileDeviceAddr4) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr2.Marshal(&buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
