package mds

import (
	"bytes"
	"context"
	"time"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/namespace"
)

// fattr4 attribute numbers, RFC 8881 Section 5.6/5.7; only the ones
// this server implements.
const (
	attrSupportedAttrs   = 0
	attrType             = 1
	attrFHExpireType     = 2
	attrChange           = 3
	attrSize             = 4
	attrLinkSupport      = 5
	attrSymlinkSupport   = 6
	attrNamedAttr        = 7
	attrFSID             = 8
	attrUniqueHandles    = 9
	attrLeaseTime        = 10
	attrFileid           = 20
	attrFilesAvail       = 21
	attrFilesFree        = 22
	attrFilesTotal       = 23
	attrMode             = 33
	attrNumlinks         = 35
	attrOwner            = 36
	attrOwnerGroup       = 37
	attrSpaceAvail       = 42
	attrSpaceFree        = 43
	attrSpaceTotal       = 44
	attrSpaceUsed        = 45
	attrTimeAccess       = 47
	attrTimeMetadata     = 52
	attrTimeModify       = 53
	attrTimeModifySet    = 54
	attrFSLayoutTypes    = 62
	attrLayoutBlksize    = 65
	attrLayoutAlignment  = 66
	attrSuppattrExclcrea = 75
)

const (
	nf4Reg = 1
	nf4Dir = 2
)

// bitmap is a bitmap4: attribute n lives in word n/32, bit n%32.
type bitmap []uint32

func (b bitmap) has(n int) bool {
	w := n / 32
	return w < len(b) && b[w]&(1<<uint(n%32)) != 0
}

func (b *bitmap) set(n int) {
	w := n / 32
	for len(*b) <= w {
		*b = append(*b, 0)
	}
	(*b)[w] |= 1 << uint(n%32)
}

func decodeBitmap(r *bytes.Reader) (bitmap, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if n > 8 {
		return nil, errs.InvalidArgument("oversized attribute bitmap")
	}
	b := make(bitmap, n)
	for i := range b {
		w, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		b[i] = w
	}
	return b, nil
}

func writeBitmap(buf *bytes.Buffer, b bitmap) {
	xdr.WriteUint32(buf, uint32(len(b)))
	for _, w := range b {
		xdr.WriteUint32(buf, w)
	}
}

// supportedAttrs is every attribute number encodeFattr can produce.
var supportedAttrs = func() bitmap {
	var b bitmap
	for _, n := range []int{
		attrSupportedAttrs, attrType, attrFHExpireType, attrChange,
		attrSize, attrLinkSupport, attrSymlinkSupport, attrNamedAttr,
		attrFSID, attrUniqueHandles, attrLeaseTime, attrFileid,
		attrFilesAvail, attrFilesFree, attrFilesTotal, attrMode,
		attrNumlinks, attrOwner, attrOwnerGroup, attrSpaceAvail,
		attrSpaceFree, attrSpaceTotal, attrSpaceUsed, attrTimeAccess,
		attrTimeMetadata, attrTimeModify, attrFSLayoutTypes,
		attrLayoutBlksize, attrLayoutAlignment, attrSuppattrExclcrea,
	} {
		b.set(n)
	}
	return b
}()

// exclCreateAttrs is what EXCLUSIVE4_1's createattrs may carry
// (suppattr_exclcreat): mode and size only.
var exclCreateAttrs = func() bitmap {
	var b bitmap
	b.set(attrSize)
	b.set(attrMode)
	return b
}()

func writeNfstime(buf *bytes.Buffer, t time.Time) {
	xdr.WriteInt64(buf, t.Unix())
	xdr.WriteUint32(buf, uint32(t.Nanosecond()))
}

// encodeFattr builds a fattr4 for f covering want ∩ supported:
// the reply bitmap followed by the packed attribute values in
// ascending attribute-number order.
func (s *Server) encodeFattr(ctx context.Context, f namespace.File, want bitmap) ([]byte, error) {
	attr := f.Attr()

	var statfs namespace.FsStat
	needStatfs := want.has(attrFilesAvail) || want.has(attrFilesFree) || want.has(attrFilesTotal) ||
		want.has(attrSpaceAvail) || want.has(attrSpaceFree) || want.has(attrSpaceTotal)
	if needStatfs {
		var err error
		statfs, err = s.tree.Statfs(ctx)
		if err != nil {
			return nil, err
		}
	}

	var replied bitmap
	var vals bytes.Buffer
	for n := 0; n <= attrSuppattrExclcrea; n++ {
		if !want.has(n) || !supportedAttrs.has(n) {
			continue
		}
		replied.set(n)
		switch n {
		case attrSupportedAttrs:
			writeBitmap(&vals, supportedAttrs)
		case attrType:
			if f.IsDir() {
				xdr.WriteUint32(&vals, nf4Dir)
			} else {
				xdr.WriteUint32(&vals, nf4Reg)
			}
		case attrFHExpireType:
			xdr.WriteUint32(&vals, 0) // FH4_PERSISTENT
		case attrChange:
			xdr.WriteUint64(&vals, uint64(attr.Mtime.UnixNano()))
		case attrSize:
			xdr.WriteUint64(&vals, attr.Size)
		case attrLinkSupport, attrSymlinkSupport, attrNamedAttr:
			xdr.WriteBool(&vals, false)
		case attrFSID:
			xdr.WriteUint64(&vals, beUint64(s.fsid[0:8]))
			xdr.WriteUint64(&vals, beUint64(s.fsid[8:16]))
		case attrUniqueHandles:
			xdr.WriteBool(&vals, true)
		case attrLeaseTime:
			xdr.WriteUint32(&vals, s.cfg.LeaseSeconds)
		case attrFileid:
			xdr.WriteUint64(&vals, attr.FileID)
		case attrFilesAvail, attrFilesFree:
			xdr.WriteUint64(&vals, statfs.FilesFree)
		case attrFilesTotal:
			xdr.WriteUint64(&vals, statfs.FilesUsed+statfs.FilesFree)
		case attrMode:
			xdr.WriteUint32(&vals, attr.Mode&0o7777)
		case attrNumlinks:
			if f.IsDir() {
				xdr.WriteUint32(&vals, 2)
			} else {
				xdr.WriteUint32(&vals, 1)
			}
		case attrOwner, attrOwnerGroup:
			xdr.WriteXDRString(&vals, "nobody")
		case attrSpaceAvail:
			xdr.WriteUint64(&vals, statfs.AvailBytes)
		case attrSpaceFree:
			xdr.WriteUint64(&vals, statfs.FreeBytes)
		case attrSpaceTotal:
			xdr.WriteUint64(&vals, statfs.TotalBytes)
		case attrSpaceUsed:
			xdr.WriteUint64(&vals, attr.Size)
		case attrTimeAccess, attrTimeModify:
			writeNfstime(&vals, attr.Mtime)
		case attrTimeMetadata:
			writeNfstime(&vals, attr.Ctime)
		case attrFSLayoutTypes:
			xdr.WriteUint32(&vals, 1)
			xdr.WriteUint32(&vals, uint32(nfs4.LayoutFlexFiles))
		case attrLayoutBlksize, attrLayoutAlignment:
			// Reported verbatim, including 0 for whole-file pieces.
			xdr.WriteUint32(&vals, attr.BlockSize)
		case attrSuppattrExclcrea:
			writeBitmap(&vals, exclCreateAttrs)
		}
	}

	var out bytes.Buffer
	writeBitmap(&out, replied)
	xdr.WriteXDROpaque(&out, vals.Bytes())
	return out.Bytes(), nil
}

// setattrFields is what decodeSettableFattr extracted from a fattr4.
type setattrFields struct {
	Size  *uint64
	Mode  *uint32
	Mtime *time.Time
}

// decodeSettableFattr parses a fattr4 whose attributes must all be
// settable (SETATTR, OPEN createattrs): size, mode, and
// time_modify_set. Any other attribute present is NFS4ERR_ATTRNOTSUPP.
func decodeSettableFattr(r *bytes.Reader) (setattrFields, error) {
	var out setattrFields
	bm, err := decodeBitmap(r)
	if err != nil {
		return out, err
	}
	raw, err := xdr.DecodeOpaque(r)
	if err != nil {
		return out, err
	}
	vr := bytes.NewReader(raw)

	for w, word := range bm {
		for bit := 0; bit < 32; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}
			switch n := w*32 + bit; n {
			case attrSize:
				v, err := xdr.DecodeUint64(vr)
				if err != nil {
					return out, err
				}
				out.Size = &v
			case attrMode:
				v, err := xdr.DecodeUint32(vr)
				if err != nil {
					return out, err
				}
				out.Mode = &v
			case attrTimeModifySet:
				how, err := xdr.DecodeUint32(vr)
				if err != nil {
					return out, err
				}
				if how == 1 { // SET_TO_CLIENT_TIME4
					sec, err := xdr.DecodeUint64(vr)
					if err != nil {
						return out, err
					}
					nsec, err := xdr.DecodeUint32(vr)
					if err != nil {
						return out, err
					}
					t := time.Unix(int64(sec), int64(nsec))
					out.Mtime = &t
				} else {
					now := time.Now()
					out.Mtime = &now
				}
			default:
				return out, errAttrNotSupp
			}
		}
	}
	return out, nil
}

// bitmap reports which attrsset bitmap a SETATTR reply should
// carry for the fields that were applied.
func (f setattrFields) bitmap() bitmap {
	var b bitmap
	if f.Size != nil {
		b.set(attrSize)
	}
	if f.Mode != nil {
		b.set(attrMode)
	}
	if f.Mtime != nil {
		b.set(attrTimeModifySet)
	}
	return b
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
