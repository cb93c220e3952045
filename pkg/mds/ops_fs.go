package mds

import (
	"bytes"
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/internal/protocol/xdr"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/namespace"
)

// ACCESS4 permission bits, RFC 8881 Section 18.1.
const (
	access4Read    = 0x01
	access4Lookup  = 0x02
	access4Modify  = 0x04
	access4Extend  = 0x08
	access4Delete  = 0x10
	access4Execute = 0x20
)

func (s *Server) opPutrootfh(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	rq.cs.CurrFH = s.encodeFH(s.tree.Root().FileID())
	rq.cs.CurrStateid = nfs4.Stateid4{}
	return okResult(nil)
}

func (s *Server) opPutfh(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	fh, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := s.decodeFH(fh); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADHANDLE}
	}
	rq.cs.CurrFH = fh
	rq.cs.CurrStateid = nfs4.Stateid4{}
	return okResult(nil)
}

func (s *Server) opGetfh(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if len(rq.cs.CurrFH) == 0 {
		return nfs4.OpResult{Status: errs.NFS4ERR_NOFILEHANDLE}
	}
	var buf bytes.Buffer
	xdr.WriteXDROpaque(&buf, rq.cs.CurrFH)
	return okResult(buf.Bytes())
}

func (s *Server) opSavefh(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if len(rq.cs.CurrFH) == 0 {
		return nfs4.OpResult{Status: errs.NFS4ERR_NOFILEHANDLE}
	}
	rq.cs.SaveCurrent()
	return okResult(nil)
}

func (s *Server) opRestorefh(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if len(rq.cs.SaveFH) == 0 {
		return nfs4.OpResult{Status: errs.NFS4ERR_RESTOREFH}
	}
	rq.cs.RestoreSaved()
	return okResult(nil)
}

func (s *Server) opLookup(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	name, err := xdr.DecodeString(r)
	if err != nil || name == "" {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	dir, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	f, serr := s.tree.Lookup(ctx, dir, name)
	if serr != nil {
		return errResult(serr)
	}
	rq.cs.CurrFH = s.encodeFH(f.FileID())
	return okResult(nil)
}

func (s *Server) opLookupp(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	if !f.IsDir() {
		return nfs4.OpResult{Status: errs.NFS4ERR_NOTDIR}
	}
	parent, serr := s.tree.Lookupp(ctx, f)
	if serr != nil {
		return errResult(serr)
	}
	rq.cs.CurrFH = s.encodeFH(parent.FileID())
	return okResult(nil)
}

// opAccess grants everything it supports: permission enforcement rides
// on the authentication flavor at the RPC boundary, which is an
// external collaborator here.
func (s *Server) opAccess(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	requested, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	supported := uint32(access4Read | access4Modify | access4Extend | access4Delete)
	if f.IsDir() {
		supported |= access4Lookup
	} else {
		supported |= access4Execute
	}
	var buf bytes.Buffer
	xdr.WriteUint32(&buf, requested&supported)
	xdr.WriteUint32(&buf, requested&supported)
	return okResult(buf.Bytes())
}

func (s *Server) opGetattr(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	want, err := decodeBitmap(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	body, serr := s.encodeFattr(ctx, f, want)
	if serr != nil {
		return errResult(serr)
	}
	return okResult(body)
}

func (s *Server) opSetattr(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := decodeStateid(r); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	fields, serr := decodeSettableFattr(r)
	if serr != nil {
		res := errResult(serr)
		// SETATTR's result carries the (empty) attrsset bitmap even on
		// failure.
		var buf bytes.Buffer
		writeBitmap(&buf, nil)
		res.Body = buf.Bytes()
		return res
	}
	f, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	if f.IsDir() && fields.Size != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_ISDIR}
	}
	if _, serr := s.tree.Setattr(ctx, f, fields.Size, fields.Mode, fields.Mtime); serr != nil {
		return errResult(serr)
	}
	var buf bytes.Buffer
	writeBitmap(&buf, fields.bitmap())
	return okResult(buf.Bytes())
}

// compareFattr drives VERIFY/NVERIFY: re-encode our own attributes for
// the presented bitmap and byte-compare with the presented values, the
// equality the RFC defines for fattr4 comparison.
func (s *Server) compareFattr(ctx context.Context, rq *request, r *bytes.Reader) (same bool, err error) {
	want, err := decodeBitmap(r)
	if err != nil {
		return false, err
	}
	presented, err := xdr.DecodeOpaque(r)
	if err != nil {
		return false, err
	}
	for n := 0; n < len(want)*32; n++ {
		if want.has(n) && !supportedAttrs.has(n) {
			return false, errAttrNotSupp
		}
	}
	f, err := s.currentFile(rq)
	if err != nil {
		return false, err
	}
	ours, err := s.encodeFattr(ctx, f, want)
	if err != nil {
		return false, err
	}
	// ours = bitmap + opaque(vals); compare only the value bytes.
	or := bytes.NewReader(ours)
	if _, err := decodeBitmap(or); err != nil {
		return false, err
	}
	ourVals, err := xdr.DecodeOpaque(or)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ourVals, presented), nil
}

func (s *Server) opVerify(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	same, err := s.compareFattr(ctx, rq, r)
	if err != nil {
		return errResult(err)
	}
	if !same {
		return nfs4.OpResult{Status: errs.NFS4ERR_NOT_SAME}
	}
	return okResult(nil)
}

func (s *Server) opNverify(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	same, err := s.compareFattr(ctx, rq, r)
	if err != nil {
		return errResult(err)
	}
	if same {
		return nfs4.OpResult{Status: errs.NFS4ERR_SAME}
	}
	return okResult(nil)
}

// opCreate makes non-regular objects; the only type this namespace has
// besides regular files (which OPEN creates) is the directory.
func (s *Server) opCreate(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	objType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if objType == 5 { // NF4LNK carries linkdata before the name
		if _, err := xdr.DecodeString(r); err != nil {
			return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
		}
	}
	name, err := xdr.DecodeString(r)
	if err != nil || name == "" {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	fields, serr := decodeSettableFattr(r)
	if serr != nil {
		return errResult(serr)
	}
	if objType != nf4Dir {
		return nfs4.OpResult{Status: errs.NFS4ERR_NOTSUPP}
	}

	dir, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	mode := uint32(0o755)
	if fields.Mode != nil {
		mode = *fields.Mode
	}
	f, serr := s.tree.Create(ctx, dir, name, namespace.TypeDirectory, mode, 0)
	if serr != nil {
		return errResult(serr)
	}
	dirAfter, _ := s.tree.ByID(dir.FileID())
	rq.cs.CurrFH = s.encodeFH(f.FileID())

	var buf bytes.Buffer
	writeChangeInfo(&buf, dirAfter)
	writeBitmap(&buf, fields.bitmap())
	return okResult(buf.Bytes())
}

func (s *Server) opRemove(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	name, err := xdr.DecodeString(r)
	if err != nil || name == "" {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	dir, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	if serr := s.tree.Remove(ctx, dir, name); serr != nil {
		return errResult(serr)
	}
	dirAfter, _ := s.tree.ByID(dir.FileID())
	var buf bytes.Buffer
	writeChangeInfo(&buf, dirAfter)
	return okResult(buf.Bytes())
}

func (s *Server) opRename(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	oldName, err := xdr.DecodeString(r)
	if err != nil || oldName == "" {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	newName, err := xdr.DecodeString(r)
	if err != nil || newName == "" {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if len(rq.cs.SaveFH) == 0 {
		return nfs4.OpResult{Status: errs.NFS4ERR_NOFILEHANDLE}
	}
	srcID, serr := s.decodeFH(rq.cs.SaveFH)
	if serr != nil {
		return errResult(serr)
	}
	srcDir, serr := s.tree.ByID(srcID)
	if serr != nil {
		return errResult(serr)
	}
	dstDir, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	if serr := s.tree.Rename(ctx, srcDir, oldName, dstDir, newName); serr != nil {
		return errResult(serr)
	}
	srcAfter, _ := s.tree.ByID(srcDir.FileID())
	dstAfter, _ := s.tree.ByID(dstDir.FileID())
	var buf bytes.Buffer
	writeChangeInfo(&buf, srcAfter)
	writeChangeInfo(&buf, dstAfter)
	return okResult(buf.Bytes())
}

// opLink: the namespace holds each entry under exactly one parent, so
// hard links are not representable; see DESIGN.md.
func (s *Server) opLink(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, err := xdr.DecodeString(r); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	return nfs4.OpResult{Status: errs.NFS4ERR_NOTSUPP}
}

// opReadlink: no symlinks exist in this namespace, so whatever the
// current handle names is not a symlink.
func (s *Server) opReadlink(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	if _, serr := s.currentFile(rq); serr != nil {
		return errResult(serr)
	}
	return nfs4.OpResult{Status: errs.NFS4ERR_INVAL}
}

// readdirCookieOffset keeps entry cookies out of the reserved 0..2
// range, the conventional NFS directory-cookie discipline.
const readdirCookieOffset = 3

func (s *Server) opReaddir(ctx context.Context, rq *request, r *bytes.Reader) nfs4.OpResult {
	cookie, err := xdr.DecodeUint64(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	var verf [8]byte
	if _, err := r.Read(verf[:]); err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // dircount
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	maxcount, err := xdr.DecodeUint32(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}
	want, err := decodeBitmap(r)
	if err != nil {
		return nfs4.OpResult{Status: errs.NFS4ERR_BADXDR}
	}

	dir, serr := s.currentFile(rq)
	if serr != nil {
		return errResult(serr)
	}
	entries, serr := s.tree.Readdir(ctx, dir)
	if serr != nil {
		return errResult(serr)
	}

	start := 0
	if cookie >= readdirCookieOffset {
		start = int(cookie - readdirCookieOffset + 1)
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, 8)) // cookieverf: stable snapshot, always zero
	budget := int(maxcount)
	eof := true
	for i := start; i < len(entries); i++ {
		e := entries[i]
		child, serr := s.tree.ByID(e.FileID)
		if serr != nil {
			continue
		}
		fattr, serr := s.encodeFattr(ctx, child, want)
		if serr != nil {
			return errResult(serr)
		}
		entryLen := 8 + 4 + len(e.Name) + 4 + len(fattr) + 4
		if buf.Len()+entryLen > budget && buf.Len() > 8 {
			eof = false
			break
		}
		xdr.WriteBool(&buf, true)
		xdr.WriteUint64(&buf, uint64(i)+readdirCookieOffset)
		xdr.WriteXDRString(&buf, e.Name)
		buf.Write(fattr)
	}
	xdr.WriteBool(&buf, false)
	xdr.WriteBool(&buf, eof)
	return okResult(buf.Bytes())
}
