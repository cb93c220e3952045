package namespace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// EncodeTree serializes the full in-memory entry map for crash-restart
// persistence in the kvstore default namespace, matching the
// bytes.Buffer + encoding/binary convention pkg/placement and
// pkg/devices use for their own namespace values.
func EncodeTree(entries map[uint64]*entry, nextID uint64) []byte {
	var buf bytes.Buffer
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], nextID)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(entries)))
	buf.Write(hdr[:])

	for id, e := range entries {
		writeEntry(&buf, id, e)
	}
	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, id uint64, e *entry) {
	var fixed [8 + 8 + 1 + 8 + 4 + 8 + 8 + 4 + 1]byte
	off := 0
	binary.BigEndian.PutUint64(fixed[off:], id)
	off += 8
	binary.BigEndian.PutUint64(fixed[off:], e.parentID)
	off += 8
	fixed[off] = byte(e.attr.Type)
	off++
	binary.BigEndian.PutUint64(fixed[off:], e.attr.Size)
	off += 8
	binary.BigEndian.PutUint32(fixed[off:], e.attr.Mode)
	off += 4
	binary.BigEndian.PutUint64(fixed[off:], uint64(e.attr.Mtime.UnixNano()))
	off += 8
	binary.BigEndian.PutUint64(fixed[off:], uint64(e.attr.Ctime.UnixNano()))
	off += 8
	binary.BigEndian.PutUint32(fixed[off:], e.attr.BlockSize)
	off += 4
	if e.attr.HasVerf {
		fixed[off] = 1
	}
	buf.Write(fixed[:])
	buf.Write(e.attr.CreateVerf[:])
	writeNSString(buf, e.name)

	if e.attr.Type == TypeDirectory {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(e.children)))
		buf.Write(n[:])
		for name, childID := range e.children {
			writeNSString(buf, name)
			var cid [8]byte
			binary.BigEndian.PutUint64(cid[:], childID)
			buf.Write(cid[:])
		}
	}
}

// DecodeTree is the inverse of EncodeTree.
func DecodeTree(b []byte) (map[uint64]*entry, uint64, error) {
	if len(b) < 16 {
		return nil, 0, fmt.Errorf("decode tree: short buffer")
	}
	nextID := binary.BigEndian.Uint64(b[0:8])
	count := binary.BigEndian.Uint64(b[8:16])
	r := bytes.NewReader(b[16:])

	entries := make(map[uint64]*entry, count)
	for i := uint64(0); i < count; i++ {
		id, e, err := readEntry(r)
		if err != nil {
			return nil, 0, err
		}
		entries[id] = e
	}
	return entries, nextID, nil
}

func readEntry(r *bytes.Reader) (uint64, *entry, error) {
	var fixed [8 + 8 + 1 + 8 + 4 + 8 + 8 + 4 + 1]byte
	if _, err := r.Read(fixed[:]); err != nil {
		return 0, nil, fmt.Errorf("decode entry fixed: %w", err)
	}
	off := 0
	id := binary.BigEndian.Uint64(fixed[off:])
	off += 8
	parentID := binary.BigEndian.Uint64(fixed[off:])
	off += 8
	typ := Type(fixed[off])
	off++
	size := binary.BigEndian.Uint64(fixed[off:])
	off += 8
	mode := binary.BigEndian.Uint32(fixed[off:])
	off += 4
	mtime := time.Unix(0, int64(binary.BigEndian.Uint64(fixed[off:])))
	off += 8
	ctime := time.Unix(0, int64(binary.BigEndian.Uint64(fixed[off:])))
	off += 8
	blockSize := binary.BigEndian.Uint32(fixed[off:])
	off += 4
	hasVerf := fixed[off] == 1

	var verf [8]byte
	if _, err := r.Read(verf[:]); err != nil {
		return 0, nil, fmt.Errorf("decode entry verf: %w", err)
	}
	name, err := readNSString(r)
	if err != nil {
		return 0, nil, fmt.Errorf("decode entry name: %w", err)
	}

	e := &entry{
		name:     name,
		parentID: parentID,
		attr: Attr{
			FileID:     id,
			Type:       typ,
			Size:       size,
			Mode:       mode,
			Mtime:      mtime,
			Ctime:      ctime,
			BlockSize:  blockSize,
			CreateVerf: verf,
			HasVerf:    hasVerf,
		},
	}

	if typ == TypeDirectory {
		var n [4]byte
		if _, err := r.Read(n[:]); err != nil {
			return 0, nil, fmt.Errorf("decode entry child count: %w", err)
		}
		childCount := binary.BigEndian.Uint32(n[:])
		e.children = make(map[string]uint64, childCount)
		for i := uint32(0); i < childCount; i++ {
			childName, err := readNSString(r)
			if err != nil {
				return 0, nil, fmt.Errorf("decode entry child name: %w", err)
			}
			var cid [8]byte
			if _, err := r.Read(cid[:]); err != nil {
				return 0, nil, fmt.Errorf("decode entry child id: %w", err)
			}
			e.children[childName] = binary.BigEndian.Uint64(cid[:])
		}
	}
	return id, e, nil
}

func writeNSString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func readNSString(r *bytes.Reader) (string, error) {
	var n [4]byte
	if _, err := r.Read(n[:]); err != nil {
		return "", err
	}
	length := binary.BigEndian.Uint32(n[:])
	b := make([]byte, length)
	if length > 0 {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}
