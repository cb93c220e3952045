package devices

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeRecord serializes a Record for storage in the devices namespace.
func EncodeRecord(r Record) []byte {
	var buf bytes.Buffer
	buf.Write(r.Owner.Verifier[:])
	writeString(&buf, r.Owner.OwnerID)
	writeStringSlice(&buf, r.UAddrs)
	writeStringSlice(&buf, r.AdminUAddrs)
	return buf.Bytes()
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(b []byte) (Record, error) {
	r := bytes.NewReader(b)
	var rec Record
	if _, err := r.Read(rec.Owner.Verifier[:]); err != nil {
		return rec, fmt.Errorf("decode record verifier: %w", err)
	}
	ownerID, err := readString(r)
	if err != nil {
		return rec, fmt.Errorf("decode record ownerid: %w", err)
	}
	rec.Owner.OwnerID = ownerID
	rec.UAddrs, err = readStringSlice(r)
	if err != nil {
		return rec, fmt.Errorf("decode record uaddrs: %w", err)
	}
	rec.AdminUAddrs, err = readStringSlice(r)
	if err != nil {
		return rec, fmt.Errorf("decode record adminuaddrs: %w", err)
	}
	return rec, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return "", err
		}
	}
	return string(out), nil
}

func writeStringSlice(buf *bytes.Buffer, ss []string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ss)))
	buf.Write(lenBuf[:])
	for _, s := range ss {
		writeString(buf, s)
	}
}

func readStringSlice(r *bytes.Reader) ([]string, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
