package dataplane

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// MaxFrameSize bounds a single frame body, guarding against a
// misbehaving peer driving unbounded allocation.
const MaxFrameSize = 64 << 20

// writeFrame writes one length-prefixed frame: a 4-byte big-endian
// length followed by body. This is a plain length prefix rather than
// ONC RPC's fragmented record marking (internal/protocol/nfs4's
// convention) since this side protocol, like the heartbeat side
// protocol, never needs fragmentation across multiple physical writes.
func writeFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("dataplane: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Request is one data-plane call as it appears on the wire: an opcode
// followed by its operation-specific encoded argument.
type Request struct {
	Op   Op
	Body []byte
}

// WriteRequestFrame sends req over conn.
func WriteRequestFrame(w io.Writer, req Request) error {
	body := append([]byte{byte(req.Op)}, req.Body...)
	return writeFrame(w, body)
}

// ReadRequestFrame reads one request frame from r.
func ReadRequestFrame(r io.Reader) (Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	if len(body) < 1 {
		return Request{}, fmt.Errorf("dataplane: empty request frame")
	}
	return Request{Op: Op(body[0]), Body: body[1:]}, nil
}

// Response is one data-plane reply: a status byte followed by the
// operation-specific encoded result (empty on non-OK status).
type Response struct {
	Status Status
	Body   []byte
}

func WriteResponse(w io.Writer, resp Response) error {
	body := append([]byte{byte(resp.Status)}, resp.Body...)
	return writeFrame(w, body)
}

func ReadResponseFrame(r io.Reader) (Response, error) {
	body, err := readFrame(r)
	if err != nil {
		return Response{}, err
	}
	if len(body) < 1 {
		return Response{}, fmt.Errorf("dataplane: empty response frame")
	}
	return Response{Status: Status(body[0]), Body: body[1:]}, nil
}

// Call performs one synchronous request/response round trip over conn:
// write the request, read the reply, all on the given connection.
// Callers own the connection's lifecycle (pooling, timeouts).
func Call(conn net.Conn, req Request) (Response, error) {
	bw := bufio.NewWriter(conn)
	if err := WriteRequestFrame(bw, req); err != nil {
		return Response{}, err
	}
	if err := bw.Flush(); err != nil {
		return Response{}, err
	}
	return ReadResponseFrame(bufio.NewReader(conn))
}
