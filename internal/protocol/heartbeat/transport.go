package heartbeat

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// maxFrameSize bounds a single STATUS frame; the message itself is tiny
// (owner id, a handful of uaddrs, one storage summary) so this is a
// generous ceiling against a misbehaving peer, mirroring
// internal/protocol/dataplane's framing convention.
const maxFrameSize = 1 << 20

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
	if n > maxFrameSize {
		return nil, fmt.Errorf("heartbeat: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// Send dials mdsAddr and delivers one STATUS message, the DS->MDS
// heartbeat side protocol. It is a fire-and-forget call: the MDS sends
// no application-level reply beyond closing the connection.
func Send(ctx context.Context, mdsAddr string, args StatusArgs) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", mdsAddr)
	if err != nil {
		return fmt.Errorf("heartbeat: dial %s: %w", mdsAddr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	body, err := Encode(args)
	if err != nil {
		return fmt.Errorf("heartbeat: encode: %w", err)
	}
	return writeFrame(conn, body)
}

// Handler processes one decoded STATUS message, recording the remote
// address the connection arrived from for wildcard uaddr resolution
// (pkg/devices.resolveUAddr).
type Handler func(ctx context.Context, args StatusArgs, remoteHost string) error

// Serve listens on addr and invokes handle for every STATUS message
// received, until ctx is cancelled.
func Serve(ctx context.Context, addr string, handle Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("heartbeat: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("heartbeat: accept: %w", err)
		}
		go func() {
			defer conn.Close()
			handleOne(ctx, conn, handle)
		}()
	}
}

func handleOne(ctx context.Context, conn net.Conn, handle Handler) {
	body, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return
	}
	args, err := Decode(body)
	if err != nil {
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	_ = handle(ctx, args, host)
}
