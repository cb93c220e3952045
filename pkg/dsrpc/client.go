// Package dsrpc is the concrete network transport behind
// pkg/placement.DSClient: it dials a data server's resolved address and
// speaks the internal/protocol/dataplane side protocol. It is kept
// outside pkg/placement so that package stays transport-agnostic and
// unit-testable against an in-memory fake: wire concerns live next to
// the wire, state machines stay pure.
package dsrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dfr-systems/flexfiled/internal/protocol/dataplane"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// DialTimeout bounds how long Client waits to establish a connection to
// a data server before giving up and letting the placement engine try
// the next replica or device.
const DialTimeout = 5 * time.Second

// Client implements pkg/placement.DSClient over the data-plane wire
// protocol, dialing fresh per call. A fresh dial per call (rather than a
// pooled connection) keeps this client simple and matches the placement
// engine's own failure model: any single RPC failing just marks the
// device MISSING and moves on, so connection reuse buys little here.
type Client struct{}

func NewClient() *Client { return &Client{} }

func addrOf(dev *devices.Device) (string, error) {
	addr, ok := dev.Addr()
	if !ok {
		return "", errs.IoError(fmt.Sprintf("device %d has no resolved address", dev.ID))
	}
	return addr, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.IoError(fmt.Sprintf("dial %s: %v", addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

func toWirePieceID(pid pieces.PieceID) dataplane.PieceID {
	return dataplane.PieceID{FileID: pid.FileID, Offset: pid.Offset, Size: pid.Size}
}

func fromWirePieceID(pid dataplane.PieceID) pieces.PieceID {
	return pieces.PieceID{FileID: pid.FileID, Offset: pid.Offset, Size: pid.Size}
}

func call(ctx context.Context, addr string, req dataplane.Request) (dataplane.Response, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return dataplane.Response{}, err
	}
	defer conn.Close()

	resp, err := dataplane.Call(conn, req)
	if err != nil {
		return dataplane.Response{}, errs.IoError(fmt.Sprintf("%s: %v", req.Op, err))
	}
	return resp, nil
}

func statusErr(op dataplane.Op, st dataplane.Status) error {
	switch st {
	case dataplane.StatusOK:
		return nil
	case dataplane.StatusNotFound:
		return errs.NotFound(op.String())
	case dataplane.StatusInvalid:
		return errs.InvalidArgument(op.String())
	default:
		return errs.IoError(fmt.Sprintf("%s: %s", op, st))
	}
}

// CreatePiece implements placement.DSClient.
func (c *Client) CreatePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID) error {
	addr, err := addrOf(dev)
	if err != nil {
		return err
	}
	req := dataplane.Request{Op: dataplane.OpCreatePiece, Body: dataplane.PieceRequest{Piece: toWirePieceID(pid)}.Encode()}
	resp, err := call(ctx, addr, req)
	if err != nil {
		return err
	}
	return statusErr(dataplane.OpCreatePiece, resp.Status)
}

// RemovePiece implements placement.DSClient.
func (c *Client) RemovePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID) error {
	addr, err := addrOf(dev)
	if err != nil {
		return err
	}
	req := dataplane.Request{Op: dataplane.OpRemovePiece, Body: dataplane.PieceRequest{Piece: toWirePieceID(pid)}.Encode()}
	resp, err := call(ctx, addr, req)
	if err != nil {
		return err
	}
	return statusErr(dataplane.OpRemovePiece, resp.Status)
}

// ReadPiece implements placement.DSClient.
func (c *Client) ReadPiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID, offset uint64, length uint32) ([]byte, bool, error) {
	addr, err := addrOf(dev)
	if err != nil {
		return nil, false, err
	}
	req := dataplane.Request{
		Op:   dataplane.OpReadPiece,
		Body: dataplane.ReadRequest{Piece: toWirePieceID(pid), Offset: offset, Length: length}.Encode(),
	}
	resp, err := call(ctx, addr, req)
	if err != nil {
		return nil, false, err
	}
	if resp.Status != dataplane.StatusOK {
		return nil, false, statusErr(dataplane.OpReadPiece, resp.Status)
	}
	rr, err := dataplane.DecodeReadResponse(resp.Body)
	if err != nil {
		return nil, false, errs.IoError(err.Error())
	}
	return rr.Data, rr.EOF, nil
}

// WritePiece implements placement.DSClient.
func (c *Client) WritePiece(ctx context.Context, dev *devices.Device, pid pieces.PieceID, offset uint64, data []byte) error {
	addr, err := addrOf(dev)
	if err != nil {
		return err
	}
	req := dataplane.Request{
		Op:   dataplane.OpWritePiece,
		Body: dataplane.WriteRequest{Piece: toWirePieceID(pid), Offset: offset, Data: data}.Encode(),
	}
	resp, err := call(ctx, addr, req)
	if err != nil {
		return err
	}
	return statusErr(dataplane.OpWritePiece, resp.Status)
}

// ListPieces implements placement.DSClient, used by the RESTORING-device
// reconciliation pass.
func (c *Client) ListPieces(ctx context.Context, dev *devices.Device) ([]pieces.PieceID, error) {
	addr, err := addrOf(dev)
	if err != nil {
		return nil, err
	}
	resp, err := call(ctx, addr, dataplane.Request{Op: dataplane.OpListPieces})
	if err != nil {
		return nil, err
	}
	if resp.Status != dataplane.StatusOK {
		return nil, statusErr(dataplane.OpListPieces, resp.Status)
	}
	lr, err := dataplane.DecodeListPiecesResponse(resp.Body)
	if err != nil {
		return nil, errs.IoError(err.Error())
	}
	out := make([]pieces.PieceID, len(lr.Pieces))
	for i, pid := range lr.Pieces {
		out[i] = fromWirePieceID(pid)
	}
	return out, nil
}
