package dataplane

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPieceRequestRoundTrip(t *testing.T) {
	req := PieceRequest{Piece: PieceID{FileID: 7, Offset: 1 << 20, Size: 1 << 16}}
	got, err := DecodePieceRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req.Piece, got.Piece)
}

func TestReadResponseRoundTrip(t *testing.T) {
	rr := ReadResponse{Data: []byte("hello world"), EOF: true}
	got, err := DecodeReadResponse(rr.Encode())
	require.NoError(t, err)
	require.Equal(t, rr.Data, got.Data)
	require.True(t, got.EOF)
}

func TestWriteRequestRoundTrip(t *testing.T) {
	wr := WriteRequest{Piece: PieceID{FileID: 1, Offset: 4096, Size: 4096}, Offset: 512, Data: []byte("payload")}
	got, err := DecodeWriteRequest(wr.Encode())
	require.NoError(t, err)
	require.Equal(t, wr.Piece, got.Piece)
	require.Equal(t, wr.Offset, got.Offset)
	require.Equal(t, wr.Data, got.Data)
}

func TestListPiecesResponseRoundTrip(t *testing.T) {
	lr := ListPiecesResponse{Pieces: []PieceID{
		{FileID: 1, Offset: 0, Size: 0},
		{FileID: 1, Offset: 4096, Size: 4096},
	}}
	got, err := DecodeListPiecesResponse(lr.Encode())
	require.NoError(t, err)
	require.Equal(t, lr.Pieces, got.Pieces)
}

func TestRequestResponseFraming(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	req := Request{Op: OpCreatePiece, Body: PieceRequest{Piece: PieceID{FileID: 3, Offset: 0, Size: 0}}.Encode()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := ReadRequestFrame(server)
		require.NoError(t, err)
		require.Equal(t, req.Op, got.Op)
		require.Equal(t, req.Body, got.Body)

		err = WriteResponse(server, Response{Status: StatusOK})
		require.NoError(t, err)
	}()

	resp, err := Call(client, req)
	require.NoError(t, err)
	require.Equal(t, StatusOK, resp.Status)
	<-done
}
