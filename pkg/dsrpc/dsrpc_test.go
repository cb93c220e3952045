package dsrpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	store, err := pieces.Open(t.TempDir(), 8)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	srv := NewServer(store)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = srv.Serve(ctx, "127.0.0.1:0")
	}()

	var addr string
	require.Eventually(t, func() bool {
		a, ok := srv.Addr()
		addr = a
		return ok
	}, time.Second, time.Millisecond)

	return srv, addr
}

func testDevice(addr string) *devices.Device {
	return &devices.Device{ID: 1, ResolvedAddrs: []string{addr}}
}

func TestClientCreateWriteReadRemovePiece(t *testing.T) {
	_, addr := startTestServer(t)
	dev := testDevice(addr)
	ctx := context.Background()
	c := NewClient()

	pid := pieces.PieceID{FileID: 9, Offset: 0, Size: 0}
	require.NoError(t, c.CreatePiece(ctx, dev, pid))

	require.NoError(t, c.WritePiece(ctx, dev, pid, 0, []byte("hello")))

	data, eof, err := c.ReadPiece(ctx, dev, pid, 0, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
	require.False(t, eof)

	pieceList, err := c.ListPieces(ctx, dev)
	require.NoError(t, err)
	require.Contains(t, pieceList, pid)

	require.NoError(t, c.RemovePiece(ctx, dev, pid))

	pieceList, err = c.ListPieces(ctx, dev)
	require.NoError(t, err)
	require.NotContains(t, pieceList, pid)
}

func TestClientReadMissingPieceFails(t *testing.T) {
	_, addr := startTestServer(t)
	dev := testDevice(addr)
	ctx := context.Background()
	c := NewClient()

	_, _, err := c.ReadPiece(ctx, dev, pieces.PieceID{FileID: 404, Offset: 0, Size: 0}, 0, 1)
	require.Error(t, err)
}

func TestAddrOfNoResolvedAddress(t *testing.T) {
	dev := &devices.Device{ID: 2}
	_, err := addrOf(dev)
	require.Error(t, err)
}

func TestClientDialTimeout(t *testing.T) {
	dev := testDevice("127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c := NewClient()
	err := c.CreatePiece(ctx, dev, pieces.PieceID{})
	require.Error(t, err)
}
