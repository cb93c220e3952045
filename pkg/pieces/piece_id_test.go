package pieces

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPieceIDValidate(t *testing.T) {
	cases := []struct {
		name    string
		pid     PieceID
		wantErr bool
	}{
		{"zero size ok", PieceID{FileID: 1, Offset: 0, Size: 0}, false},
		{"power of two size ok", PieceID{FileID: 1, Offset: 256, Size: 128}, false},
		{"non power of two size", PieceID{FileID: 1, Offset: 0, Size: 100}, true},
		{"offset not multiple of size", PieceID{FileID: 1, Offset: 129, Size: 128}, true},
		{"offset not multiple of 128", PieceID{FileID: 1, Offset: 1, Size: 0}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.pid.Validate()
			if c.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRootPieceIDReserved(t *testing.T) {
	require.True(t, RootPieceID.IsRoot())
	require.Equal(t, PieceID{}, RootPieceID)
}

func TestFileHandleRoundTrip(t *testing.T) {
	fsid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	pid := PieceID{FileID: 0xdeadbeefcafebabe, Offset: 1 << 20, Size: 1 << 16}

	fh := EncodeFileHandle(fsid, pid)
	gotFsid, gotPid, err := DecodeFileHandle(fh)
	require.NoError(t, err)
	require.Equal(t, fsid, gotFsid)
	require.Equal(t, pid, gotPid)
}

func TestRelPathRoundTripsThroughParseLeaf(t *testing.T) {
	pid := PieceID{FileID: 0x0001000200030004, Offset: 512, Size: 256}
	rel := relPath(pid)

	// rel looks like 0001/0002/0003/0004-8-2
	g0, g1, g2 := "0001", "0002", "0003"
	leaf := "0004-8-2"
	got, err := parseLeaf(g0, g1, g2, leaf)
	require.NoError(t, err)
	require.Equal(t, pid, got)
	require.Contains(t, rel, "0001")
}
