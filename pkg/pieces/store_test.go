package pieces

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateFindRemovePiece(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	defer s.Close()

	pid := PieceID{FileID: 42, Offset: 0, Size: 0}

	df, err := s.CreatePiece(ctx, pid)
	require.NoError(t, err)
	_, err = df.WriteString("hello")
	require.NoError(t, err)

	// create is idempotent: returns the existing file.
	df2, err := s.CreatePiece(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, df.PieceID(), df2.PieceID())

	found, err := s.FindPiece(ctx, pid)
	require.NoError(t, err)
	_, err = found.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(found, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, s.RemovePiece(ctx, pid))

	// remove is idempotent.
	require.NoError(t, s.RemovePiece(ctx, pid))

	_, err = s.FindPiece(ctx, pid)
	require.Error(t, err)
}

func TestFindMissingPieceIsNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.FindPiece(ctx, PieceID{FileID: 99, Offset: 0, Size: 0})
	require.Error(t, err)
}

func TestMetaFSID(t *testing.T) {
	s, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadFSID()
	require.Error(t, err)

	fsid := [16]byte{9, 9, 9}
	require.NoError(t, s.WriteFSID(fsid))

	got, err := s.ReadFSID()
	require.NoError(t, err)
	require.Equal(t, fsid, got)
}

func TestEnumerate(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	defer s.Close()

	ids := []PieceID{
		{FileID: 1, Offset: 0, Size: 0},
		{FileID: 2, Offset: 256, Size: 256},
		{FileID: 3, Offset: 0, Size: 128},
	}
	for _, pid := range ids {
		_, err := s.CreatePiece(ctx, pid)
		require.NoError(t, err)
	}

	var found []PieceID
	_, err = s.Enumerate(SeekKey{}, func(pid PieceID) (bool, error) {
		found = append(found, pid)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, found, len(ids))
}

func TestCreatePieceRejectsInvalidID(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreatePiece(ctx, PieceID{FileID: 1, Offset: 1, Size: 0})
	require.Error(t, err)
}
