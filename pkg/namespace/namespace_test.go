package namespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateLookupRemove(t *testing.T) {
	ctx := context.Background()
	tr := New(nil, nil, 0)

	root := tr.Root()
	f, err := tr.Create(ctx, root, "foo", TypeRegular, 0644, 0)
	require.NoError(t, err)
	require.False(t, f.IsDir())

	got, err := tr.Lookup(ctx, root, "foo")
	require.NoError(t, err)
	require.Equal(t, f.FileID(), got.FileID())

	entries, err := tr.Readdir(ctx, root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "foo", entries[0].Name)

	require.NoError(t, tr.Remove(ctx, root, "foo"))
	_, err = tr.Lookup(ctx, root, "foo")
	require.Error(t, err)
}

func TestCreateExclusiveIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	tr := New(nil, nil, 0)
	root := tr.Root()

	verf := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	f1, created, err := tr.CreateExclusive(ctx, root, "bar", 0644, 0, verf)
	require.NoError(t, err)
	require.True(t, created)

	f2, created, err := tr.CreateExclusive(ctx, root, "bar", 0644, 0, verf)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, f1.FileID(), f2.FileID())

	otherVerf := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	_, _, err = tr.CreateExclusive(ctx, root, "bar", 0644, 0, otherVerf)
	require.Error(t, err)
}

func TestRenameMovesAcrossDirectories(t *testing.T) {
	ctx := context.Background()
	tr := New(nil, nil, 0)
	root := tr.Root()

	dirA, err := tr.Create(ctx, root, "a", TypeDirectory, 0755, 0)
	require.NoError(t, err)
	dirB, err := tr.Create(ctx, root, "b", TypeDirectory, 0755, 0)
	require.NoError(t, err)

	f, err := tr.Create(ctx, dirA, "file", TypeRegular, 0644, 4096)
	require.NoError(t, err)

	require.NoError(t, tr.Rename(ctx, dirA, "file", dirB, "file2"))

	_, err = tr.Lookup(ctx, dirA, "file")
	require.Error(t, err)

	got, err := tr.Lookup(ctx, dirB, "file2")
	require.NoError(t, err)
	require.Equal(t, f.FileID(), got.FileID())
}

func TestLookuppOnRootReturnsRoot(t *testing.T) {
	ctx := context.Background()
	tr := New(nil, nil, 0)
	root := tr.Root()

	parent, err := tr.Lookupp(ctx, root)
	require.NoError(t, err)
	require.Equal(t, root.FileID(), parent.FileID())
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	ctx := context.Background()
	tr := New(nil, nil, 0)
	root := tr.Root()

	dir, err := tr.Create(ctx, root, "d", TypeDirectory, 0755, 0)
	require.NoError(t, err)
	_, err = tr.Create(ctx, dir, "child", TypeRegular, 0644, 0)
	require.NoError(t, err)

	err = tr.Remove(ctx, root, "d")
	require.Error(t, err)
}
