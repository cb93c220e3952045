package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(tx *Transaction) error {
		return tx.Set(NamespaceDevices, U64Key(7), []byte("hello"))
	})
	require.NoError(t, err)

	err = s.WithReadTransaction(ctx, func(tx *Transaction) error {
		v, err := tx.Get(NamespaceDevices, U64Key(7))
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), v)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTransaction(ctx, func(tx *Transaction) error {
		return tx.Delete(NamespaceDevices, U64Key(7))
	})
	require.NoError(t, err)

	err = s.WithReadTransaction(ctx, func(tx *Transaction) error {
		_, err := tx.Get(NamespaceDevices, U64Key(7))
		return err
	})
	require.Error(t, err)
}

func TestNamespaceIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(tx *Transaction) error {
		if err := tx.Set(NamespaceDevices, U64Key(1), []byte("dev")); err != nil {
			return err
		}
		return tx.Set(NamespacePieces, U64Key(1), []byte("piece"))
	})
	require.NoError(t, err)

	err = s.WithReadTransaction(ctx, func(tx *Transaction) error {
		v, err := tx.Get(NamespaceDevices, U64Key(1))
		require.NoError(t, err)
		require.Equal(t, []byte("dev"), v)

		v, err = tx.Get(NamespacePieces, U64Key(1))
		require.NoError(t, err)
		require.Equal(t, []byte("piece"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestIteratePrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(tx *Transaction) error {
		for i := uint64(0); i < 5; i++ {
			if err := tx.Set(NamespaceData, U64Key(i), []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var seen []uint64
	err = s.WithReadTransaction(ctx, func(tx *Transaction) error {
		return tx.IteratePrefix(NamespaceData, nil, nil, func(k, v []byte) (bool, error) {
			seen = append(seen, DecodeU64(k))
			return true, nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, seen)
}

func TestReadOnlyReplicaRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	s.SetMaster(false)
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(tx *Transaction) error {
		return tx.Set(NamespaceDevices, U64Key(1), []byte("x"))
	})
	require.Error(t, err)
}
