package mds

import (
	"context"

	"github.com/google/uuid"

	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
)

var fsidKey = []byte("fsid")

// LoadOrCreateFSID resolves the filesystem's 128-bit identity: the
// persisted value if one exists, the override if this is first start
// and one was configured, a fresh random id otherwise. The id is
// written exactly once; every file handle this server ever issues is
// prefixed with it.
func LoadOrCreateFSID(ctx context.Context, kv *kvstore.Store, override *[16]byte) ([16]byte, error) {
	var fsid [16]byte

	err := kv.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		v, err := tx.Get(kvstore.NamespaceDefault, fsidKey)
		if err != nil {
			return err
		}
		if len(v) != 16 {
			return errs.IoError("persisted fsid is not 16 bytes")
		}
		copy(fsid[:], v)
		return nil
	})
	if err == nil {
		return fsid, nil
	}
	if !errs.IsNotFound(err) {
		return fsid, err
	}

	if override != nil {
		fsid = *override
	} else {
		fsid = [16]byte(uuid.New())
	}
	err = kv.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.Set(kvstore.NamespaceDefault, fsidKey, fsid[:])
	})
	return fsid, err
}
