// Package kvstore is a thin transactional, namespaced wrapper over
// badger/v4: the MDS's view of "a transactional namespaced ordered
// key-value database with iterators and a master/replica role bit",
// per the external interfaces this core treats the replicated KV layer
// through. One WithTransaction callback per logical change, with the
// devices/pieces/data/repairs/clients/state namespace scheme layered
// over flat badger keys.
package kvstore

import (
	"context"
	"fmt"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// Namespace is one of the fixed top-level key spaces described in the
// external interfaces section.
type Namespace byte

const (
	NamespaceDefault Namespace = iota
	NamespaceDevices
	NamespacePieces
	NamespaceData
	NamespaceRepairs
	NamespaceClients
	NamespaceState
)

// Store wraps a single badger database and tracks this replica's role.
type Store struct {
	db       *badger.DB
	isMaster atomic.Bool
}

// Open opens (creating if absent) the namespaced KV store rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open kvstore %s: %w", dir, err)
	}
	s := &Store{db: db}
	s.isMaster.Store(true)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetMaster flips this replica's master/replica role bit. Any mutation
// attempted while not master fails with errs.ReadOnly.
func (s *Store) SetMaster(master bool) {
	s.isMaster.Store(master)
}

func (s *Store) IsMaster() bool {
	return s.isMaster.Load()
}

// key builds the full on-disk key: one namespace byte prefix followed by
// the caller-supplied key bytes. Integer components of the caller's key
// must already be big-endian encoded by the caller (see keys.go) so that
// badger's natural byte-order iteration gives numeric ordering too.
func key(ns Namespace, k []byte) []byte {
	out := make([]byte, 1+len(k))
	out[0] = byte(ns)
	copy(out[1:], k)
	return out
}

// WithTransaction runs fn within a single badger read-write transaction,
// committing on success and rolling back on error or panic. Every
// mutation to devices/pieces/data/repairs/clients/state must go through
// this, per the transaction discipline in the concurrency model.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		tx := &Transaction{store: s, txn: txn}
		return fn(tx)
	})
}

// WithReadTransaction runs fn within a read-only transaction.
func (s *Store) WithReadTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		tx := &Transaction{store: s, txn: txn, readOnly: true}
		return fn(tx)
	})
}

// Transaction is a single badger transaction scoped to one or more
// namespaces.
type Transaction struct {
	store    *Store
	txn      *badger.Txn
	readOnly bool
}

func (t *Transaction) requireMaster() error {
	if t.readOnly {
		return nil
	}
	if !t.store.isMaster.Load() {
		return errs.ReadOnly()
	}
	return nil
}

// Get fetches the value for (ns, k), or errs.NotFound if absent.
func (t *Transaction) Get(ns Namespace, k []byte) ([]byte, error) {
	item, err := t.txn.Get(key(ns, k))
	if err == badger.ErrKeyNotFound {
		return nil, errs.NotFound(fmt.Sprintf("ns=%d key=%x", ns, k))
	}
	if err != nil {
		return nil, errs.IoError(err.Error())
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		out = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, errs.IoError(err.Error())
	}
	return out, nil
}

// Has reports whether (ns, k) exists without copying its value.
func (t *Transaction) Has(ns Namespace, k []byte) (bool, error) {
	_, err := t.txn.Get(key(ns, k))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, errs.IoError(err.Error())
	}
	return true, nil
}

// Set writes (ns, k) = v. Fails with errs.ReadOnly if this replica is not
// the master.
func (t *Transaction) Set(ns Namespace, k, v []byte) error {
	if err := t.requireMaster(); err != nil {
		return err
	}
	if err := t.txn.Set(key(ns, k), v); err != nil {
		return errs.IoError(err.Error())
	}
	return nil
}

// Delete removes (ns, k). Deleting an absent key is not an error
// (idempotent, matching the piece store's removal semantics).
func (t *Transaction) Delete(ns Namespace, k []byte) error {
	if err := t.requireMaster(); err != nil {
		return err
	}
	if err := t.txn.Delete(key(ns, k)); err != nil && err != badger.ErrKeyNotFound {
		return errs.IoError(err.Error())
	}
	return nil
}

// IterateFunc is called for each (key-suffix, value) pair found under a
// prefix, in ascending byte order. Returning false stops iteration early.
type IterateFunc func(k, v []byte) (cont bool, err error)

// IteratePrefix walks every key in namespace ns whose suffix starts with
// prefix, starting at (or after) seek if non-nil, calling fn with the
// namespace-stripped key suffix.
func (t *Transaction) IteratePrefix(ns Namespace, prefix, seek []byte, fn IterateFunc) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := t.txn.NewIterator(opts)
	defer it.Close()

	fullPrefix := key(ns, prefix)
	start := fullPrefix
	if seek != nil {
		start = key(ns, seek)
	}

	for it.Seek(start); it.ValidForPrefix(fullPrefix); it.Next() {
		item := it.Item()
		full := item.KeyCopy(nil)
		suffix := full[1+len(prefix):]
		var val []byte
		if err := item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return errs.IoError(err.Error())
		}
		cont, err := fn(suffix, val)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// LogIoError is a small helper most callers use to log-and-wrap a badger
// failure with the component name before propagating it.
func LogIoError(ctx context.Context, component string, err error) error {
	logger.ErrorCtx(ctx, "kvstore io error", "component", component, "error", err)
	return errs.IoError(err.Error())
}
