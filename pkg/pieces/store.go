package pieces

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ristretto "github.com/dgraph-io/ristretto/v2"

	"github.com/dfr-systems/flexfiled/internal/bytesize"
	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// DataFile is an open handle on a piece's backing file.
type DataFile struct {
	*os.File
	pieceID PieceID
}

func (d *DataFile) PieceID() PieceID { return d.pieceID }

// Store is the DS-local piece store: it owns the bytes of every piece
// assigned to this device, persisted under a 3-level hex directory tree,
// with a bounded ristretto cache of open file handles to stay under low
// file-descriptor ceilings. Ristretto evicts by sampled LFU behind an
// admission filter, not in least-recently-used order.
type Store struct {
	root string

	mu    sync.Mutex
	cache *ristretto.Cache[PieceID, *DataFile]
}

// Open opens (creating if absent) a piece store rooted at dir, with an
// open-file cache bounded by costLimit (default 512 per spec).
func Open(dir string, costLimit int64) (*Store, error) {
	if costLimit <= 0 {
		costLimit = 512
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.IoError(fmt.Sprintf("mkdir %s: %v", dir, err))
	}

	s := &Store{root: dir}
	cache, err := ristretto.NewCache(&ristretto.Config[PieceID, *DataFile]{
		NumCounters: costLimit * 10,
		MaxCost:     costLimit,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[*DataFile]) {
			if item.Value != nil {
				_ = item.Value.Close()
			}
		},
	})
	if err != nil {
		return nil, errs.IoError(fmt.Sprintf("create piece cache: %v", err))
	}
	s.cache = cache
	logger.Info("piece store opened", "dir", dir, "cache_cost_limit", bytesize.ByteSize(costLimit).String())
	return s, nil
}

func (s *Store) Close() {
	s.cache.Close()
}

// ReadFSID reads the store's 16-byte filesystem id from the META file,
// or returns errs.NotFound if it has not been written yet.
func (s *Store) ReadFSID() ([16]byte, error) {
	var fsid [16]byte
	b, err := os.ReadFile(filepath.Join(s.root, MetaFileName))
	if os.IsNotExist(err) {
		return fsid, errs.NotFound(MetaFileName)
	}
	if err != nil {
		return fsid, errs.IoError(err.Error())
	}
	if len(b) != 16 {
		return fsid, errs.InvalidArgument("META file is not 16 bytes")
	}
	copy(fsid[:], b)
	return fsid, nil
}

// WriteFSID writes the store's filesystem id to META, creating it if
// absent. Idempotent if the value matches.
func (s *Store) WriteFSID(fsid [16]byte) error {
	return os.WriteFile(filepath.Join(s.root, MetaFileName), fsid[:], 0644)
}

// FindPiece resolves pid to its backing file, or fails with NotFound.
func (s *Store) FindPiece(ctx context.Context, pid PieceID) (*DataFile, error) {
	if err := pid.Validate(); err != nil {
		return nil, err
	}
	if df, ok := s.cache.Get(pid); ok {
		return df, nil
	}

	full := filepath.Join(s.root, relPath(pid))
	f, err := os.OpenFile(full, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return nil, errs.NotFound(relPath(pid))
	}
	if err != nil {
		return nil, errs.IoError(err.Error())
	}
	df := &DataFile{File: f, pieceID: pid}
	s.cache.Set(pid, df, 1)
	return df, nil
}

// CreatePiece atomically creates the directory tree if absent, then
// creates the file with mode 0644. Idempotent: an existing file succeeds
// and returns the existing file.
func (s *Store) CreatePiece(ctx context.Context, pid PieceID) (*DataFile, error) {
	if err := pid.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if df, ok := s.cache.Get(pid); ok {
		return df, nil
	}

	full := filepath.Join(s.root, relPath(pid))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, errs.IoError(fmt.Sprintf("mkdir: %v", err))
	}

	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.IoError(err.Error())
	}
	df := &DataFile{File: f, pieceID: pid}
	s.cache.Set(pid, df, 1)
	logger.DebugCtx(ctx, "created piece", "fileid", pid.FileID, "offset", pid.Offset, "size", pid.Size)
	return df, nil
}

// RemovePiece removes the file and then attempts to remove each of the
// three enclosing directories in leaf-first order, ignoring ENOTEMPTY.
// Idempotent: removing a missing piece returns success.
func (s *Store) RemovePiece(ctx context.Context, pid PieceID) error {
	if err := pid.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache.Del(pid)
	s.mu.Unlock()

	full := filepath.Join(s.root, relPath(pid))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errs.IoError(err.Error())
	}

	for _, rel := range dirLevels(pid) {
		dir := filepath.Join(s.root, rel)
		err := os.Remove(dir)
		if err == nil || os.IsNotExist(err) {
			continue
		}
		if isNotEmpty(err) {
			// A sibling piece still lives under this directory level;
			// leaving it is correct, not a failure.
			continue
		}
		logger.WarnCtx(ctx, "piece dir cleanup failed", "dir", dir, "error", err)
	}
	return nil
}
