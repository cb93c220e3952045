// Package namespace implements the MDS-side file/directory tree: the
// capability surface the NFSv4.1 state manager drives for LOOKUP,
// CREATE, REMOVE, RENAME, and READDIR. Entities are kept in a
// mutex-protected in-memory tree (one RWMutex over a byID map plus a
// monotonic id counter and sorted child listing) and persisted into
// the kvstore "default" namespace so the tree survives a restart.
package namespace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/kvstore"
)

// Type distinguishes a regular file from a directory. There are no
// symlinks, ACLs, or other object types in this tree.
type Type int

const (
	TypeDirectory Type = iota
	TypeRegular
)

// Attr is the GETATTR-visible attribute set this package tracks.
type Attr struct {
	FileID     uint64
	Type       Type
	Size       uint64
	Mode       uint32
	Mtime      time.Time
	Ctime      time.Time
	BlockSize  uint32 // 0 or a power of two, per data_piece
	CreateVerf [8]byte
	HasVerf    bool
}

// entry is one node in the tree. The root directory is entry id 0 and
// is its own parent, lining up with the reserved (0,0,0) PieceId that
// denotes the filesystem root.
type entry struct {
	attr     Attr
	name     string
	parentID uint64
	children map[string]uint64 // only populated for directories
}

// File is the read side of an entry. pkg/nfs4state does not hold File
// values: its FileState tracks a file by the bare fileid FileID returns.
type File interface {
	FileID() uint64
	Attr() Attr
	IsDir() bool
}

// Filesystem is the MDS-side namespace capability surface.
type Filesystem interface {
	Root() File
	Lookup(ctx context.Context, dir File, name string) (File, error)
	Create(ctx context.Context, dir File, name string, typ Type, mode uint32, blockSize uint32) (File, error)
	CreateExclusive(ctx context.Context, dir File, name string, mode uint32, blockSize uint32, verf [8]byte) (File, bool, error)
	Remove(ctx context.Context, dir File, name string) error
	Rename(ctx context.Context, srcDir File, srcName string, dstDir File, dstName string) error
	Readdir(ctx context.Context, dir File) ([]DirEntry, error)
	Lookupp(ctx context.Context, f File) (File, error)
	Setattr(ctx context.Context, f File, size *uint64, mode *uint32, mtime *time.Time) (File, error)
	ByID(id uint64) (File, error)
	Statfs(ctx context.Context) (FsStat, error)
}

// DirEntry is one READDIR entry.
type DirEntry struct {
	Name   string
	FileID uint64
	Attr   Attr
}

// FsStat is the STATFS-visible aggregate. FilesUsed/FilesFree are a
// cosmetic proxy over the Device Registry's real byte counts, not a
// real inode count; see Statfs.
type FsStat struct {
	TotalBytes uint64
	FreeBytes  uint64
	AvailBytes uint64
	FilesUsed  uint64
	FilesFree  uint64
}

// handle is the File implementation returned to callers: an immutable
// snapshot of an entry's id/attr pair, safe to hold without the tree
// lock.
type handle struct {
	id   uint64
	attr Attr
}

func (h *handle) FileID() uint64 { return h.id }
func (h *handle) Attr() Attr     { return h.attr }
func (h *handle) IsDir() bool    { return h.attr.Type == TypeDirectory }

// StatfsSource supplies the Device Registry's aggregate capacity for
// Statfs; pkg/devices.Manager implements this with its own method
// set, kept as a narrow interface here to avoid an import cycle
// between pkg/namespace and pkg/devices.
type StatfsSource interface {
	AggregateStorage() (total, free, avail uint64)
}

// Tree is the concrete Filesystem implementation.
type Tree struct {
	mu       sync.RWMutex
	entries  map[uint64]*entry
	nextID   uint64
	store    *kvstore.Store
	statfs   StatfsSource
	pieceAvg uint32 // average piece size used for the FilesFree proxy
}

// New creates a Tree rooted at an empty root directory. store may be
// nil for a purely in-memory tree (tests); statfs may be nil, in which
// case Statfs reports zero capacity.
func New(store *kvstore.Store, statfs StatfsSource, pieceAvg uint32) *Tree {
	if pieceAvg == 0 {
		pieceAvg = 1 << 20
	}
	t := &Tree{
		entries:  make(map[uint64]*entry),
		nextID:   1,
		store:    store,
		statfs:   statfs,
		pieceAvg: pieceAvg,
	}
	now := time.Now()
	root := &entry{
		attr: Attr{
			FileID: 0,
			Type:   TypeDirectory,
			Mode:   0755,
			Mtime:  now,
			Ctime:  now,
		},
		parentID: 0,
		children: make(map[string]uint64),
	}
	t.entries[0] = root
	return t
}

func (t *Tree) Root() File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(0, t.entries[0])
}

func snapshot(id uint64, e *entry) *handle {
	return &handle{id: id, attr: e.attr}
}

func (t *Tree) ByID(id uint64) (File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, errs.StaleHandle()
	}
	return snapshot(id, e), nil
}

func (t *Tree) Lookup(ctx context.Context, dir File, name string) (File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.entries[dir.FileID()]
	if !ok {
		return nil, errs.StaleHandle()
	}
	if d.attr.Type != TypeDirectory {
		return nil, errs.NotDirectory(name)
	}
	childID, ok := d.children[name]
	if !ok {
		return nil, errs.NotFound(name)
	}
	return snapshot(childID, t.entries[childID]), nil
}

func (t *Tree) Lookupp(ctx context.Context, f File) (File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[f.FileID()]
	if !ok {
		return nil, errs.StaleHandle()
	}
	// Root's parent is root itself, per the NFSv4 LOOKUPP-on-root
	// convention.
	return snapshot(e.parentID, t.entries[e.parentID]), nil
}

// Create adds name under dir with the given type. UNCHECKED semantics:
// an existing entry of the same name is returned as-is rather than
// replaced.
func (t *Tree) Create(ctx context.Context, dir File, name string, typ Type, mode uint32, blockSize uint32) (File, error) {
	f, _, err := t.create(ctx, dir, name, typ, mode, blockSize, nil)
	return f, err
}

// CreateExclusive implements OPEN's EXCLUSIVE4_1 createhow: idempotent
// replay when createverf matches an existing file, EEXIST on mismatch,
// otherwise create with the verifier stored on the new file. The bool
// return reports whether a new file was actually created.
func (t *Tree) CreateExclusive(ctx context.Context, dir File, name string, mode uint32, blockSize uint32, verf [8]byte) (File, bool, error) {
	return t.create(ctx, dir, name, TypeRegular, mode, blockSize, &verf)
}

func (t *Tree) create(ctx context.Context, dir File, name string, typ Type, mode uint32, blockSize uint32, verf *[8]byte) (File, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[dir.FileID()]
	if !ok {
		return nil, false, errs.StaleHandle()
	}
	if d.attr.Type != TypeDirectory {
		return nil, false, errs.NotDirectory(name)
	}

	if existingID, ok := d.children[name]; ok {
		existing := t.entries[existingID]
		if verf == nil {
			return snapshot(existingID, existing), false, nil
		}
		if existing.attr.HasVerf && existing.attr.CreateVerf == *verf {
			return snapshot(existingID, existing), false, nil
		}
		return nil, false, errs.AlreadyExists(name)
	}

	id := t.nextID
	t.nextID++
	now := time.Now()
	e := &entry{
		name:     name,
		parentID: dir.FileID(),
		attr: Attr{
			FileID:    id,
			Type:      typ,
			Mode:      mode,
			Mtime:     now,
			Ctime:     now,
			BlockSize: blockSize,
		},
	}
	if verf != nil {
		e.attr.CreateVerf = *verf
		e.attr.HasVerf = true
	}
	if typ == TypeDirectory {
		e.children = make(map[string]uint64)
	}
	t.entries[id] = e
	d.children[name] = id
	d.attr.Mtime = now

	if err := t.persistLocked(ctx); err != nil {
		return nil, false, err
	}
	logger.InfoCtx(ctx, "namespace created entry", "parent", dir.FileID(), "name", name, "fileid", id, "type", typ)
	return snapshot(id, e), true, nil
}

func (t *Tree) Remove(ctx context.Context, dir File, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[dir.FileID()]
	if !ok {
		return errs.StaleHandle()
	}
	childID, ok := d.children[name]
	if !ok {
		return errs.NotFound(name)
	}
	child := t.entries[childID]
	if child.attr.Type == TypeDirectory && len(child.children) > 0 {
		return errs.NotEmpty(name)
	}
	delete(d.children, name)
	delete(t.entries, childID)
	d.attr.Mtime = time.Now()

	if err := t.persistLocked(ctx); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "namespace removed entry", "parent", dir.FileID(), "name", name, "fileid", childID)
	return nil
}

func (t *Tree) Rename(ctx context.Context, srcDir File, srcName string, dstDir File, dstName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sd, ok := t.entries[srcDir.FileID()]
	if !ok {
		return errs.StaleHandle()
	}
	dd, ok := t.entries[dstDir.FileID()]
	if !ok {
		return errs.StaleHandle()
	}
	childID, ok := sd.children[srcName]
	if !ok {
		return errs.NotFound(srcName)
	}

	if existingID, ok := dd.children[dstName]; ok {
		existing := t.entries[existingID]
		if existing.attr.Type == TypeDirectory && len(existing.children) > 0 {
			return errs.NotEmpty(dstName)
		}
		delete(t.entries, existingID)
	}

	child := t.entries[childID]
	delete(sd.children, srcName)
	dd.children[dstName] = childID
	child.name = dstName
	child.parentID = dstDir.FileID()
	now := time.Now()
	sd.attr.Mtime = now
	dd.attr.Mtime = now

	if err := t.persistLocked(ctx); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "namespace renamed entry", "fileid", childID, "old_name", srcName, "new_name", dstName)
	return nil
}

func (t *Tree) Readdir(ctx context.Context, dir File) ([]DirEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.entries[dir.FileID()]
	if !ok {
		return nil, errs.StaleHandle()
	}
	if d.attr.Type != TypeDirectory {
		return nil, errs.NotDirectory(fmt.Sprintf("fileid %d", dir.FileID()))
	}
	out := make([]DirEntry, 0, len(d.children))
	for name, id := range d.children {
		out = append(out, DirEntry{Name: name, FileID: id, Attr: t.entries[id].attr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Setattr applies a SETATTR/LAYOUTCOMMIT-driven attribute update.
// Returns the updated File snapshot.
func (t *Tree) Setattr(ctx context.Context, f File, size *uint64, mode *uint32, mtime *time.Time) (File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[f.FileID()]
	if !ok {
		return nil, errs.StaleHandle()
	}
	if size != nil {
		e.attr.Size = *size
	}
	if mode != nil {
		e.attr.Mode = *mode
	}
	if mtime != nil {
		e.attr.Mtime = *mtime
	} else {
		e.attr.Mtime = time.Now()
	}
	e.attr.Ctime = time.Now()

	if err := t.persistLocked(ctx); err != nil {
		return nil, err
	}
	return snapshot(f.FileID(), e), nil
}

// Statfs reports aggregate capacity. FilesFree divides available bytes
// by an average piece size rather than counting inodes; the
// client-visible effect is cosmetic.
func (t *Tree) Statfs(ctx context.Context) (FsStat, error) {
	var total, free, avail uint64
	if t.statfs != nil {
		total, free, avail = t.statfs.AggregateStorage()
	}
	return FsStat{
		TotalBytes: total,
		FreeBytes:  free,
		AvailBytes: avail,
		FilesUsed:  0,
		FilesFree:  avail / uint64(t.pieceAvg),
	}, nil
}

// persistLocked snapshots the tree into the kvstore default namespace
// under a single key so a restart can reload it; called with t.mu
// held. A nil store (tests) is a no-op.
func (t *Tree) persistLocked(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	blob := EncodeTree(t.entries, t.nextID)
	return t.store.WithTransaction(ctx, func(tx *kvstore.Transaction) error {
		return tx.Set(kvstore.NamespaceDefault, []byte("tree"), blob)
	})
}

// Load reloads a Tree's contents from the kvstore default namespace,
// if a prior snapshot exists; otherwise leaves t as a fresh empty root.
func (t *Tree) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	var blob []byte
	err := t.store.WithReadTransaction(ctx, func(tx *kvstore.Transaction) error {
		v, err := tx.Get(kvstore.NamespaceDefault, []byte("tree"))
		if err != nil {
			return err
		}
		blob = v
		return nil
	})
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	entries, nextID, err := DecodeTree(blob)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.entries = entries
	t.nextID = nextID
	t.mu.Unlock()
	return nil
}
