package nfs4state

import (
	"context"

	"github.com/dfr-systems/flexfiled/internal/protocol/nfs4"
	"github.com/dfr-systems/flexfiled/pkg/devices"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
	"github.com/dfr-systems/flexfiled/pkg/placement"
	"github.com/dfr-systems/flexfiled/pkg/striping"
)

// DeviceResolver is the narrow devices.Manager slice layout construction
// needs: resolve a placement Replica to its Device for the mirror list's
// network addresses. Declared locally so this package doesn't need the
// full devices.Manager surface in its exported signatures.
type DeviceResolver interface {
	Get(id devices.ID) (*devices.Device, bool)
}

// LayoutGetRequest is LAYOUTGET's input.
type LayoutGetRequest struct {
	Client    ClientID
	File      FileID
	FSID      [16]byte
	BlockSize uint32
	FileSize  uint64
	Offset    uint64
	Length    uint64 // nfs4.NFS4_UINT64_MAX means "to end of file"
	Iomode    nfs4.LayoutIomode4
}

// LayoutGetResult is LAYOUTGET's output: the granted stateid and the
// segment list covering the requested range.
type LayoutGetResult struct {
	Stateid  nfs4.Stateid4
	Segments []nfs4.LayoutSegment4
}

// LayoutGet implements LAYOUTGET's conflict check and segment
// enumeration: walk the piece map across [offset, offset+length),
// reporting each piece's mirror list, with the end-of-file/
// single-piece-file infinite-length rule and the read/write-too-small
// LAYOUTUNAVAILABLE rule.
func (m *Manager) LayoutGet(ctx context.Context, placer striping.Placer, resolver DeviceResolver, req LayoutGetRequest) (LayoutGetResult, error) {
	if req.Iomode != nfs4.LayoutIomodeRead && req.Iomode != nfs4.LayoutIomodeRW {
		return LayoutGetResult{}, errs.InvalidArgument("layoutget: iomode must be READ or RW")
	}

	m.mu.Lock()
	cl, err := m.getClientLocked(req.Client)
	if err != nil {
		m.mu.Unlock()
		return LayoutGetResult{}, err
	}
	if m.totalStateCount(cl) >= m.maxState {
		m.mu.Unlock()
		return LayoutGetResult{}, errs.Delay("client has reached its maximum outstanding state count")
	}
	fs := m.fileStateLocked(req.File, true)
	m.mu.Unlock()

	fs.mu.Lock()
	conflict := m.layoutConflictLocked(fs, req.Client, req.Iomode)
	fs.mu.Unlock()
	if conflict {
		return LayoutGetResult{}, errs.Delay("conflicting open, retry after recall")
	}

	if req.Iomode == nfs4.LayoutIomodeRW && req.BlockSize != 0 && uint64(req.BlockSize) < req.Length {
		return LayoutGetResult{}, errs.LayoutUnavailable()
	}

	segments, err := m.enumerateSegments(ctx, placer, resolver, req)
	if err != nil {
		return LayoutGetResult{}, err
	}

	m.mu.Lock()
	fs.mu.Lock()
	id := m.nextState
	m.nextState++
	st := &NfsState{
		ID:     id,
		Kind:   StateLayout,
		Seqid:  1,
		Client: req.Client,
		File:   req.File,
		Iomode: req.Iomode,
		Offset: req.Offset,
		Length: req.Length,
		Expiry: m.clock.Now().Add(m.leaseTime),
	}
	m.state[id] = st
	fs.Layouts[id] = true
	fs.mu.Unlock()
	cl.mu.Lock()
	cl.State[id] = true
	cl.mu.Unlock()
	m.mu.Unlock()

	m.metrics.layoutsActive.Inc()
	return LayoutGetResult{Stateid: st.stateid(), Segments: segments}, nil
}

// layoutConflictLocked mirrors OPEN's conflict check: a READ layout
// conflicts with another client's WRITE open; a WRITE layout conflicts
// with any other client's open at all. Must be called with fs.mu held.
func (m *Manager) layoutConflictLocked(fs *FileState, self ClientID, iomode nfs4.LayoutIomode4) bool {
	for id := range fs.Opens {
		st := m.state[id]
		if st == nil {
			continue
		}
		st.mu.Lock()
		other := st.Client != self
		isWrite := st.Access&nfs4.ShareAccessWrite != 0
		st.mu.Unlock()
		if !other {
			continue
		}
		if iomode == nfs4.LayoutIomodeRW {
			return true
		}
		if isWrite {
			return true
		}
	}
	return false
}

// enumerateSegments walks data_piece across [offset, offset+length),
// building one LayoutSegment4 per piece, applying the infinite-length
// rules for the last piece of a read layout and for size-0 (single-
// piece) files.
func (m *Manager) enumerateSegments(ctx context.Context, placer striping.Placer, resolver DeviceResolver, req LayoutGetRequest) ([]nfs4.LayoutSegment4, error) {
	var segs []nfs4.LayoutSegment4
	offset := req.Offset
	end := req.Offset + req.Length
	if req.Length == nfs4.NFS4_UINT64_MAX || req.BlockSize == 0 {
		end = req.Offset + 1 // force exactly one iteration for the whole-file piece
	}

	for offset < end || len(segs) == 0 {
		pid, loc, err := striping.DataPiece(ctx, placer, req.File, req.BlockSize, offset, req.Iomode == nfs4.LayoutIomodeRW)
		if err != nil {
			return nil, err
		}

		length := uint64(pid.Size)
		isLastPiece := req.BlockSize == 0
		nextOffset, hasNext := striping.NextPieceOffset(req.BlockSize, offset)
		if hasNext && nextOffset >= req.FileSize {
			isLastPiece = true
		}
		if isLastPiece && req.Iomode == nfs4.LayoutIomodeRead {
			length = nfs4.NFS4_UINT64_MAX - pid.Offset
		}

		body, err := m.buildFlexFileBody(resolver, req.FSID, pid, loc)
		if err != nil {
			return nil, err
		}

		segs = append(segs, nfs4.LayoutSegment4{
			Offset: pid.Offset,
			Length: length,
			Iomode: req.Iomode,
			Body:   body,
		})

		if req.BlockSize == 0 || isLastPiece {
			break
		}
		offset = nextOffset
	}
	return segs, nil
}

// buildFlexFileBody resolves loc's devices to a FlexFileLayout4 mirror
// list: one mirror per replica, each carrying the device id, the anon
// stateid, and the handle exported on that DS. This implementation
// stripes whole-piece, so every segment has exactly one stripe unit
// across all its mirrors.
func (m *Manager) buildFlexFileBody(resolver DeviceResolver, fsid [16]byte, pid pieces.PieceID, loc placement.Location) (nfs4.FlexFileLayout4, error) {
	mirrors := make([]nfs4.FlexFileMirror4, 0, len(loc))
	for _, r := range loc {
		if _, ok := resolver.Get(r.Device); !ok {
			continue
		}
		mirrors = append(mirrors, nfs4.FlexFileMirror4{
			DeviceID:   deviceIDFromRegistryID(r.Device),
			Efficiency: 0,
			Stateid:    nfs4.AnonStateid,
			FileHandle: pieces.EncodeFileHandle(fsid, pid),
			User:       "nobody",
			Group:      "nobody",
		})
	}
	if len(mirrors) == 0 {
		return nfs4.FlexFileLayout4{}, errs.NoMatchingLayout()
	}
	return nfs4.FlexFileLayout4{
		StripeUnit: uint64(pid.Size),
		Mirrors:    mirrors,
	}, nil
}

// DeviceLister is the narrow devices.Manager slice GETDEVICELIST needs:
// every known device id. Declared locally alongside DeviceResolver for
// the same import-cycle-avoidance reason.
type DeviceLister interface {
	IDs() []devices.ID
}

// GetDeviceInfo implements GETDEVICEINFO: resolves a flex-files device id
// (as carried in a layout segment's mirror list) to its current network
// addresses.
func (m *Manager) GetDeviceInfo(resolver DeviceResolver, id nfs4.DeviceID4) (nfs4.FlexFileDeviceAddr4, error) {
	regID := registryIDFromDeviceID(id)
	dev, ok := resolver.Get(regID)
	if !ok {
		return nfs4.FlexFileDeviceAddr4{}, errs.NotFound("device")
	}
	addr, ok := dev.Addr()
	if !ok {
		return nfs4.FlexFileDeviceAddr4{}, errs.NotFound("device has no resolved address yet")
	}
	return nfs4.FlexFileDeviceAddr4{
		NetAddrs: []nfs4.FlexFileNetAddr4{{NetID: "tcp", Addr: addr}},
		Version:  1,
		MinorVer: 1,
	}, nil
}

// GetDeviceList implements GETDEVICELIST: enumerates every flex-files
// device id known to the registry.
func (m *Manager) GetDeviceList(lister DeviceLister) []nfs4.DeviceID4 {
	ids := lister.IDs()
	out := make([]nfs4.DeviceID4, 0, len(ids))
	for _, id := range ids {
		out = append(out, deviceIDFromRegistryID(id))
	}
	return out
}

// deviceIDFromRegistryID renders a devices.ID as the 16-byte wire
// DeviceID4 GETDEVICEINFO keys off, left-padding with zero.
func deviceIDFromRegistryID(id devices.ID) nfs4.DeviceID4 {
	var out nfs4.DeviceID4
	v := uint64(id)
	for i := 15; i >= 8; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// registryIDFromDeviceID is deviceIDFromRegistryID's inverse.
func registryIDFromDeviceID(id nfs4.DeviceID4) devices.ID {
	var v uint64
	for i := 8; i <= 15; i++ {
		v = v<<8 | uint64(id[i])
	}
	return devices.ID(v)
}

// LayoutReturnRequest is LAYOUTRETURN's input.
type LayoutReturnRequest struct {
	Client ClientID
	Type   nfs4.LayoutReturnType4
	State  StateArenaID // only meaningful for LayoutReturnFile
	File   FileID
}

// LayoutReturn implements LAYOUTRETURN: LAYOUTRETURN4_FILE clears one
// layout (its state entry is deleted, so a later LAYOUTCOMMIT on that
// stateid gets BAD_STATEID); _FSID/_ALL clears every layout this client
// holds.
func (m *Manager) LayoutReturn(ctx context.Context, req LayoutReturnRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cl, err := m.getClientLocked(req.Client)
	if err != nil {
		return err
	}

	if req.Type == nfs4.LayoutReturnFile {
		st, ok := m.state[req.State]
		if !ok || st.Kind != StateLayout {
			return errs.BadStateid()
		}
		return m.releaseLayoutLocked(cl, st)
	}

	cl.mu.Lock()
	ids := make([]StateArenaID, 0, len(cl.State))
	for id := range cl.State {
		ids = append(ids, id)
	}
	cl.mu.Unlock()

	for _, id := range ids {
		if st, ok := m.state[id]; ok && st.Kind == StateLayout {
			if err := m.releaseLayoutLocked(cl, st); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) releaseLayoutLocked(cl *Client, st *NfsState) error {
	fs := m.files[st.File]
	if fs != nil {
		fs.mu.Lock()
		delete(fs.Layouts, st.ID)
		empty := !fs.hasState()
		fs.mu.Unlock()
		if empty {
			delete(m.files, st.File)
		}
	}
	cl.mu.Lock()
	delete(cl.State, st.ID)
	cl.mu.Unlock()
	delete(m.state, st.ID)
	m.metrics.layoutsActive.Dec()
	return nil
}

// LayoutCommitRequest is LAYOUTCOMMIT's input.
type LayoutCommitRequest struct {
	State           StateArenaID
	LastWriteOffset uint64
}

// LayoutCommitResult reports the file's new size if LAYOUTCOMMIT's
// last_write_offset grew it.
type LayoutCommitResult struct {
	NewSize uint64
	Grew    bool
}

// Setattr is the narrow pkg/namespace.Filesystem slice LayoutCommit
// needs to apply a grown size, kept local to avoid an import cycle
// (pkg/namespace has no reason to depend on pkg/nfs4state).
type Setattr interface {
	Setattr(ctx context.Context, file FileID, newSize uint64) error
}

// LayoutCommit applies last_write_offset to the file's size attribute
// via ns, reporting the new size if it grew.
func (m *Manager) LayoutCommit(ctx context.Context, ns Setattr, currentSize uint64, req LayoutCommitRequest) (LayoutCommitResult, error) {
	m.mu.RLock()
	st, ok := m.state[req.State]
	m.mu.RUnlock()
	if !ok || st.Kind != StateLayout {
		return LayoutCommitResult{}, errs.BadStateid()
	}

	if req.LastWriteOffset <= currentSize {
		return LayoutCommitResult{NewSize: currentSize}, nil
	}
	if err := ns.Setattr(ctx, st.File, req.LastWriteOffset); err != nil {
		return LayoutCommitResult{}, err
	}
	return LayoutCommitResult{NewSize: req.LastWriteOffset, Grew: true}, nil
}
