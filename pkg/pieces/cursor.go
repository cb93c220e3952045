package pieces

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dfr-systems/flexfiled/pkg/errs"
)

// SeekKey restarts enumeration after a previously-seen piece; the zero
// value starts from the beginning.
type SeekKey struct {
	valid bool
	g0    string
	g1    string
	g2    string
	leaf  string
}

// Enumerate flattens the 3-level hex directory tree, skipping META, "."
// and "..", yielding every piece found. fn returning false stops the
// walk early; the returned SeekKey can resume a later call.
func (s *Store) Enumerate(seek SeekKey, fn func(PieceID) (cont bool, err error)) (SeekKey, error) {
	g0s, err := sortedSubdirs(s.root)
	if err != nil {
		return seek, err
	}

	for _, g0 := range g0s {
		if seek.valid && g0 < seek.g0 {
			continue
		}
		g1s, err := sortedSubdirs(filepath.Join(s.root, g0))
		if err != nil {
			return seek, err
		}
		for _, g1 := range g1s {
			if seek.valid && g0 == seek.g0 && g1 < seek.g1 {
				continue
			}
			g2s, err := sortedSubdirs(filepath.Join(s.root, g0, g1))
			if err != nil {
				return seek, err
			}
			for _, g2 := range g2s {
				if seek.valid && g0 == seek.g0 && g1 == seek.g1 && g2 < seek.g2 {
					continue
				}
				leaves, err := sortedLeaves(filepath.Join(s.root, g0, g1, g2))
				if err != nil {
					return seek, err
				}
				for _, leaf := range leaves {
					if seek.valid && g0 == seek.g0 && g1 == seek.g1 && g2 == seek.g2 && leaf <= seek.leaf {
						continue
					}
					pid, perr := parseLeaf(g0, g1, g2, leaf)
					if perr != nil {
						continue
					}
					cont, err := fn(pid)
					if err != nil {
						return seek, err
					}
					if !cont {
						return SeekKey{valid: true, g0: g0, g1: g1, g2: g2, leaf: leaf}, nil
					}
				}
			}
		}
	}
	return SeekKey{}, nil
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IoError(err.Error())
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." || name == MetaFileName {
			continue
		}
		if e.IsDir() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortedLeaves(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IoError(err.Error())
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." || name == MetaFileName || e.IsDir() {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// parseLeaf parses a "<hexfileid4>-<log2size>-<index>" leaf name (as
// described for the RESTORING reconciliation pass) into a PieceID.
func parseLeaf(g0, g1, g2, leaf string) (PieceID, error) {
	parts := strings.SplitN(leaf, "-", 3)
	if len(parts) != 3 {
		return PieceID{}, fmt.Errorf("malformed piece leaf name %q", leaf)
	}
	fileidHex := g0 + g1 + g2 + parts[0]
	fileid, err := strconv.ParseUint(fileidHex, 16, 64)
	if err != nil {
		return PieceID{}, err
	}
	log2size, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return PieceID{}, err
	}
	shiftIdx, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return PieceID{}, err
	}
	size := sizeFromLog2(uint(log2size))
	var offset uint64
	if log2size != SizeZeroSentinel {
		offset = shiftIdx << log2size
	}
	return PieceID{FileID: fileid, Offset: offset, Size: size}, nil
}
