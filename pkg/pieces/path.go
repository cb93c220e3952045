package pieces

import (
	"fmt"
	"path/filepath"
)

// MetaFileName is the reserved regular file at the store root holding the
// 16-byte fsid.
const MetaFileName = "META"

// hexGroups splits fileid into its four 16-bit slices, top-most first.
func hexGroups(fileid uint64) [4]string {
	return [4]string{
		fmt.Sprintf("%04x", uint16(fileid>>48)),
		fmt.Sprintf("%04x", uint16(fileid>>32)),
		fmt.Sprintf("%04x", uint16(fileid>>16)),
		fmt.Sprintf("%04x", uint16(fileid)),
	}
}

// relPath returns the path, relative to the store root, of the piece's
// backing file: HHHH/HHHH/HHHH/HHHH-S-O.
func relPath(p PieceID) string {
	g := hexGroups(p.FileID)
	name := fmt.Sprintf("%s-%s", g[3], p.leafName())
	return filepath.Join(g[0], g[1], g[2], name)
}

// dirLevels returns the three enclosing directory paths, relative to the
// store root, in leaf-first (deepest-first) order, for cleanup on remove.
func dirLevels(p PieceID) [3]string {
	g := hexGroups(p.FileID)
	return [3]string{
		filepath.Join(g[0], g[1], g[2]),
		filepath.Join(g[0], g[1]),
		g[0],
	}
}
