package pieces

import (
	"errors"
	"syscall"
)

// isNotEmpty reports whether err wraps ENOTEMPTY, the expected outcome of
// racing a sibling piece's directory-tree cleanup.
func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}
