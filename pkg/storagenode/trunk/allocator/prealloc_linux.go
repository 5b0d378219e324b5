//go:build linux

package allocator

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves real blocks for the whole trunk file so later
// slot writes never fail with ENOSPC mid-upload.
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == unix.EOPNOTSUPP {
		return f.Truncate(size)
	}
	return err
}
