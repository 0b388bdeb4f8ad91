//go:build linux

package rotator

import (
	"errors"
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// creationTime reads the birth time via statx; filesystems without it report mtime.
func creationTime(path string, fi fs.FileInfo) time.Time {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME, &stx)
	if err == nil && stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return fi.ModTime()
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
