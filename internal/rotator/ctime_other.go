//go:build !linux

package rotator

import (
	"errors"
	"io/fs"
	"syscall"
	"time"
)

func creationTime(_ string, fi fs.FileInfo) time.Time {
	return fi.ModTime()
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
