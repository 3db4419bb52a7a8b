// pkg/chunk/lock_unix.go

//go:build unix

package chunk

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileLocker takes an exclusive flock(2) on the backing file. The lock is
// advisory and shared by every process that opens the same file.
type FileLocker struct{}

func (FileLocker) Lock(fd *os.File) (func() error, error) {
	h := int(fd.Fd())
	for {
		err := unix.Flock(h, unix.LOCK_EX)
		if err == nil {
			break
		}
		if err != unix.EINTR {
			return nil, err
		}
	}
	return func() error {
		return unix.Flock(h, unix.LOCK_UN)
	}, nil
}
