// pkg/chunk/mmap_unix.go

//go:build unix

package chunk

import (
	"math"
	"os"

	"golang.org/x/sys/unix"
)

const maxMapSize = math.MaxInt

// AccessPattern provides hints to the kernel about how a chunk will be accessed.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	AccessSequential
	AccessRandom
	AccessWillNeed
	AccessDontNeed
)

// mmapRegion maps [offset, offset+length) of fd read/write and shared, so
// stores are carried through to the file.
func mmapRegion(fd *os.File, offset int64, length int) ([]byte, error) {
	return unix.Mmap(int(fd.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

func madvise(data []byte, pattern AccessPattern) error {
	if len(data) == 0 {
		return nil
	}
	var advice int
	switch pattern {
	case AccessSequential:
		advice = unix.MADV_SEQUENTIAL
	case AccessRandom:
		advice = unix.MADV_RANDOM
	case AccessWillNeed:
		advice = unix.MADV_WILLNEED
	case AccessDontNeed:
		advice = unix.MADV_DONTNEED
	default:
		advice = unix.MADV_NORMAL
	}
	err := unix.Madvise(data, advice)
	if err == unix.EINVAL {
		// unaligned sub-slice, the hint is advisory
		return nil
	}
	return err
}
