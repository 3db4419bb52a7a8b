// pkg/chunk/grow.go

package chunk

import "os"

// Locker serializes growth of a backing file against other processes.
// The returned function drops the lock.
type Locker interface {
	Lock(fd *os.File) (func() error, error)
}

// growFile makes sure fd is at least minSize bytes long. The length is
// checked again under the lock since another process may have grown the
// file in between.
func growFile(fd *os.File, minSize int64, locker Locker) (grown bool, err error) {
	fi, err := fd.Stat()
	if err != nil {
		return false, ioError("stat", fd.Name(), err)
	}
	if fi.Size() >= minSize {
		return false, nil
	}

	unlock, err := locker.Lock(fd)
	if err != nil {
		return false, ioError("lock", fd.Name(), err)
	}
	defer func() {
		if e := unlock(); e != nil && err == nil {
			err = ioError("unlock", fd.Name(), e)
		}
	}()

	if fi, err = fd.Stat(); err != nil {
		return false, ioError("stat", fd.Name(), err)
	}
	if fi.Size() >= minSize {
		return false, nil
	}
	if err = fd.Truncate(minSize); err != nil {
		return false, ioError("truncate", fd.Name(), err)
	}
	logger.Debugf("grow %s from %d to %d", fd.Name(), fi.Size(), minSize)
	return true, nil
}
