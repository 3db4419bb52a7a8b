// pkg/chunk/config.go

package chunk

import (
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultChunkSize = 64 << 20
	DefaultPerm      = 0644
)

// Config for mapped files.
type Config struct {
	ChunkSize   int64 // must be a multiple of the page size
	OverlapSize int64 // < 0 means ChunkSize/4
	Perm        os.FileMode
	Locker      Locker                // serializes file growth, FileLocker if nil
	Registerer  prometheus.Registerer // optional
}

// DefaultConfig returns 64 MiB chunks with a 16 MiB overlap.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:   DefaultChunkSize,
		OverlapSize: DefaultChunkSize / 4,
		Perm:        DefaultPerm,
	}
}

func (c *Config) check() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < 0 {
		return errors.Errorf("invalid chunk size %d", c.ChunkSize)
	}
	if ps := int64(os.Getpagesize()); c.ChunkSize%ps != 0 {
		return errors.Errorf("chunk size %d is not a multiple of page size %d", c.ChunkSize, ps)
	}
	if c.OverlapSize < 0 {
		c.OverlapSize = c.ChunkSize / 4
	}
	if c.ChunkSize+c.OverlapSize > int64(maxMapSize) {
		return errors.Errorf("chunk size %d with overlap %d is too large to map", c.ChunkSize, c.OverlapSize)
	}
	if c.Perm == 0 {
		c.Perm = DefaultPerm
	}
	if c.Locker == nil {
		c.Locker = FileLocker{}
	}
	return nil
}
