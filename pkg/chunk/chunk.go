// pkg/chunk/chunk.go

package chunk

import (
	"fmt"
	"io"
	"runtime"
	"unsafe"

	"AveMap/pkg/refcount"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// mapping is what the release action needs. It never points back to the
// Chunk, so a leaked Chunk stays collectable and its finalizer can run.
type mapping struct {
	name    string
	offset  int64
	data    []byte
	metrics *metrics
}

func (m *mapping) unmap() {
	if err := munmap(m.data); err != nil {
		logger.Errorf("munmap %s at %d: %s", m.name, m.offset, err)
		return
	}
	m.metrics.unmaps.Inc()
	m.metrics.mappedBytes.Sub(float64(len(m.data)))
	logger.Debugf("unmap %s at %d (%d bytes)", m.name, m.offset, len(m.data))
}

// Chunk is one mapped region of a File, starting at Index()*chunkSize and
// spanning chunkSize+overlapSize bytes. The mapping stays valid while the
// reference count is above zero and is unmapped on the last Release.
//
// Callers must keep the Chunk itself reachable while using Bytes().
type Chunk struct {
	owner uuid.UUID
	index int
	size  int64
	m     *mapping
	refs  *refcount.Counter
}

func newChunk(owner uuid.UUID, index int, size int64, m *mapping) *Chunk {
	c := &Chunk{
		owner: owner,
		index: index,
		size:  size,
		m:     m,
		refs:  refcount.New(m.unmap),
	}
	runtime.SetFinalizer(c, func(c *Chunk) {
		refCnt := c.refs.Get()
		if refCnt != 0 {
			logger.Errorf("refcount of chunk %d of %s is not zero: %d", c.index, c.m.name, refCnt)
			for c.refs.Get() > 0 {
				_ = c.refs.Release()
			}
		}
	})
	return c
}

// Reserve increases the refcount. It fails once the chunk has been released.
func (c *Chunk) Reserve() error {
	return c.refs.Reserve()
}

// TryReserve increases the refcount unless it already dropped to zero.
func (c *Chunk) TryReserve() bool {
	return c.refs.TryReserve()
}

// Release decreases the refcount, unmapping the chunk when it reaches zero.
func (c *Chunk) Release() error {
	if err := c.refs.Release(); err != nil {
		return errors.Wrapf(err, "chunk %d of %s", c.index, c.m.name)
	}
	return nil
}

func (c *Chunk) RefCount() int64 {
	return c.refs.Get()
}

// Owner identifies the File that mapped this chunk.
func (c *Chunk) Owner() uuid.UUID {
	return c.owner
}

func (c *Chunk) Index() int {
	return c.index
}

// Offset is the file position of the first mapped byte.
func (c *Chunk) Offset() int64 {
	return c.m.offset
}

// Length is the mapped size, the chunk size plus the overlap.
func (c *Chunk) Length() int64 {
	return int64(len(c.m.data))
}

// Size is the nominal chunk size, without the overlap.
func (c *Chunk) Size() int64 {
	return c.size
}

// Address is the base address of the mapping.
func (c *Chunk) Address() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(c.m.data)))
}

// Bytes returns the mapped memory, or nil once the chunk is released.
func (c *Chunk) Bytes() []byte {
	if c.refs.Get() <= 0 {
		return nil
	}
	return c.m.data
}

// Contains reports whether the file position pos is mapped by this chunk.
func (c *Chunk) Contains(pos int64) bool {
	return pos >= c.m.offset && pos < c.m.offset+int64(len(c.m.data))
}

// ReadAt reads from the absolute file position off.
func (c *Chunk) ReadAt(p []byte, off int64) (int, error) {
	data := c.Bytes()
	if data == nil {
		return 0, ErrInvalidState
	}
	if !c.Contains(off) {
		return 0, ErrOutOfRange
	}
	n := copy(p, data[off-c.m.offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes at the absolute file position off.
func (c *Chunk) WriteAt(p []byte, off int64) (int, error) {
	data := c.Bytes()
	if data == nil {
		return 0, ErrInvalidState
	}
	if !c.Contains(off) {
		return 0, ErrOutOfRange
	}
	n := copy(data[off-c.m.offset:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Sync flushes dirty pages of the chunk to the file.
func (c *Chunk) Sync() error {
	data := c.Bytes()
	if data == nil {
		return ErrInvalidState
	}
	if err := msync(data); err != nil {
		return ioError("msync", c.m.name, err)
	}
	return nil
}

// Advise hints the kernel about how the chunk will be accessed.
func (c *Chunk) Advise(pattern AccessPattern) error {
	data := c.Bytes()
	if data == nil {
		return ErrInvalidState
	}
	if err := madvise(data, pattern); err != nil {
		return ioError("madvise", c.m.name, err)
	}
	return nil
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %d of %s [%d, %d) refs=%d", c.index, c.m.name,
		c.m.offset, c.m.offset+int64(len(c.m.data)), c.refs.Get())
}

// ChunkReader reads the nominal region of a chunk, holding a reservation
// until it is closed.
type ChunkReader struct {
	c   *Chunk
	off int64
}

func NewChunkReader(c *Chunk) (*ChunkReader, error) {
	if err := c.Reserve(); err != nil {
		return nil, err
	}
	return &ChunkReader{c: c}, nil
}

func (r *ChunkReader) Read(buf []byte) (int, error) {
	n, err := r.ReadAt(buf, r.off)
	r.off += int64(n)
	return n, err
}

// ReadAt reads at off relative to the start of the chunk.
func (r *ChunkReader) ReadAt(buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if r.c == nil {
		return 0, errors.New("chunk is already released")
	}
	if off < 0 {
		return 0, ErrOutOfRange
	}
	if off >= r.c.size {
		return 0, io.EOF
	}
	n := copy(buf, r.c.m.data[off:r.c.size])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (r *ChunkReader) Close() error {
	if r.c != nil {
		err := r.c.Release()
		r.c = nil
		return err
	}
	return nil
}
