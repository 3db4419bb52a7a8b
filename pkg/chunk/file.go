// pkg/chunk/file.go

package chunk

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"weak"

	"AveMap/pkg/refcount"
	"AveMap/pkg/utils"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var logger = utils.GetLogger("avemap")

// File divides a growable file into overlapping chunks and maps them on
// demand. A chunk is shared by every caller that acquires it while it is
// mapped; the slot table only observes chunks and never keeps one alive.
type File struct {
	id          uuid.UUID
	name        string
	fd          *os.File
	chunkSize   int64
	overlapSize int64
	locker      Locker
	metrics     *metrics

	mu        sync.Mutex // guards slots and every chunk creation
	slots     []weak.Pointer[Chunk]
	published atomic.Pointer[[]weak.Pointer[Chunk]]

	refs   *refcount.Counter
	closed atomic.Bool
}

// Open opens or creates name for reading and writing. A nil conf uses
// DefaultConfig().
func Open(name string, conf *Config) (*File, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	c := *conf
	if err := c.check(); err != nil {
		return nil, err
	}

	fd, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, c.Perm)
	if err != nil {
		return nil, ioError("open", name, err)
	}
	id := uuid.New()
	var reg prometheus.Registerer
	if c.Registerer != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"file": name, "id": id.String()}, c.Registerer)
	}
	m, err := newMetrics(reg)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}

	f := &File{
		id:          id,
		name:        name,
		fd:          fd,
		chunkSize:   c.ChunkSize,
		overlapSize: c.OverlapSize,
		locker:      c.Locker,
		metrics:     m,
	}
	f.refs = refcount.New(f.performRelease)
	f.publish()
	logger.Debugf("open %s (id %s): chunk size %d, overlap %d", name, id, f.chunkSize, f.overlapSize)
	return f, nil
}

// Acquire returns the chunk covering position, reserved once for the
// caller, who must Release it. The file is grown first when the chunk
// lies past its end.
func (f *File) Acquire(position int64) (*Chunk, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if position < 0 {
		return nil, errors.Errorf("invalid position %d", position)
	}
	// the end of the mapping must be a representable file size
	if position > math.MaxInt64-f.chunkSize-f.overlapSize {
		return nil, errors.Wrapf(ErrOutOfRange, "position %d", position)
	}
	index := int(position / f.chunkSize)

	if c := f.lookup(index); c != nil {
		f.metrics.reuses.WithLabelValues("fast").Inc()
		return c, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if index < len(f.slots) {
		if c := f.slots[index].Value(); c != nil && c.TryReserve() {
			f.metrics.reuses.WithLabelValues("locked").Inc()
			return c, nil
		}
	}

	offset := int64(index) * f.chunkSize
	minSize := offset + f.chunkSize + f.overlapSize
	grown, err := growFile(f.fd, minSize, f.locker)
	if err != nil {
		return nil, err
	}
	if grown {
		f.metrics.grows.Inc()
	}

	length := f.chunkSize + f.overlapSize
	data, err := mmapRegion(f.fd, offset, int(length))
	if err != nil {
		return nil, ioError("mmap", f.name, err)
	}
	f.metrics.maps.Inc()
	f.metrics.mappedBytes.Add(float64(length))
	logger.Debugf("map chunk %d of %s at %d (%d bytes)", index, f.name, offset, length)

	c := newChunk(f.id, index, f.chunkSize, &mapping{
		name:    f.name,
		offset:  offset,
		data:    data,
		metrics: f.metrics,
	})
	// extended only once the region is mapped, so a position the file
	// cannot reach never inflates the table
	for len(f.slots) <= index {
		f.slots = append(f.slots, weak.Pointer[Chunk]{})
	}
	f.slots[index] = weak.Make(c)
	f.publish()
	return c, nil
}

// lookup reserves a live chunk from the published table without taking
// the table lock.
func (f *File) lookup(index int) *Chunk {
	slots := *f.published.Load()
	if index >= len(slots) {
		return nil
	}
	if c := slots[index].Value(); c != nil && c.TryReserve() {
		return c
	}
	return nil
}

// locked
func (f *File) publish() {
	slots := slices.Clone(f.slots)
	f.published.Store(&slots)
}

// Reserve adds a reservation on the file itself.
func (f *File) Reserve() error {
	return f.refs.Reserve()
}

// Release drops a reservation on the file; the last one closes it.
func (f *File) Release() error {
	return f.refs.Release()
}

func (f *File) RefCount() int64 {
	return f.refs.Get()
}

// Close marks the file closed and drops the reservation taken by Open.
// Only the first call has any effect.
//
// Once the last reservation on the file is gone every live chunk loses one
// unit. A chunk held only through the Acquire that created it is unmapped
// right away: its Bytes become invalid and a later Release returns
// ErrInvalidState. Reserve a chunk again before closing to keep using it.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return f.refs.Release()
}

// performRelease runs once, when the file's own count reaches zero. Each
// live chunk gives up one unit, the table's stake; chunks that are still
// held elsewhere survive as orphans and unmap on their last Release.
func (f *File) performRelease() {
	f.closed.Store(true)
	f.mu.Lock()
	defer f.mu.Unlock()

	var orphans int
	for i := range f.slots {
		if c := f.slots[i].Value(); c != nil && c.RefCount() > 0 {
			if err := c.Release(); err != nil {
				logger.Warnf("release %s: %s", c, err)
			} else if c.RefCount() > 0 {
				orphans++
			}
		}
		f.slots[i] = weak.Pointer[Chunk]{}
	}
	f.publish()
	f.metrics.unregister()

	if err := f.fd.Close(); err != nil {
		logger.Warnf("close %s: %s", f.name, err)
	}
	logger.Debugf("closed %s (id %s), %d orphaned chunks", f.name, f.id, orphans)
}

// ReferenceCounts describes the file's count followed by the count of the
// chunk in every slot, 0 for slots without a live chunk.
func (f *File) ReferenceCounts() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "refCount: %d", f.refs.Get())
	for _, s := range f.slots {
		var count int64
		if c := s.Value(); c != nil {
			count = c.RefCount()
		}
		fmt.Fprintf(&sb, ", %d", count)
	}
	return sb.String()
}

// ID identifies this File; chunks carry it as their owner.
func (f *File) ID() uuid.UUID {
	return f.id
}

func (f *File) Name() string {
	return f.name
}

func (f *File) ChunkSize() int64 {
	return f.chunkSize
}

func (f *File) OverlapSize() int64 {
	return f.overlapSize
}

// ChunkCount returns the length of the slot table.
func (f *File) ChunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.slots)
}

// Size returns the current length of the backing file.
func (f *File) Size() (int64, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	fi, err := f.fd.Stat()
	if err != nil {
		return 0, ioError("stat", f.name, err)
	}
	return fi.Size(), nil
}

func (f *File) String() string {
	return fmt.Sprintf("%s (chunk %d, overlap %d)", f.name, f.chunkSize, f.overlapSize)
}
