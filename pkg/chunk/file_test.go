// pkg/chunk/file_test.go

package chunk

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	ps := int64(os.Getpagesize())
	return &Config{ChunkSize: 4 * ps, OverlapSize: ps}
}

func openTestFile(t *testing.T, conf *Config) *File {
	t.Helper()
	f, err := Open(filepath.Join(t.TempDir(), "data"), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func fileSize(t *testing.T, f *File) int64 {
	t.Helper()
	size, err := f.Size()
	require.NoError(t, err)
	return size
}

func TestAcquireSharesChunk(t *testing.T) {
	f := openTestFile(t, testConfig())
	cs := f.ChunkSize()

	a, err := f.Acquire(0)
	require.NoError(t, err)
	b, err := f.Acquire(cs - 1)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, a.Address(), b.Address())
	assert.Equal(t, cs+f.OverlapSize(), b.Length())
	assert.EqualValues(t, 2, a.RefCount())
	assert.Equal(t, f.ID(), a.Owner())
	assert.Equal(t, 0, a.Index())

	c, err := f.Acquire(cs)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 1, c.Index())
	assert.Equal(t, cs, c.Offset())

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
	require.NoError(t, c.Release())
}

func TestAcquireGrowsFile(t *testing.T) {
	f := openTestFile(t, testConfig())
	cs, ov := f.ChunkSize(), f.OverlapSize()
	assert.Zero(t, fileSize(t, f))

	c, err := f.Acquire(0)
	require.NoError(t, err)
	assert.Equal(t, cs+ov, fileSize(t, f))
	require.NoError(t, c.Release())

	c, err = f.Acquire(3*cs + 7)
	require.NoError(t, err)
	assert.Equal(t, 4*cs+ov, fileSize(t, f))
	assert.Equal(t, 4, f.ChunkCount())
	require.NoError(t, c.Release())

	// never shrinks
	c, err = f.Acquire(0)
	require.NoError(t, err)
	assert.Equal(t, 4*cs+ov, fileSize(t, f))
	require.NoError(t, c.Release())
}

func TestAcquireConcurrentSingleMapping(t *testing.T) {
	f := openTestFile(t, testConfig())
	cs := f.ChunkSize()

	const n = 32
	chunks := make([]*Chunk, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.Acquire(2*cs + int64(i)*(cs/n))
			assert.NoError(t, err)
			chunks[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range chunks {
		require.NotNil(t, c)
		assert.Same(t, chunks[0], c)
	}
	assert.EqualValues(t, n, chunks[0].RefCount())
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.maps))
	for _, c := range chunks {
		require.NoError(t, c.Release())
	}
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.unmaps))
}

func TestReleasedChunkIsReplaced(t *testing.T) {
	f := openTestFile(t, testConfig())

	a, err := f.Acquire(10)
	require.NoError(t, err)
	_, err = a.WriteAt([]byte("kept"), 10)
	require.NoError(t, err)
	require.NoError(t, a.Release())
	assert.Zero(t, a.RefCount())
	assert.Nil(t, a.Bytes())
	assert.Equal(t, "refCount: 1, 0", f.ReferenceCounts())

	b, err := f.Acquire(10)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.EqualValues(t, 1, b.RefCount())

	// the data lives in the file, not in the old mapping
	buf := make([]byte, 4)
	_, err = b.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(buf))
	require.NoError(t, b.Release())
}

func TestOverlapSharesFileBytes(t *testing.T) {
	f := openTestFile(t, testConfig())
	cs := f.ChunkSize()

	first, err := f.Acquire(0)
	require.NoError(t, err)
	second, err := f.Acquire(cs)
	require.NoError(t, err)

	// a record straddling the nominal boundary is contiguous in the first chunk
	rec := []byte("straddling record")
	pos := cs - 5
	n, err := first.WriteAt(rec, pos)
	require.NoError(t, err)
	assert.Equal(t, len(rec), n)

	buf := make([]byte, len(rec)-5)
	_, err = second.ReadAt(buf, cs)
	require.NoError(t, err)
	assert.Equal(t, rec[5:], buf)

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
}

func TestCloseLeavesOrphans(t *testing.T) {
	f := openTestFile(t, testConfig())

	c, err := f.Acquire(0)
	require.NoError(t, err)
	require.NoError(t, c.Reserve())
	other, err := f.Acquire(f.ChunkSize())
	require.NoError(t, err)

	require.NoError(t, f.Close())
	assert.EqualValues(t, 0, f.RefCount())
	assert.Equal(t, "refCount: 0, 0, 0", f.ReferenceCounts())

	// one unit taken per live chunk
	assert.EqualValues(t, 1, c.RefCount())
	assert.Zero(t, other.RefCount())
	assert.Nil(t, other.Bytes())
	assert.True(t, errors.Is(other.Release(), ErrInvalidState))

	// the orphan is still mapped and usable
	_, err = c.WriteAt([]byte("orphan"), 0)
	require.NoError(t, err)
	require.NoError(t, c.Sync())
	require.NoError(t, c.Release())
	assert.Nil(t, c.Bytes())

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "orphan", string(data[:6]))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := openTestFile(t, testConfig())
	c, err := f.Acquire(0)
	require.NoError(t, err)
	require.NoError(t, c.Reserve())

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.EqualValues(t, 1, c.RefCount())

	_, err = f.Acquire(0)
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = f.Size()
	assert.True(t, errors.Is(err, ErrClosed))
	require.NoError(t, c.Release())
}

func TestFileRefCount(t *testing.T) {
	f := openTestFile(t, testConfig())
	assert.EqualValues(t, 1, f.RefCount())

	for i := 0; i < 4; i++ {
		require.NoError(t, f.Reserve())
	}
	require.NoError(t, f.Release())
	require.NoError(t, f.Release())
	assert.EqualValues(t, 1+4-2, f.RefCount())

	c, err := f.Acquire(0)
	require.NoError(t, err)
	require.NoError(t, c.Reserve())

	// Close drops only the reservation taken by Open
	require.NoError(t, f.Close())
	assert.EqualValues(t, 2, f.RefCount())
	assert.EqualValues(t, 2, c.RefCount())
	_, err = f.Acquire(0)
	assert.True(t, errors.Is(err, ErrClosed))

	require.NoError(t, f.Release())
	assert.EqualValues(t, 2, c.RefCount())
	require.NoError(t, f.Release())
	assert.EqualValues(t, 1, c.RefCount())

	assert.True(t, errors.Is(f.Release(), ErrInvalidState))
	assert.True(t, errors.Is(f.Reserve(), ErrInvalidState))
	require.NoError(t, c.Release())
}

func TestReleaseWithoutCloseShutsDown(t *testing.T) {
	f := openTestFile(t, testConfig())
	require.NoError(t, f.Release())
	_, err := f.Acquire(0)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, f.Close())
}

func TestReferenceCounts(t *testing.T) {
	f := openTestFile(t, testConfig())
	cs := f.ChunkSize()
	assert.Equal(t, "refCount: 1", f.ReferenceCounts())

	a, err := f.Acquire(0)
	require.NoError(t, err)
	b, err := f.Acquire(2 * cs)
	require.NoError(t, err)
	b2, err := f.Acquire(2*cs + 1)
	require.NoError(t, err)

	assert.Equal(t, "refCount: 1, 1, 0, 2", f.ReferenceCounts())
	assert.Equal(t, "refCount: 1, 1, 0, 2", f.ReferenceCounts())

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
	require.NoError(t, b2.Release())
	assert.Equal(t, "refCount: 1, 0, 0, 0", f.ReferenceCounts())
}

func TestAcquireDefaultSizes(t *testing.T) {
	f := openTestFile(t, nil)
	assert.EqualValues(t, 64<<20, f.ChunkSize())
	assert.EqualValues(t, 16<<20, f.OverlapSize())

	a, err := f.Acquire(0)
	require.NoError(t, err)
	b, err := f.Acquire(67108863)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Index())
	assert.Equal(t, a.Address(), b.Address())
	assert.EqualValues(t, 64<<20+16<<20, fileSize(t, f))

	c, err := f.Acquire(67108864)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Index())
	assert.EqualValues(t, 2*(64<<20)+16<<20, fileSize(t, f))

	for _, x := range []*Chunk{a, b, c} {
		require.NoError(t, x.Release())
	}
}

func TestGrowAcrossFiles(t *testing.T) {
	name := filepath.Join(t.TempDir(), "shared")
	conf := testConfig()
	var files []*File
	for i := 0; i < 2; i++ {
		f, err := Open(name, conf)
		require.NoError(t, err)
		defer f.Close()
		files = append(files, f)
	}

	const indices = 16
	var wg sync.WaitGroup
	for i := 0; i < indices; i++ {
		for _, f := range files {
			wg.Add(1)
			go func(f *File, i int) {
				defer wg.Done()
				c, err := f.Acquire(int64(i) * conf.ChunkSize)
				if assert.NoError(t, err) {
					assert.NoError(t, c.Release())
				}
			}(f, i)
		}
	}
	wg.Wait()

	fi, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, indices*conf.ChunkSize+conf.OverlapSize, fi.Size())
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "data"), nil)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "open", ioErr.Op)

	_, err = Open(filepath.Join(t.TempDir(), "data"), &Config{ChunkSize: int64(os.Getpagesize()) + 1})
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "data"), &Config{ChunkSize: -1})
	assert.Error(t, err)

	f := openTestFile(t, testConfig())
	_, err = f.Acquire(-1)
	assert.Error(t, err)
}

func TestAcquireHugePosition(t *testing.T) {
	f := openTestFile(t, testConfig())
	cs, ov := f.ChunkSize(), f.OverlapSize()

	for _, pos := range []int64{
		math.MaxInt64,
		math.MaxInt64 - cs,
		math.MaxInt64 - cs - ov + 1,
	} {
		_, err := f.Acquire(pos)
		assert.True(t, errors.Is(err, ErrOutOfRange), "position %d: %v", pos, err)
	}
	assert.Zero(t, f.ChunkCount())
	assert.Zero(t, fileSize(t, f))

	c, err := f.Acquire(0)
	require.NoError(t, err)
	assert.Equal(t, "refCount: 1, 1", f.ReferenceCounts())
	require.NoError(t, c.Release())
}

func TestConfigDefaults(t *testing.T) {
	ps := int64(os.Getpagesize())
	c := &Config{ChunkSize: 8 * ps, OverlapSize: -1}
	require.NoError(t, c.check())
	assert.Equal(t, 2*ps, c.OverlapSize)
	assert.Equal(t, os.FileMode(DefaultPerm), c.Perm)
	assert.IsType(t, FileLocker{}, c.Locker)

	c = &Config{OverlapSize: 0}
	require.NoError(t, c.check())
	assert.EqualValues(t, DefaultChunkSize, c.ChunkSize)
	assert.Zero(t, c.OverlapSize)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	conf := testConfig()
	conf.Registerer = reg
	f := openTestFile(t, conf)

	a, err := f.Acquire(0)
	require.NoError(t, err)
	b, err := f.Acquire(1)
	require.NoError(t, err)

	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.maps))
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.grows))
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.reuses.WithLabelValues("fast")))
	assert.EqualValues(t, a.Length(), testutil.ToFloat64(f.metrics.mappedBytes))

	n, err := testutil.GatherAndCount(reg, "avemap_chunk_maps_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var labels []string
	for _, mf := range mfs {
		if mf.GetName() != "avemap_chunk_reuses_total" {
			continue
		}
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			labels = append(labels, lp.GetName())
		}
	}
	assert.ElementsMatch(t, []string{"file", "id", "via"}, labels)

	// a second file on the same registry gets its own labels
	g, err := Open(f.Name(), conf)
	require.NoError(t, err)
	n, err = testutil.GatherAndCount(reg, "avemap_chunk_maps_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, g.Close())

	require.NoError(t, b.Release())
	require.NoError(t, f.Close())
	n, err = testutil.GatherAndCount(reg, "avemap_chunk_maps_total")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.unmaps))
	assert.Zero(t, testutil.ToFloat64(f.metrics.mappedBytes))
}
