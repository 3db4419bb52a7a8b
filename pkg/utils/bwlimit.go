// pkg/utils/bwlimit.go

package utils

import (
	"io"

	"github.com/juju/ratelimit"
)

// NewBucket returns a bucket refilled at bps bytes per second, or nil
// when bps is not positive.
func NewBucket(bps int64) *ratelimit.Bucket {
	if bps <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(bps), bps)
}

type limitedReader struct {
	io.Reader
	r *ratelimit.Bucket
}

func (l *limitedReader) Read(buf []byte) (int, error) {
	n, err := l.Reader.Read(buf)
	if l.r != nil && n > 0 {
		l.r.Wait(int64(n))
	}
	return n, err
}

type limitedWriter struct {
	io.Writer
	w *ratelimit.Bucket
}

func (l *limitedWriter) Write(buf []byte) (int, error) {
	if l.w != nil && len(buf) > 0 {
		l.w.Wait(int64(len(buf)))
	}
	return l.Writer.Write(buf)
}

// LimitReader throttles reads from r to the bucket; a nil bucket returns r.
func LimitReader(r io.Reader, bucket *ratelimit.Bucket) io.Reader {
	if bucket == nil {
		return r
	}
	return &limitedReader{r, bucket}
}

// LimitWriter throttles writes to w to the bucket; a nil bucket returns w.
func LimitWriter(w io.Writer, bucket *ratelimit.Bucket) io.Writer {
	if bucket == nil {
		return w
	}
	return &limitedWriter{w, bucket}
}
