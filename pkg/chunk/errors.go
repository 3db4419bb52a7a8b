// pkg/chunk/errors.go

package chunk

import (
	"AveMap/pkg/refcount"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by Acquire once the file is closed.
	ErrClosed = errors.New("chunk: mapped file is closed")
	// ErrInvalidState marks reference count underflow or reuse after release.
	ErrInvalidState = refcount.ErrInvalidState
	// ErrOutOfRange is returned for positions outside a chunk.
	ErrOutOfRange = errors.New("chunk: position out of range")
)

// IOError records a failed file or mapping operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return "chunk: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
