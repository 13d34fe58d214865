// Package device provides device-resident buffers, ordered execution
// streams, a BLAS handle bound to a stream, and the elementwise kernels the
// Cox solver is built from.
//
// Two backends share this API. The default build runs every kernel on a
// per-stream host worker so the asynchronous ordering rules of a GPU stream
// hold exactly; building with the cuda tag on linux drives cuBLAS and the
// kernels in kernels.cu instead.
//
// Kernels never synchronize. Work issued on one stream executes in issue
// order; the host blocks only in Synchronize, Download and the BLAS
// reductions that return a scalar.
package device

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-proxcox/internal/metrics"
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the
	// context's memory limit or the device refuses it.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrReleased is returned when a freed buffer, stream or handle is used.
	ErrReleased = errors.New("device: resource already released")
)

// Transpose selects op(A) in Gemv.
type Transpose int

const (
	NoTrans Transpose = iota
	Trans
)

func (t Transpose) String() string {
	if t == Trans {
		return "T"
	}
	return "N"
}

const float64Size = 8
const int32Size = 4

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordDeviceMemory(newVal)
}

// AllocatedBytes returns the bytes currently allocated by all contexts.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// KernelError reports a kernel that failed after it was issued. It is
// returned by the next Synchronize on the kernel's stream.
type KernelError struct {
	Kernel string
	Err    error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("device: kernel %s: %v", e.Kernel, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

type sized interface {
	Len() int
}

// mustSameLen panics when the buffers passed to one kernel disagree in
// length. Mismatched shapes are a programming error, as in gonum's BLAS.
func mustSameLen(op string, n int, bufs ...sized) {
	for _, b := range bufs {
		if b.Len() != n {
			panic(fmt.Sprintf("device: %s: length mismatch (%d != %d)", op, b.Len(), n))
		}
	}
}

// mustGroupShape panics unless x holds a p×K column-major matrix and the
// per-row vectors have length p.
func mustGroupShape(op string, x sized, p, k int, rows ...sized) {
	if p < 0 || k < 0 || x.Len() != p*k {
		panic(fmt.Sprintf("device: %s: matrix length %d is not %d×%d", op, x.Len(), p, k))
	}
	mustSameLen(op, p, rows...)
}

func mustGemvShape(trans Transpose, rows, cols int, a, x, y sized) {
	if a.Len() != rows*cols {
		panic(fmt.Sprintf("device: gemv: A length %d is not %d×%d", a.Len(), rows, cols))
	}
	xn, yn := cols, rows
	if trans == Trans {
		xn, yn = rows, cols
	}
	if x.Len() != xn || y.Len() != yn {
		panic(fmt.Sprintf("device: gemv(%v): x/y lengths %d/%d, want %d/%d", trans, x.Len(), y.Len(), xn, yn))
	}
}

func mustSlice(op string, length, off, n int) {
	if off < 0 || n < 0 || off+n > length {
		panic(fmt.Sprintf("device: %s: slice [%d:%d] out of range for length %d", op, off, off+n, length))
	}
}
