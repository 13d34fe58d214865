//go:build linux && cuda

package device

/*
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include "kernels.h"
*/
import "C"
import (
	"fmt"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/23skdu/longbow-proxcox/internal/metrics"
)

type Handle struct {
	mu        sync.Mutex
	h         C.cublasHandle_t
	stream    *Stream
	destroyed bool
}

func cublasErr(op string, status C.cublasStatus_t) error {
	if status == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	return fmt.Errorf("device: %s failed with status %d", op, int(status))
}

func (c *Context) NewHandle(s *Stream) (*Handle, error) {
	h := &Handle{stream: s}
	if err := cublasErr("cublasCreate", C.cublasCreate(&h.h)); err != nil {
		return nil, err
	}
	if err := cublasErr("cublasSetStream", C.cublasSetStream(h.h, s.s)); err != nil {
		C.cublasDestroy(h.h)
		return nil, err
	}
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
	return h, nil
}

func (h *Handle) SetStream(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stream = s
	C.cublasSetStream(h.h, s.s)
}

func (h *Handle) Stream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stream
}

func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	h.destroyed = true
	C.cublasDestroy(h.h)
}

func (h *Handle) record(op string, status C.cublasStatus_t) {
	if status == C.CUBLAS_STATUS_SUCCESS {
		return
	}
	s := h.Stream()
	metrics.RecordStreamError(op)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = &KernelError{Kernel: op, Err: cublasErr(op, status)}
	}
}

// Gemv computes y = op(A)·x for a row-major rows×cols A. cuBLAS is
// column-major, so A is passed as its cols×rows transpose.
func (h *Handle) Gemv(trans Transpose, rows, cols int, a, x, y *Buffer) {
	mustGemvShape(trans, rows, cols, a, x, y)
	s := h.Stream()
	s.live("gemv")
	if rows == 0 || cols == 0 {
		Fill(s, y, 0)
		return
	}
	op := C.cublasOperation_t(C.CUBLAS_OP_T)
	if trans == Trans {
		op = C.CUBLAS_OP_N
	}
	alpha, beta := C.double(1), C.double(0)
	h.record("gemv", C.cublasDgemv(h.h, op, C.int(cols), C.int(rows),
		&alpha, a.ptr(), C.int(cols), x.ptr(), 1, &beta, y.ptr(), 1))
}

func (h *Handle) Copy(x, y *Buffer) {
	mustSameLen("copy", x.Len(), y)
	h.Stream().live("copy")
	if x.n == 0 {
		return
	}
	h.record("copy", C.cublasDcopy(h.h, C.int(x.n), x.ptr(), 1, y.ptr(), 1))
}

func (h *Handle) Axpy(alpha float64, x, y *Buffer) {
	mustSameLen("axpy", x.Len(), y)
	h.Stream().live("axpy")
	if x.n == 0 {
		return
	}
	a := C.double(alpha)
	h.record("axpy", C.cublasDaxpy(h.h, C.int(x.n), &a, x.ptr(), 1, y.ptr(), 1))
}

func (h *Handle) Scal(alpha float64, x *Buffer) {
	h.Stream().live("scal")
	if x.n == 0 {
		return
	}
	a := C.double(alpha)
	h.record("scal", C.cublasDscal(h.h, C.int(x.n), &a, x.ptr(), 1))
}

// Dot returns x·y; cuBLAS blocks in host pointer mode until it is ready.
func (h *Handle) Dot(x, y *Buffer) (float64, error) {
	mustSameLen("dot", x.Len(), y)
	s := h.Stream()
	s.live("dot")
	if x.n == 0 {
		return 0, s.Synchronize()
	}
	start := time.Now()
	var r C.double
	h.record("dot", C.cublasDdot(h.h, C.int(x.n), x.ptr(), 1, y.ptr(), 1, &r))
	if err := s.Synchronize(); err != nil {
		return 0, err
	}
	metrics.RecordKernelDuration("dot", time.Since(start))
	return float64(r), nil
}

func (h *Handle) Nrm2(x *Buffer) (float64, error) {
	s := h.Stream()
	s.live("nrm2")
	if x.n == 0 {
		return 0, s.Synchronize()
	}
	start := time.Now()
	var r C.double
	h.record("nrm2", C.cublasDnrm2(h.h, C.int(x.n), x.ptr(), 1, &r))
	if err := s.Synchronize(); err != nil {
		return 0, err
	}
	metrics.RecordKernelDuration("nrm2", time.Since(start))
	return float64(r), nil
}

// AbsMax locates the largest magnitude with cublasIdamax and reads that
// single element back.
func (h *Handle) AbsMax(x *Buffer) (float64, error) {
	s := h.Stream()
	s.live("amax")
	if x.n == 0 {
		return 0, s.Synchronize()
	}
	start := time.Now()
	var idx C.int
	h.record("amax", C.cublasIdamax(h.h, C.int(x.n), x.ptr(), 1, &idx))
	if err := s.Synchronize(); err != nil {
		return 0, err
	}
	var v float64
	elem := unsafe.Add(unsafe.Pointer(x.ptr()), (int(idx)-1)*float64Size)
	if err := cudaErr("amax", C.cudaError_t(C.pc_download(s.s, unsafe.Pointer(&v), elem, C.size_t(float64Size)))); err != nil {
		return 0, err
	}
	metrics.RecordKernelDuration("amax", time.Since(start))
	return math.Abs(v), nil
}
