//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -L${SRCDIR} -lproxcox_kernels -lcublas -lcudart -L/usr/local/cuda/lib64
#cgo CFLAGS: -I/usr/local/cuda/include -I${SRCDIR}
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include <stdlib.h>
#include "kernels.h"
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-proxcox/internal/logger"
	"github.com/23skdu/longbow-proxcox/internal/metrics"
)

func cudaErr(op string, code C.cudaError_t) error {
	if code == C.cudaSuccess {
		return nil
	}
	return fmt.Errorf("device: %s: %s", op, C.GoString(C.cudaGetErrorString(code)))
}

type Context struct {
	mu      sync.Mutex
	device  int
	limit   int64
	memUsed int64
	buffers map[*allocation]struct{}
	streams []*Stream
	handles []*Handle
}

func NewContext() (*Context, error) {
	ctx := &Context{buffers: make(map[*allocation]struct{})}

	if err := cudaErr("cudaSetDevice", C.cudaSetDevice(0)); err != nil {
		return nil, err
	}
	var cuDevice C.int
	C.cudaGetDevice(&cuDevice)
	ctx.device = int(cuDevice)

	var version, runtimeVersion C.int
	C.cudaDriverGetVersion(&version)
	C.cudaRuntimeGetVersion(&runtimeVersion)
	var free, total C.size_t
	C.cudaMemGetInfo(&free, &total)
	logger.Log.Info("cuda context ready",
		"device", ctx.device,
		"driver", fmt.Sprintf("%d.%d", version/1000, (version%100)/10),
		"runtime", fmt.Sprintf("%d.%d", runtimeVersion/1000, (runtimeVersion%100)/10),
		"free_mb", float64(free)/1e6)

	return ctx, nil
}

func (c *Context) Name() string {
	return fmt.Sprintf("cuda:%d", c.device)
}

func (c *Context) SetMemoryLimit(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = bytes
}

func (c *Context) MemoryUsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memUsed
}

func (c *Context) Free() {
	c.mu.Lock()
	streams := c.streams
	handles := c.handles
	c.streams = nil
	c.handles = nil
	c.mu.Unlock()

	for _, h := range handles {
		h.Destroy()
	}
	for _, s := range streams {
		s.Destroy()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for a := range c.buffers {
		if a.devPtr != nil {
			C.cudaFree(a.devPtr)
			a.devPtr = nil
		}
		c.memUsed -= a.bytes
		traceAlloc(-a.bytes)
		a.released = true
	}
	c.buffers = make(map[*allocation]struct{})
}

type allocation struct {
	devPtr   unsafe.Pointer
	bytes    int64
	released bool
}

func (c *Context) reserve(bytes int64) (*allocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && c.memUsed+bytes > c.limit {
		metrics.RecordAllocationFailure()
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, bytes, c.memUsed, c.limit)
	}
	a := &allocation{bytes: bytes}
	if bytes > 0 {
		if res := C.cudaMalloc(&a.devPtr, C.size_t(bytes)); res != C.cudaSuccess {
			metrics.RecordAllocationFailure()
			return nil, fmt.Errorf("%w: cudaMalloc(%d): %s", ErrOutOfMemory, bytes, C.GoString(C.cudaGetErrorString(res)))
		}
	}
	c.memUsed += bytes
	c.buffers[a] = struct{}{}
	traceAlloc(bytes)
	return a, nil
}

func (c *Context) release(a *allocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.released {
		return
	}
	if a.devPtr != nil {
		C.cudaFree(a.devPtr)
		a.devPtr = nil
	}
	a.released = true
	c.memUsed -= a.bytes
	delete(c.buffers, a)
	traceAlloc(-a.bytes)
}

func (c *Context) isReleased(a *allocation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return a.released
}

type Buffer struct {
	ctx   *Context
	alloc *allocation
	off   int
	n     int
	owner bool
}

func (c *Context) Alloc(n int) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("device: negative allocation length %d", n)
	}
	a, err := c.reserve(int64(n) * float64Size)
	if err != nil {
		return nil, err
	}
	return &Buffer{ctx: c, alloc: a, n: n, owner: true}, nil
}

func (b *Buffer) Len() int { return b.n }

func (b *Buffer) Slice(off, n int) *Buffer {
	mustSlice("slice", b.n, off, n)
	return &Buffer{ctx: b.ctx, alloc: b.alloc, off: b.off + off, n: n}
}

func (b *Buffer) ptr() *C.double {
	if b.alloc.devPtr == nil {
		return nil
	}
	return (*C.double)(unsafe.Add(b.alloc.devPtr, b.off*float64Size))
}

func (b *Buffer) Free() {
	if !b.owner || b.alloc == nil {
		return
	}
	b.ctx.release(b.alloc)
}

// Upload copies src to the device in stream order and returns once the
// copy has completed, so src may be reused immediately.
func (b *Buffer) Upload(s *Stream, src []float64) error {
	if b.ctx.isReleased(b.alloc) {
		return ErrReleased
	}
	if len(src) != b.n {
		return fmt.Errorf("device: upload of %d values into buffer of %d", len(src), b.n)
	}
	if b.n == 0 {
		return nil
	}
	return cudaErr("upload", C.cudaError_t(C.pc_upload(s.s, unsafe.Pointer(b.ptr()), unsafe.Pointer(&src[0]), C.size_t(b.n*float64Size))))
}

func (b *Buffer) Download(s *Stream, dst []float64) error {
	if b.ctx.isReleased(b.alloc) {
		return ErrReleased
	}
	if len(dst) != b.n {
		return fmt.Errorf("device: download of %d values into slice of %d", b.n, len(dst))
	}
	if err := s.Synchronize(); err != nil {
		return err
	}
	if b.n == 0 {
		return nil
	}
	return cudaErr("download", C.cudaError_t(C.pc_download(s.s, unsafe.Pointer(&dst[0]), unsafe.Pointer(b.ptr()), C.size_t(b.n*float64Size))))
}

type IntBuffer struct {
	ctx   *Context
	alloc *allocation
	off   int
	n     int
	owner bool
}

func (c *Context) AllocInt(n int) (*IntBuffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("device: negative allocation length %d", n)
	}
	a, err := c.reserve(int64(n) * int32Size)
	if err != nil {
		return nil, err
	}
	return &IntBuffer{ctx: c, alloc: a, n: n, owner: true}, nil
}

func (b *IntBuffer) Len() int { return b.n }

func (b *IntBuffer) Slice(off, n int) *IntBuffer {
	mustSlice("slice", b.n, off, n)
	return &IntBuffer{ctx: b.ctx, alloc: b.alloc, off: b.off + off, n: n}
}

func (b *IntBuffer) ptr() *C.int {
	if b.alloc.devPtr == nil {
		return nil
	}
	return (*C.int)(unsafe.Add(b.alloc.devPtr, b.off*int32Size))
}

func (b *IntBuffer) Free() {
	if !b.owner || b.alloc == nil {
		return
	}
	b.ctx.release(b.alloc)
}

func (b *IntBuffer) Upload(s *Stream, src []int32) error {
	if b.ctx.isReleased(b.alloc) {
		return ErrReleased
	}
	if len(src) != b.n {
		return fmt.Errorf("device: upload of %d indices into buffer of %d", len(src), b.n)
	}
	if b.n == 0 {
		return nil
	}
	return cudaErr("upload_int", C.cudaError_t(C.pc_upload(s.s, unsafe.Pointer(b.ptr()), unsafe.Pointer(&src[0]), C.size_t(b.n*int32Size))))
}

type Stream struct {
	ctx       *Context
	s         C.cudaStream_t
	mu        sync.Mutex
	err       error
	destroyed bool
}

func (c *Context) NewStream() (*Stream, error) {
	st := &Stream{ctx: c}
	if err := cudaErr("cudaStreamCreate", C.cudaStreamCreate(&st.s)); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.streams = append(c.streams, st)
	c.mu.Unlock()
	return st, nil
}

// check records the first launch failure on the stream; it is reported by
// the next Synchronize.
func (s *Stream) check(kernel string, code C.int) {
	if code == 0 {
		return
	}
	metrics.RecordStreamError(kernel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = &KernelError{Kernel: kernel, Err: cudaErr("launch", C.cudaError_t(code))}
	}
}

func (s *Stream) live(kernel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		panic(fmt.Sprintf("device: %s issued on a destroyed stream", kernel))
	}
}

func (s *Stream) Synchronize() error {
	syncErr := cudaErr("cudaStreamSynchronize", C.cudaStreamSynchronize(s.s))
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	if err == nil && syncErr != nil {
		err = &KernelError{Kernel: "synchronize", Err: syncErr}
	}
	return err
}

func (s *Stream) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	C.cudaStreamSynchronize(s.s)
	C.cudaStreamDestroy(s.s)
}
