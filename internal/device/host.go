//go:build !cuda

package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-proxcox/internal/metrics"
)

// streamQueueDepth bounds the number of issued-but-unexecuted tasks per
// stream; issuing blocks beyond it, like a full launch queue.
const streamQueueDepth = 1024

type Context struct {
	mu      sync.Mutex
	limit   int64
	memUsed int64
	buffers map[*allocation]struct{}
	streams []*Stream
	handles []*Handle
}

func NewContext() (*Context, error) {
	return &Context{
		buffers: make(map[*allocation]struct{}),
	}, nil
}

func (c *Context) Name() string {
	return "host"
}

// SetMemoryLimit caps the bytes this context may hold; 0 removes the cap.
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

// Free destroys every stream and handle created by the context and
// releases any buffer still allocated.
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
		c.memUsed -= a.bytes
		traceAlloc(-a.bytes)
		a.released = true
	}
	c.buffers = make(map[*allocation]struct{})
}

// allocation is the owning record behind a buffer and all its views.
type allocation struct {
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
	a.released = true
	c.memUsed -= a.bytes
	delete(c.buffers, a)
	traceAlloc(-a.bytes)
}

// Buffer is a float64 array resident on the device. Views produced by Slice
// share the allocation and are not freed independently.
type Buffer struct {
	ctx   *Context
	alloc *allocation
	data  []float64
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
	return &Buffer{ctx: c, alloc: a, data: make([]float64, n), owner: true}, nil
}

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) Slice(off, n int) *Buffer {
	mustSlice("slice", len(b.data), off, n)
	return &Buffer{ctx: b.ctx, alloc: b.alloc, data: b.data[off : off+n : off+n]}
}

func (b *Buffer) released() bool {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	return b.alloc.released
}

// Free releases the allocation. Freeing a view is a no-op.
func (b *Buffer) Free() {
	if !b.owner || b.alloc == nil {
		return
	}
	b.ctx.release(b.alloc)
	b.data = nil
}

// Upload copies src into the buffer in stream order. src may be reused as
// soon as Upload returns.
func (b *Buffer) Upload(s *Stream, src []float64) error {
	if b.released() {
		return ErrReleased
	}
	if len(src) != len(b.data) {
		return fmt.Errorf("device: upload of %d values into buffer of %d", len(src), len(b.data))
	}
	staged := append([]float64(nil), src...)
	s.enqueue("upload", func() { copy(b.data, staged) })
	return nil
}

// Download copies the buffer into dst after all work issued on s so far
// and blocks until the copy is done.
func (b *Buffer) Download(s *Stream, dst []float64) error {
	if b.released() {
		return ErrReleased
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("device: download of %d values into slice of %d", len(b.data), len(dst))
	}
	s.enqueue("download", func() { copy(dst, b.data) })
	return s.Synchronize()
}

// IntBuffer is an int32 index array resident on the device.
type IntBuffer struct {
	ctx   *Context
	alloc *allocation
	data  []int32
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
	return &IntBuffer{ctx: c, alloc: a, data: make([]int32, n), owner: true}, nil
}

func (b *IntBuffer) Len() int { return len(b.data) }

func (b *IntBuffer) Slice(off, n int) *IntBuffer {
	mustSlice("slice", len(b.data), off, n)
	return &IntBuffer{ctx: b.ctx, alloc: b.alloc, data: b.data[off : off+n : off+n]}
}

func (b *IntBuffer) Free() {
	if !b.owner || b.alloc == nil {
		return
	}
	b.ctx.release(b.alloc)
	b.data = nil
}

func (b *IntBuffer) Upload(s *Stream, src []int32) error {
	b.ctx.mu.Lock()
	gone := b.alloc.released
	b.ctx.mu.Unlock()
	if gone {
		return ErrReleased
	}
	if len(src) != len(b.data) {
		return fmt.Errorf("device: upload of %d indices into buffer of %d", len(src), len(b.data))
	}
	staged := append([]int32(nil), src...)
	s.enqueue("upload_int", func() { copy(b.data, staged) })
	return nil
}

type task struct {
	name string
	fn   func()
}

// Stream executes issued work strictly in issue order on its own worker.
// A task that panics marks the stream failed; later tasks are skipped until
// Synchronize reports the failure.
type Stream struct {
	ctx   *Context
	tasks chan task
	done  chan struct{}

	// sendMu orders issuing against Destroy closing the queue.
	sendMu    sync.Mutex
	destroyed bool

	mu        sync.Mutex
	cond      *sync.Cond
	issued    uint64
	completed uint64
	err       error
}

func (c *Context) NewStream() (*Stream, error) {
	s := &Stream{
		ctx:   c,
		tasks: make(chan task, streamQueueDepth),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()

	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (s *Stream) run() {
	defer close(s.done)
	for t := range s.tasks {
		s.exec(t)
	}
}

func (s *Stream) exec(t task) {
	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()

	if !failed {
		start := time.Now()
		if err := protect(t.fn); err != nil {
			metrics.RecordStreamError(t.name)
			s.mu.Lock()
			s.err = &KernelError{Kernel: t.name, Err: err}
			s.mu.Unlock()
		} else {
			metrics.RecordKernelDuration(t.name, time.Since(start))
		}
	}

	s.mu.Lock()
	s.completed++
	s.cond.Broadcast()
	s.mu.Unlock()
}

func protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}

func (s *Stream) enqueue(name string, fn func()) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.destroyed {
		panic(fmt.Sprintf("device: %s issued on a destroyed stream", name))
	}
	s.mu.Lock()
	s.issued++
	s.mu.Unlock()
	s.tasks <- task{name: name, fn: fn}
}

// Synchronize blocks until every task issued before the call has executed
// and returns, then clears, the first kernel failure since the last call.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.issued
	for s.completed < target {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// Destroy drains the stream and stops its worker. It is safe to call twice.
func (s *Stream) Destroy() {
	s.sendMu.Lock()
	if s.destroyed {
		s.sendMu.Unlock()
		return
	}
	s.destroyed = true
	close(s.tasks)
	s.sendMu.Unlock()

	<-s.done
}
