//go:build !cuda

package device

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Handle issues BLAS calls onto the stream it is bound to.
type Handle struct {
	mu        sync.Mutex
	stream    *Stream
	destroyed bool
}

func (c *Context) NewHandle(s *Stream) (*Handle, error) {
	h := &Handle{stream: s}
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
	return h, nil
}

func (h *Handle) SetStream(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stream = s
}

func (h *Handle) Stream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stream
}

func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
}

func (h *Handle) issue(name string, fn func()) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		panic("device: " + name + " issued on a destroyed handle")
	}
	s := h.stream
	h.mu.Unlock()
	s.enqueue(name, fn)
}

func vec(b *Buffer) blas64.Vector {
	return blas64.Vector{N: len(b.data), Inc: 1, Data: b.data}
}

// Gemv computes y = op(A)·x where A is a row-major rows×cols matrix.
func (h *Handle) Gemv(trans Transpose, rows, cols int, a, x, y *Buffer) {
	mustGemvShape(trans, rows, cols, a, x, y)
	h.issue("gemv", func() {
		if rows == 0 || cols == 0 {
			for i := range y.data {
				y.data[i] = 0
			}
			return
		}
		t := blas.NoTrans
		if trans == Trans {
			t = blas.Trans
		}
		m := blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: a.data}
		blas64.Gemv(t, 1, m, vec(x), 0, vec(y))
	})
}

// Copy copies x into y.
func (h *Handle) Copy(x, y *Buffer) {
	mustSameLen("copy", x.Len(), y)
	h.issue("copy", func() { blas64.Copy(vec(x), vec(y)) })
}

// Axpy computes y += alpha·x.
func (h *Handle) Axpy(alpha float64, x, y *Buffer) {
	mustSameLen("axpy", x.Len(), y)
	h.issue("axpy", func() { blas64.Axpy(alpha, vec(x), vec(y)) })
}

// Scal computes x *= alpha.
func (h *Handle) Scal(alpha float64, x *Buffer) {
	h.issue("scal", func() { blas64.Scal(alpha, vec(x)) })
}

// Dot returns x·y. It blocks until the result is available.
func (h *Handle) Dot(x, y *Buffer) (float64, error) {
	mustSameLen("dot", x.Len(), y)
	var r float64
	h.issue("dot", func() { r = blas64.Dot(vec(x), vec(y)) })
	if err := h.Stream().Synchronize(); err != nil {
		return 0, err
	}
	return r, nil
}

// Nrm2 returns the Euclidean norm of x. It blocks until the result is
// available.
func (h *Handle) Nrm2(x *Buffer) (float64, error) {
	var r float64
	h.issue("nrm2", func() { r = blas64.Nrm2(vec(x)) })
	if err := h.Stream().Synchronize(); err != nil {
		return 0, err
	}
	return r, nil
}

// AbsMax returns max|x[i]|, 0 for an empty buffer. It blocks until the
// result is available.
func (h *Handle) AbsMax(x *Buffer) (float64, error) {
	var r float64
	h.issue("amax", func() {
		if i := blas64.Iamax(vec(x)); i >= 0 {
			r = math.Abs(x.data[i])
		}
	})
	if err := h.Stream().Synchronize(); err != nil {
		return 0, err
	}
	return r, nil
}
