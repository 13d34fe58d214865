package device

import (
	"errors"
	"math"
	"testing"
)

func newTestStream(t *testing.T) (*Context, *Stream, *Handle) {
	t.Helper()
	ctx, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(ctx.Free)
	s, err := ctx.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	h, err := ctx.NewHandle(s)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	return ctx, s, h
}

func upload(t *testing.T, ctx *Context, s *Stream, vals []float64) *Buffer {
	t.Helper()
	b, err := ctx.Alloc(len(vals))
	if err != nil {
		t.Fatalf("Alloc(%d): %v", len(vals), err)
	}
	if err := b.Upload(s, vals); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return b
}

func uploadInt(t *testing.T, ctx *Context, s *Stream, vals []int32) *IntBuffer {
	t.Helper()
	b, err := ctx.AllocInt(len(vals))
	if err != nil {
		t.Fatalf("AllocInt(%d): %v", len(vals), err)
	}
	if err := b.Upload(s, vals); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return b
}

func download(t *testing.T, s *Stream, b *Buffer) []float64 {
	t.Helper()
	out := make([]float64, b.Len())
	if err := b.Download(s, out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	return out
}

func assertClose(t *testing.T, name string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Errorf("%s[%d] = %v, want %v", name, i, got[i], want[i])
		}
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	src := []float64{1.5, -2, 0, 3.25}
	b := upload(t, ctx, s, src)
	defer b.Free()

	// src may be reused straight after Upload
	src[0] = 99
	got := download(t, s, b)
	assertClose(t, "roundtrip", got, []float64{1.5, -2, 0, 3.25}, 0)
}

func TestUploadLengthMismatch(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	b, err := ctx.Alloc(3)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Upload(s, []float64{1, 2}); err == nil {
		t.Error("expected error uploading 2 values into 3")
	}
}

func TestReleasedBuffer(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	b := upload(t, ctx, s, []float64{1, 2})
	b.Free()
	b.Free()

	if err := b.Upload(s, []float64{1, 2}); !errors.Is(err, ErrReleased) {
		t.Errorf("Upload after Free: got %v, want ErrReleased", err)
	}
	if err := b.Download(s, make([]float64, 2)); !errors.Is(err, ErrReleased) {
		t.Errorf("Download after Free: got %v, want ErrReleased", err)
	}
	if ctx.MemoryUsed() != 0 {
		t.Errorf("MemoryUsed = %d after Free, want 0", ctx.MemoryUsed())
	}
}

func TestMemoryLimit(t *testing.T) {
	ctx, _, _ := newTestStream(t)
	ctx.SetMemoryLimit(10 * float64Size)

	a, err := ctx.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc(8): %v", err)
	}
	if _, err := ctx.Alloc(4); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Alloc over limit: got %v, want ErrOutOfMemory", err)
	}
	if got := ctx.MemoryUsed(); got != 8*float64Size {
		t.Errorf("MemoryUsed = %d, want %d", got, 8*float64Size)
	}

	a.Free()
	b, err := ctx.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	b.Free()
}

func TestSliceViews(t *testing.T) {
	ctx, s, h := newTestStream(t)
	b := upload(t, ctx, s, []float64{1, 2, 3, 4, 5, 6})
	defer b.Free()

	view := b.Slice(2, 3)
	if view.Len() != 3 {
		t.Fatalf("view length %d, want 3", view.Len())
	}
	h.Scal(10, view)
	view.Free() // no-op on a view

	got := download(t, s, b)
	assertClose(t, "slice", got, []float64{1, 2, 30, 40, 50, 6}, 0)
}

func TestSliceOutOfRangePanics(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	b := upload(t, ctx, s, []float64{1, 2, 3})
	defer func() {
		if recover() == nil {
			t.Error("expected panic slicing past the end")
		}
	}()
	b.Slice(2, 2)
}

func TestCumsumAndRevCumsum(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	x := []float64{1, 2, 3, 4}
	fwd := upload(t, ctx, s, x)
	src := upload(t, ctx, s, x)
	rev, _ := ctx.Alloc(len(x))

	Cumsum(s, fwd)
	RevCumsum(s, src, rev)

	f := download(t, s, fwd)
	r := download(t, s, rev)
	assertClose(t, "cumsum", f, []float64{1, 3, 6, 10}, 1e-12)
	assertClose(t, "rev_cumsum", r, []float64{10, 9, 7, 4}, 1e-12)

	// both scans end in the total
	if f[len(f)-1] != r[0] {
		t.Errorf("cumsum last %v != rev_cumsum first %v", f[len(f)-1], r[0])
	}
}

func TestRevCumsumInPlace(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	b := upload(t, ctx, s, []float64{0.5, 0.5, 1})
	RevCumsum(s, b, b)
	assertClose(t, "in place", download(t, s, b), []float64{2, 1.5, 1}, 1e-12)
}

func TestAdjustTies(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	x := upload(t, ctx, s, []float64{10, 20, 30, 40, 50})
	y, _ := ctx.Alloc(5)

	// identity ranks leave x unchanged
	id := uploadInt(t, ctx, s, []int32{0, 1, 2, 3, 4})
	AdjustTies(s, x, id, y)
	assertClose(t, "identity", download(t, s, y), []float64{10, 20, 30, 40, 50}, 0)

	// rows 1..3 tied: rankmin points at 1, rankmax at 3
	rmin := uploadInt(t, ctx, s, []int32{0, 1, 1, 1, 4})
	AdjustTies(s, x, rmin, y)
	assertClose(t, "rankmin", download(t, s, y), []float64{10, 20, 20, 20, 50}, 0)

	rmax := uploadInt(t, ctx, s, []int32{0, 3, 3, 3, 4})
	AdjustTies(s, x, rmax, y)
	assertClose(t, "rankmax", download(t, s, y), []float64{10, 40, 40, 40, 50}, 0)
}

func TestCwiseDivGuardsZero(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	x := upload(t, ctx, s, []float64{1, 2, 3})
	y := upload(t, ctx, s, []float64{2, 0, -3})
	z, _ := ctx.Alloc(3)
	CwiseDiv(s, x, y, z)
	assertClose(t, "cwise_div", download(t, s, z), []float64{0.5, 0, -1}, 1e-15)
}

func TestElementwise(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	a := upload(t, ctx, s, []float64{1, 2, 3})
	b := upload(t, ctx, s, []float64{4, 5, 6})
	c := upload(t, ctx, s, []float64{-1, 0, 1})
	z, _ := ctx.Alloc(3)

	MultAdd(s, z, a, b, c)
	assertClose(t, "mult_add", download(t, s, z), []float64{3, 10, 19}, 1e-12)

	Sub(s, b, a, z)
	assertClose(t, "sub", download(t, s, z), []float64{3, 3, 3}, 0)

	ApplyExp(s, c, z)
	assertClose(t, "exp", download(t, s, z), []float64{math.Exp(-1), 1, math.E}, 1e-12)

	Fill(s, z, 7)
	assertClose(t, "fill", download(t, s, z), []float64{7, 7, 7}, 0)
}

func TestCoxValue(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	eta := upload(t, ctx, s, []float64{0.1, -0.2, 0.3})
	risk := upload(t, ctx, s, []float64{3, 2, 1})
	censor := upload(t, ctx, s, []float64{1, 0, 1})
	val, _ := ctx.Alloc(1)

	CoxValue(s, eta, risk, censor, val)
	want := (math.Log(3) - 0.1) + (math.Log(1) - 0.3)
	assertClose(t, "cox_value", download(t, s, val), []float64{want}, 1e-12)

	// an empty risk set contributes nothing
	zero := upload(t, ctx, s, []float64{0, 0, 0})
	CoxValue(s, eta, zero, censor, val)
	assertClose(t, "empty risk", download(t, s, val), []float64{0}, 0)
}

func TestSoftThreshold(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	// p=2, K=2 column-major
	x := upload(t, ctx, s, []float64{3, -0.5, -2, 1})
	pf := upload(t, ctx, s, []float64{1, 2})
	SoftThreshold(s, x, 1, pf, 2, 2)
	assertClose(t, "soft", download(t, s, x), []float64{2, 0, -1, 0}, 1e-15)
}

func TestGroupShrink(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	// row 0 = (3, 4) norm 5, row 1 = (0.3, 0.4) norm 0.5
	x := upload(t, ctx, s, []float64{3, 0.3, 4, 0.4})
	pf := upload(t, ctx, s, []float64{1, 1})
	norms, _ := ctx.Alloc(2)

	GroupNorms(s, x, 2, 2, norms)
	assertClose(t, "norms", download(t, s, norms), []float64{5, 0.5}, 1e-12)

	GroupShrink(s, x, norms, 1, pf, 2, 2)
	got := download(t, s, x)
	assertClose(t, "shrink", got, []float64{2.4, 0, 3.2, 0}, 1e-12)
}

func TestGroupShrinkZeroNorm(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	x := upload(t, ctx, s, []float64{0, 0})
	pf := upload(t, ctx, s, []float64{0})
	norms, _ := ctx.Alloc(1)
	GroupNorms(s, x, 1, 2, norms)
	GroupShrink(s, x, norms, 0, pf, 1, 2)
	got := download(t, s, x)
	for i, v := range got {
		if v != 0 || math.IsNaN(v) {
			t.Errorf("x[%d] = %v, want 0", i, v)
		}
	}
}

func TestEfronTermsWithoutTies(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	expEta := upload(t, ctx, s, []float64{1, 2, 3})
	risk := upload(t, ctx, s, []float64{6, 5, 3})
	censor := upload(t, ctx, s, []float64{1, 0, 1})
	rank := uploadInt(t, ctx, s, []int32{0, 1, 2})
	a, _ := ctx.Alloc(3)
	bt, _ := ctx.Alloc(3)
	logt, _ := ctx.Alloc(3)

	EfronTerms(s, expEta, risk, censor, rank, rank, a, bt, logt)

	// a single event per group reduces to the Breslow terms
	assertClose(t, "a", download(t, s, a), []float64{1.0 / 6, 0, 1.0 / 3}, 1e-12)
	assertClose(t, "bt", download(t, s, bt), []float64{0, 0, 0}, 0)
	assertClose(t, "logt", download(t, s, logt), []float64{math.Log(6), 0, math.Log(3)}, 1e-12)
}

func TestEfronTermsWithTies(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	// rows 0 and 1 tied, both events
	expEta := upload(t, ctx, s, []float64{1, 2, 4})
	risk := upload(t, ctx, s, []float64{7, 6, 4})
	censor := upload(t, ctx, s, []float64{1, 1, 0})
	rmin := uploadInt(t, ctx, s, []int32{0, 0, 2})
	rmax := uploadInt(t, ctx, s, []int32{1, 1, 2})
	a, _ := ctx.Alloc(3)
	bt, _ := ctx.Alloc(3)
	logt, _ := ctx.Alloc(3)

	EfronTerms(s, expEta, risk, censor, rmin, rmax, a, bt, logt)

	// denominators 7 and 7 − 0.5·3
	d0, d1 := 7.0, 5.5
	assertClose(t, "a", download(t, s, a), []float64{1/d0 + 1/d1, 0, 0}, 1e-12)
	assertClose(t, "bt", download(t, s, bt), []float64{0.5 / d1, 0, 0}, 1e-12)
	assertClose(t, "logt", download(t, s, logt), []float64{math.Log(d0) + math.Log(d1), 0, 0}, 1e-12)
}

func TestEfronResidualAndTieValue(t *testing.T) {
	ctx, s, _ := newTestStream(t)
	expEta := upload(t, ctx, s, []float64{1, 2})
	h := upload(t, ctx, s, []float64{0.5, 0.25})
	bt := upload(t, ctx, s, []float64{0.1, 0})
	censor := upload(t, ctx, s, []float64{1, 0})
	r, _ := ctx.Alloc(2)

	EfronResidual(s, expEta, h, bt, censor, r)
	assertClose(t, "residual", download(t, s, r), []float64{1 - 1*(0.5-0.1), -2 * 0.25}, 1e-12)

	eta := upload(t, ctx, s, []float64{0.3, 0.7})
	logt := upload(t, ctx, s, []float64{2, 0})
	val, _ := ctx.Alloc(1)
	TieValue(s, eta, logt, censor, val)
	assertClose(t, "tie_value", download(t, s, val), []float64{2 - 0.3}, 1e-12)
}

func TestGemv(t *testing.T) {
	ctx, s, h := newTestStream(t)
	// 2×3 row-major
	a := upload(t, ctx, s, []float64{1, 2, 3, 4, 5, 6})
	x := upload(t, ctx, s, []float64{1, 0, -1})
	y, _ := ctx.Alloc(2)
	h.Gemv(NoTrans, 2, 3, a, x, y)
	assertClose(t, "Ax", download(t, s, y), []float64{-2, -2}, 1e-12)

	r := upload(t, ctx, s, []float64{1, 1})
	g, _ := ctx.Alloc(3)
	h.Gemv(Trans, 2, 3, a, r, g)
	assertClose(t, "Aᵀr", download(t, s, g), []float64{5, 7, 9}, 1e-12)
}

func TestGemvShapePanics(t *testing.T) {
	ctx, s, h := newTestStream(t)
	a := upload(t, ctx, s, []float64{1, 2, 3, 4})
	x := upload(t, ctx, s, []float64{1, 2, 3})
	y, _ := ctx.Alloc(2)
	defer func() {
		if recover() == nil {
			t.Error("expected shape panic")
		}
	}()
	h.Gemv(NoTrans, 2, 2, a, x, y)
}

func TestBlasLevel1(t *testing.T) {
	ctx, s, h := newTestStream(t)
	x := upload(t, ctx, s, []float64{3, -4})
	y := upload(t, ctx, s, []float64{1, 1})

	h.Axpy(2, x, y)
	assertClose(t, "axpy", download(t, s, y), []float64{7, -7}, 1e-12)

	h.Copy(x, y)
	assertClose(t, "copy", download(t, s, y), []float64{3, -4}, 0)

	dot, err := h.Dot(x, y)
	if err != nil || dot != 25 {
		t.Errorf("Dot = %v, %v; want 25", dot, err)
	}
	nrm, err := h.Nrm2(x)
	if err != nil || math.Abs(nrm-5) > 1e-12 {
		t.Errorf("Nrm2 = %v, %v; want 5", nrm, err)
	}
	amax, err := h.AbsMax(x)
	if err != nil || amax != 4 {
		t.Errorf("AbsMax = %v, %v; want 4", amax, err)
	}

	empty, _ := ctx.Alloc(0)
	if m, err := h.AbsMax(empty); err != nil || m != 0 {
		t.Errorf("AbsMax(empty) = %v, %v; want 0", m, err)
	}
}

func TestStreamOrdering(t *testing.T) {
	ctx, s, h := newTestStream(t)
	b := upload(t, ctx, s, []float64{1})
	for i := 0; i < 100; i++ {
		h.Scal(2, b)
		Fill(s, b, float64(i))
	}
	assertClose(t, "last write wins", download(t, s, b), []float64{99}, 0)
}

func TestAllocatedBytesTracksContexts(t *testing.T) {
	before := AllocatedBytes()
	ctx, err := NewContext()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.Alloc(16); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.AllocInt(4); err != nil {
		t.Fatal(err)
	}
	if got := AllocatedBytes() - before; got != 16*float64Size+4*int32Size {
		t.Errorf("allocated delta = %d", got)
	}
	ctx.Free()
	if got := AllocatedBytes(); got != before {
		t.Errorf("AllocatedBytes = %d after Free, want %d", got, before)
	}
}
