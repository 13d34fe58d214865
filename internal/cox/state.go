// Package cox fits penalized Cox proportional-hazards models with an
// accelerated proximal gradient method on a device.
//
// A Session owns every device buffer of one fit. Each outer iteration
// evaluates the partial likelihood and its gradient at the extrapolation
// point, takes a proximal step under a backtracking line search, applies
// Nesterov momentum and measures the largest coefficient change. All of it is
// issued asynchronously; the host waits only for the scalars it needs.
package cox

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-proxcox/internal/device"
)

var (
	// ErrLineSearch is returned when no step size satisfies the line search
	// within the retry budget.
	ErrLineSearch = errors.New("cox: line search failed")

	// ErrNonFinite is returned when the objective becomes NaN or infinite.
	ErrNonFinite = errors.New("cox: non-finite objective")

	// ErrShape is returned when inputs disagree with the session dimensions.
	ErrShape = errors.New("cox: shape mismatch")
)

// Dims fixes every buffer shape of a session.
type Dims struct {
	Total int // samples across all strata
	P     int // covariates
	K     int // strata
}

func (d Dims) validate() error {
	if d.Total < 0 || d.P < 1 || d.K < 1 {
		return fmt.Errorf("%w: total=%d p=%d K=%d", ErrShape, d.Total, d.P, d.K)
	}
	return nil
}

// Data is the immutable survival data of a fit.
type Data struct {
	X       *device.Buffer // Total×P row-major
	Censor  *device.Buffer
	RankMin *device.IntBuffer
	RankMax *device.IntBuffer

	// NcaseCumu stays on the host; it only selects slices.
	NcaseCumu []int
}

// Cache is scratch recomputed by every evaluation.
type Cache struct {
	Eta         *device.Buffer
	ExpEta      *device.Buffer
	ExpAccumu   *device.Buffer
	OuterAccumu *device.Buffer
	Residual    *device.Buffer
	BColNorm    *device.Buffer // P
	CoxVal      *device.Buffer // K

	// Efron tie correction; nil under Breslow.
	TieCorr *device.Buffer
	TieLog  *device.Buffer
}

// Param is the optimization state. Every matrix is P×K column-major.
type Param struct {
	B             *device.Buffer
	V             *device.Buffer
	Grad          *device.Buffer
	PrevB         *device.Buffer
	Change        *device.Buffer
	LsResult      *device.Buffer
	GradLs        *device.Buffer
	PenaltyFactor *device.Buffer // P
}

type freer interface{ Free() }

// allocator hands out buffers until the first failure and remembers what
// it handed out so a failed allocation can be rolled back.
type allocator struct {
	ctx  *device.Context
	held []freer
	err  error
}

func (a *allocator) f64(n int) *device.Buffer {
	if a.err != nil {
		return nil
	}
	b, err := a.ctx.Alloc(n)
	if err != nil {
		a.err = err
		return nil
	}
	a.held = append(a.held, b)
	return b
}

func (a *allocator) i32(n int) *device.IntBuffer {
	if a.err != nil {
		return nil
	}
	b, err := a.ctx.AllocInt(n)
	if err != nil {
		a.err = err
		return nil
	}
	a.held = append(a.held, b)
	return b
}

func (a *allocator) rollback() {
	for i := len(a.held) - 1; i >= 0; i-- {
		a.held[i].Free()
	}
	a.held = nil
}

// state groups the three structures so they are allocated and released
// together.
type state struct {
	data  Data
	cache Cache
	param Param
	held  []freer
}

func allocate(ctx *device.Context, d Dims, efron bool) (*state, error) {
	a := &allocator{ctx: ctx}
	pk := d.P * d.K

	st := &state{
		data: Data{
			X:       a.f64(d.Total * d.P),
			Censor:  a.f64(d.Total),
			RankMin: a.i32(d.Total),
			RankMax: a.i32(d.Total),
		},
		cache: Cache{
			Eta:         a.f64(d.Total),
			ExpEta:      a.f64(d.Total),
			ExpAccumu:   a.f64(d.Total),
			OuterAccumu: a.f64(d.Total),
			Residual:    a.f64(d.Total),
			BColNorm:    a.f64(d.P),
			CoxVal:      a.f64(d.K),
		},
		param: Param{
			B:             a.f64(pk),
			V:             a.f64(pk),
			Grad:          a.f64(pk),
			PrevB:         a.f64(pk),
			Change:        a.f64(pk),
			LsResult:      a.f64(pk),
			GradLs:        a.f64(pk),
			PenaltyFactor: a.f64(d.P),
		},
	}
	if efron {
		st.cache.TieCorr = a.f64(d.Total)
		st.cache.TieLog = a.f64(d.Total)
	}
	if a.err != nil {
		a.rollback()
		return nil, fmt.Errorf("cox: allocate session buffers: %w", a.err)
	}
	st.held = a.held
	return st, nil
}

func (st *state) free() {
	for i := len(st.held) - 1; i >= 0; i-- {
		st.held[i].Free()
	}
	st.held = nil
}
