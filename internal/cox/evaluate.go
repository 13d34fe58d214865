package cox

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-proxcox/internal/config"
	"github.com/23skdu/longbow-proxcox/internal/device"
)

// stratum is the set of views one stratum's pipeline works on.
type stratum struct {
	k, n, p int

	x                *device.Buffer
	censor           *device.Buffer
	rankmin, rankmax *device.IntBuffer

	eta, expEta, expAccumu, outer, residual *device.Buffer
	tieCorr, tieLog                         *device.Buffer
	coxVal                                  *device.Buffer
}

func (s *Session) stratum(k int) stratum {
	d, c := &s.st.data, &s.st.cache
	lo, hi := d.NcaseCumu[k], d.NcaseCumu[k+1]
	n, p := hi-lo, s.dims.P
	v := stratum{
		k: k, n: n, p: p,
		x:         d.X.Slice(lo*p, n*p),
		censor:    d.Censor.Slice(lo, n),
		rankmin:   d.RankMin.Slice(lo, n),
		rankmax:   d.RankMax.Slice(lo, n),
		eta:       c.Eta.Slice(lo, n),
		expEta:    c.ExpEta.Slice(lo, n),
		expAccumu: c.ExpAccumu.Slice(lo, n),
		outer:     c.OuterAccumu.Slice(lo, n),
		residual:  c.Residual.Slice(lo, n),
		coxVal:    c.CoxVal.Slice(k, 1),
	}
	if c.TieCorr != nil {
		v.tieCorr = c.TieCorr.Slice(lo, n)
		v.tieLog = c.TieLog.Slice(lo, n)
	}
	return v
}

// Evaluate computes the negative log partial likelihood at the P×K
// coefficients in at, summed over strata with each stratum scaled by its
// size, and writes its gradient into grad. It returns once the value is on
// the host.
func (s *Session) Evaluate(at, grad *device.Buffer) (float64, error) {
	if !s.loaded {
		return 0, fmt.Errorf("cox: evaluate before Load")
	}
	pk := s.dims.P * s.dims.K
	if at.Len() != pk || grad.Len() != pk {
		return 0, fmt.Errorf("%w: evaluate on %d/%d values, want %d", ErrShape, at.Len(), grad.Len(), pk)
	}

	// other lanes read what lane 0 last wrote
	if len(s.lanes) > 1 {
		if err := s.lanes[0].stream.Synchronize(); err != nil {
			return 0, err
		}
	}
	for k := 0; k < s.dims.K; k++ {
		l := s.lanes[k%len(s.lanes)]
		s.evaluateStratum(l, s.stratum(k), at.Slice(k*s.dims.P, s.dims.P), grad.Slice(k*s.dims.P, s.dims.P))
	}
	if err := s.join(); err != nil {
		return 0, err
	}

	vals := make([]float64, s.dims.K)
	if err := s.st.cache.CoxVal.Download(s.lanes[0].stream, vals); err != nil {
		return 0, err
	}
	var total float64
	for _, v := range vals {
		total += v
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return total, fmt.Errorf("%w: %v", ErrNonFinite, total)
	}
	return total, nil
}

// CoxValues downloads the per-stratum objective values of the last
// evaluation.
func (s *Session) CoxValues() ([]float64, error) {
	vals := make([]float64, s.dims.K)
	if err := s.st.cache.CoxVal.Download(s.lanes[0].stream, vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func (s *Session) evaluateStratum(l lane, v stratum, b, grad *device.Buffer) {
	st, h := l.stream, l.handle
	if v.n == 0 {
		device.Fill(st, grad, 0)
		device.Fill(st, v.coxVal, 0)
		return
	}

	h.Gemv(device.NoTrans, v.n, v.p, v.x, b, v.eta)
	device.ApplyExp(st, v.eta, v.expEta)
	device.RevCumsum(st, v.expEta, v.expAccumu)

	if s.ties == config.TiesEfron {
		efron(st, v)
	} else {
		breslow(st, h, v)
	}

	h.Gemv(device.Trans, v.n, v.p, v.x, v.residual, grad)
	scale := 1 / float64(v.n)
	h.Scal(-scale, grad)
	h.Scal(scale, v.coxVal)
}

// breslow expects expAccumu to hold the suffix sums of expEta.
func breslow(st *device.Stream, h *device.Handle, v stratum) {
	// risk-set totals at each row's event time
	device.AdjustTies(st, v.expAccumu, v.rankmin, v.outer)
	device.CoxValue(st, v.eta, v.outer, v.censor, v.coxVal)

	// negated cumulative hazard, spread over tie groups
	device.CwiseDiv(st, v.censor, v.outer, v.expAccumu)
	h.Scal(-1, v.expAccumu)
	device.Cumsum(st, v.expAccumu)
	device.AdjustTies(st, v.expAccumu, v.rankmax, v.outer)

	device.MultAdd(st, v.residual, v.expEta, v.outer, v.censor)
}

// efron expects expAccumu to hold the suffix sums of expEta, so the value at
// a tie group's first row is its risk-set total.
func efron(st *device.Stream, v stratum) {
	device.EfronTerms(st, v.expEta, v.expAccumu, v.censor, v.rankmin, v.rankmax, v.outer, v.tieCorr, v.tieLog)
	device.TieValue(st, v.eta, v.tieLog, v.censor, v.coxVal)

	device.Cumsum(st, v.outer)
	device.AdjustTies(st, v.outer, v.rankmax, v.expAccumu)
	// tieLog is free once the value is taken
	device.AdjustTies(st, v.tieCorr, v.rankmin, v.tieLog)

	device.EfronResidual(st, v.expEta, v.expAccumu, v.tieLog, v.censor, v.residual)
}
