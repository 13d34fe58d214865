package cox

import (
	"math"

	"github.com/23skdu/longbow-proxcox/internal/device"
)

// UpdateParameters sets B to the proximal point of the gradient step from
// the extrapolation point: B = prox(V − step·Grad). The L1 part soft
// thresholds each entry of covariate j by step·lambda1·pf[j]; the group part
// then scales covariate j across all strata by
// max(0, 1 − step·lambda2·pf[j]/‖B_j‖), zeroing rows whose norm is zero.
func (s *Session) UpdateParameters(step, lambda1, lambda2 float64) {
	l := s.lanes[0]
	pr := &s.st.param
	p, k := s.dims.P, s.dims.K

	l.handle.Copy(pr.V, pr.B)
	l.handle.Axpy(-step, pr.Grad, pr.B)

	if lambda1 > 0 {
		device.SoftThreshold(l.stream, pr.B, step*lambda1, pr.PenaltyFactor, p, k)
	}
	if lambda2 > 0 {
		device.GroupNorms(l.stream, pr.B, p, k, s.st.cache.BColNorm)
		device.GroupShrink(l.stream, pr.B, s.st.cache.BColNorm, step*lambda2, pr.PenaltyFactor, p, k)
	}
}

// Penalty returns lambda1·Σ pf_j|b_jk| + lambda2·Σ pf_j‖b_j‖ for a P×K
// column-major host matrix.
func Penalty(b, pf []float64, p, k int, lambda1, lambda2 float64) float64 {
	var l1, l2 float64
	for j := 0; j < p; j++ {
		var abs, ss float64
		for c := 0; c < k; c++ {
			v := b[c*p+j]
			abs += math.Abs(v)
			ss += v * v
		}
		l1 += pf[j] * abs
		l2 += pf[j] * math.Sqrt(ss)
	}
	return lambda1*l1 + lambda2*l2
}
