//go:build !cuda

package device

import "math"

func ApplyExp(s *Stream, x, ex *Buffer) {
	mustSameLen("apply_exp", x.Len(), ex)
	s.enqueue("apply_exp", func() {
		for i, v := range x.data {
			ex.data[i] = math.Exp(v)
		}
	})
}

// Cumsum replaces x with its inclusive prefix sum.
func Cumsum(s *Stream, x *Buffer) {
	s.enqueue("cumsum", func() {
		var acc float64
		for i, v := range x.data {
			acc += v
			x.data[i] = acc
		}
	})
}

// RevCumsum writes the inclusive suffix sum of x into y. x and y may be the
// same buffer.
func RevCumsum(s *Stream, x, y *Buffer) {
	mustSameLen("rev_cumsum", x.Len(), y)
	s.enqueue("rev_cumsum", func() {
		var acc float64
		for i := len(x.data) - 1; i >= 0; i-- {
			acc += x.data[i]
			y.data[i] = acc
		}
	})
}

// AdjustTies gathers y[i] = x[rank[i]] so every member of a tie group takes
// the value at the group's rank. x and y must not overlap.
func AdjustTies(s *Stream, x *Buffer, rank *IntBuffer, y *Buffer) {
	mustSameLen("adjust_ties", x.Len(), rank, y)
	s.enqueue("adjust_ties", func() {
		for i, r := range rank.data {
			y.data[i] = x.data[r]
		}
	})
}

// CwiseDiv computes z = x / y, writing 0 where y is 0.
func CwiseDiv(s *Stream, x, y, z *Buffer) {
	mustSameLen("cwise_div", x.Len(), y, z)
	s.enqueue("cwise_div", func() {
		for i, d := range y.data {
			if d == 0 {
				z.data[i] = 0
				continue
			}
			z.data[i] = x.data[i] / d
		}
	})
}

// MultAdd computes z = a·b + c elementwise.
func MultAdd(s *Stream, z, a, b, c *Buffer) {
	mustSameLen("mult_add", z.Len(), a, b, c)
	s.enqueue("mult_add", func() {
		for i := range z.data {
			z.data[i] = a.data[i]*b.data[i] + c.data[i]
		}
	})
}

// CoxValue writes Σ z[i]·(log y[i] − x[i]) into val[0]: with x the linear
// predictor, y the risk-set totals and z the event indicator this is the
// negative log partial likelihood. Censored rows and empty risk sets add
// nothing.
func CoxValue(s *Stream, x, y, z, val *Buffer) {
	mustSameLen("cox_value", x.Len(), y, z)
	mustSameLen("cox_value", 1, val)
	s.enqueue("cox_value", func() {
		var acc float64
		for i, d := range z.data {
			if d == 0 || y.data[i] <= 0 {
				continue
			}
			acc += d * (math.Log(y.data[i]) - x.data[i])
		}
		val.data[0] = acc
	})
}

func Fill(s *Stream, x *Buffer, v float64) {
	s.enqueue("fill", func() {
		for i := range x.data {
			x.data[i] = v
		}
	})
}

// Sub computes z = x − y.
func Sub(s *Stream, x, y, z *Buffer) {
	mustSameLen("sub", x.Len(), y, z)
	s.enqueue("sub", func() {
		for i := range z.data {
			z.data[i] = x.data[i] - y.data[i]
		}
	})
}

// SoftThreshold shrinks every entry of row j of the p×k column-major matrix
// x towards zero by thresh·pf[j].
func SoftThreshold(s *Stream, x *Buffer, thresh float64, pf *Buffer, p, k int) {
	mustGroupShape("soft_threshold", x, p, k, pf)
	s.enqueue("soft_threshold", func() {
		for c := 0; c < k; c++ {
			col := x.data[c*p : (c+1)*p]
			for j, v := range col {
				t := thresh * pf.data[j]
				switch {
				case v > t:
					col[j] = v - t
				case v < -t:
					col[j] = v + t
				default:
					col[j] = 0
				}
			}
		}
	})
}

// GroupNorms writes the Euclidean norm of each row of the p×k column-major
// matrix x into norms.
func GroupNorms(s *Stream, x *Buffer, p, k int, norms *Buffer) {
	mustGroupShape("group_norms", x, p, k, norms)
	s.enqueue("group_norms", func() {
		for j := 0; j < p; j++ {
			var ss float64
			for c := 0; c < k; c++ {
				v := x.data[c*p+j]
				ss += v * v
			}
			norms.data[j] = math.Sqrt(ss)
		}
	})
}

// GroupShrink scales row j of x by max(0, 1 − thresh·pf[j]/norms[j]). Rows
// with zero norm are set to zero.
func GroupShrink(s *Stream, x, norms *Buffer, thresh float64, pf *Buffer, p, k int) {
	mustGroupShape("group_shrink", x, p, k, norms, pf)
	s.enqueue("group_shrink", func() {
		for j := 0; j < p; j++ {
			scale := 0.0
			if n := norms.data[j]; n > 0 {
				scale = math.Max(0, 1-thresh*pf.data[j]/n)
			}
			for c := 0; c < k; c++ {
				x.data[c*p+j] *= scale
			}
		}
	})
}

// EfronTerms evaluates Efron's tie correction at the head of every tie
// group (rankmin[i] == i). For a group with d events whose tied exposure is
// S and whose risk-set total is R, it writes
//
//	a[i]    = Σ_{l<d} 1/(R − (l/d)·S)
//	bt[i]   = Σ_{l<d} (l/d)/(R − (l/d)·S)
//	logt[i] = Σ_{l<d} log(R − (l/d)·S)
//
// and zeros at every other position.
func EfronTerms(s *Stream, expEta, expAccumu, censor *Buffer, rankmin, rankmax *IntBuffer, a, bt, logt *Buffer) {
	n := expEta.Len()
	mustSameLen("efron_terms", n, expAccumu, censor, rankmin, rankmax, a, bt, logt)
	s.enqueue("efron_terms", func() {
		for i := 0; i < n; i++ {
			a.data[i], bt.data[i], logt.data[i] = 0, 0, 0
			if int(rankmin.data[i]) != i {
				continue
			}
			var d, tied float64
			for j := i; j <= int(rankmax.data[i]); j++ {
				d += censor.data[j]
				tied += censor.data[j] * expEta.data[j]
			}
			events := int(math.Round(d))
			r := expAccumu.data[i]
			for l := 0; l < events; l++ {
				frac := float64(l) / float64(events)
				den := r - frac*tied
				if den <= 0 {
					continue
				}
				a.data[i] += 1 / den
				bt.data[i] += frac / den
				logt.data[i] += math.Log(den)
			}
		}
	})
}

// EfronResidual computes r = censor − expEta·(h − censor·bt), the negative
// gradient of the Efron negative log partial likelihood with respect to the
// linear predictor, given the cumulative hazard h and the tie correction bt
// of each row's group.
func EfronResidual(s *Stream, expEta, h, bt, censor, r *Buffer) {
	mustSameLen("efron_residual", expEta.Len(), h, bt, censor, r)
	s.enqueue("efron_residual", func() {
		for i, d := range censor.data {
			r.data[i] = d - expEta.data[i]*(h.data[i]-d*bt.data[i])
		}
	})
}

// TieValue writes Σ (logt[i] − censor[i]·eta[i]) into val[0].
func TieValue(s *Stream, eta, logt, censor, val *Buffer) {
	mustSameLen("tie_value", eta.Len(), logt, censor)
	mustSameLen("tie_value", 1, val)
	s.enqueue("tie_value", func() {
		var acc float64
		for i, d := range censor.data {
			acc += logt.data[i] - d*eta.data[i]
		}
		val.data[0] = acc
	})
}
