//go:build linux && cuda

package device

/*
#include <cuda_runtime.h>
#include "kernels.h"
*/
import "C"

func ApplyExp(s *Stream, x, ex *Buffer) {
	mustSameLen("apply_exp", x.Len(), ex)
	s.live("apply_exp")
	s.check("apply_exp", C.pc_apply_exp(s.s, x.ptr(), ex.ptr(), C.int(x.n)))
}

func Cumsum(s *Stream, x *Buffer) {
	s.live("cumsum")
	s.check("cumsum", C.pc_cumsum(s.s, x.ptr(), C.int(x.n)))
}

func RevCumsum(s *Stream, x, y *Buffer) {
	mustSameLen("rev_cumsum", x.Len(), y)
	s.live("rev_cumsum")
	s.check("rev_cumsum", C.pc_rev_cumsum(s.s, x.ptr(), y.ptr(), C.int(x.n)))
}

func AdjustTies(s *Stream, x *Buffer, rank *IntBuffer, y *Buffer) {
	mustSameLen("adjust_ties", x.Len(), rank, y)
	s.live("adjust_ties")
	s.check("adjust_ties", C.pc_adjust_ties(s.s, x.ptr(), rank.ptr(), y.ptr(), C.int(x.n)))
}

func CwiseDiv(s *Stream, x, y, z *Buffer) {
	mustSameLen("cwise_div", x.Len(), y, z)
	s.live("cwise_div")
	s.check("cwise_div", C.pc_cwise_div(s.s, x.ptr(), y.ptr(), z.ptr(), C.int(x.n)))
}

func MultAdd(s *Stream, z, a, b, c *Buffer) {
	mustSameLen("mult_add", z.Len(), a, b, c)
	s.live("mult_add")
	s.check("mult_add", C.pc_mult_add(s.s, z.ptr(), a.ptr(), b.ptr(), c.ptr(), C.int(z.n)))
}

func CoxValue(s *Stream, x, y, z, val *Buffer) {
	mustSameLen("cox_value", x.Len(), y, z)
	mustSameLen("cox_value", 1, val)
	s.live("cox_value")
	s.check("cox_value", C.pc_cox_value(s.s, x.ptr(), y.ptr(), z.ptr(), val.ptr(), C.int(x.n)))
}

func Fill(s *Stream, x *Buffer, v float64) {
	s.live("fill")
	s.check("fill", C.pc_fill(s.s, x.ptr(), C.double(v), C.int(x.n)))
}

func Sub(s *Stream, x, y, z *Buffer) {
	mustSameLen("sub", x.Len(), y, z)
	s.live("sub")
	s.check("sub", C.pc_sub(s.s, x.ptr(), y.ptr(), z.ptr(), C.int(x.n)))
}

func SoftThreshold(s *Stream, x *Buffer, thresh float64, pf *Buffer, p, k int) {
	mustGroupShape("soft_threshold", x, p, k, pf)
	s.live("soft_threshold")
	s.check("soft_threshold", C.pc_soft_threshold(s.s, x.ptr(), C.double(thresh), pf.ptr(), C.int(p), C.int(k)))
}

func GroupNorms(s *Stream, x *Buffer, p, k int, norms *Buffer) {
	mustGroupShape("group_norms", x, p, k, norms)
	s.live("group_norms")
	s.check("group_norms", C.pc_group_norms(s.s, x.ptr(), C.int(p), C.int(k), norms.ptr()))
}

func GroupShrink(s *Stream, x, norms *Buffer, thresh float64, pf *Buffer, p, k int) {
	mustGroupShape("group_shrink", x, p, k, norms, pf)
	s.live("group_shrink")
	s.check("group_shrink", C.pc_group_shrink(s.s, x.ptr(), norms.ptr(), C.double(thresh), pf.ptr(), C.int(p), C.int(k)))
}

func EfronTerms(s *Stream, expEta, expAccumu, censor *Buffer, rankmin, rankmax *IntBuffer, a, bt, logt *Buffer) {
	n := expEta.Len()
	mustSameLen("efron_terms", n, expAccumu, censor, rankmin, rankmax, a, bt, logt)
	s.live("efron_terms")
	s.check("efron_terms", C.pc_efron_terms(s.s, expEta.ptr(), expAccumu.ptr(), censor.ptr(),
		rankmin.ptr(), rankmax.ptr(), a.ptr(), bt.ptr(), logt.ptr(), C.int(n)))
}

func EfronResidual(s *Stream, expEta, h, bt, censor, r *Buffer) {
	mustSameLen("efron_residual", expEta.Len(), h, bt, censor, r)
	s.live("efron_residual")
	s.check("efron_residual", C.pc_efron_residual(s.s, expEta.ptr(), h.ptr(), bt.ptr(), censor.ptr(), r.ptr(), C.int(r.n)))
}

func TieValue(s *Stream, eta, logt, censor, val *Buffer) {
	mustSameLen("tie_value", eta.Len(), logt, censor)
	mustSameLen("tie_value", 1, val)
	s.live("tie_value")
	s.check("tie_value", C.pc_tie_value(s.s, eta.ptr(), logt.ptr(), censor.ptr(), val.ptr(), C.int(eta.n)))
}
