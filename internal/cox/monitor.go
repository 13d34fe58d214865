package cox

import (
	"math"

	"github.com/23skdu/longbow-proxcox/internal/device"
)

// NesterovUpdate sets V = B + ((wOld − 1)/wNew)·(B − prev_B). With
// wOld = 1 no momentum is added and V equals B.
func (s *Session) NesterovUpdate(wOld, wNew float64) {
	l := s.lanes[0]
	pr := &s.st.param

	l.handle.Copy(pr.B, pr.V)
	if coef := (wOld - 1) / wNew; coef != 0 {
		device.Sub(l.stream, pr.B, pr.PrevB, pr.Change)
		l.handle.Axpy(coef, pr.Change, pr.V)
	}
}

// MaxDiff stores change = B − prev_B and returns max|change|.
func (s *Session) MaxDiff() (float64, error) {
	l := s.lanes[0]
	pr := &s.st.param
	device.Sub(l.stream, pr.B, pr.PrevB, pr.Change)
	return l.handle.AbsMax(pr.Change)
}

// nextWeight is the FISTA momentum recurrence.
func nextWeight(t float64) float64 {
	return (1 + math.Sqrt(1+4*t*t)) / 2
}
