package cox

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-proxcox/internal/config"
	"github.com/23skdu/longbow-proxcox/internal/device"
	"github.com/23skdu/longbow-proxcox/internal/logger"
	"github.com/23skdu/longbow-proxcox/internal/survdata"
)

// Options are the session-level choices that change buffer layout or
// scheduling.
type Options struct {
	Ties config.TieMethod
	// Streams is the number of lanes strata are spread over. The caller's
	// stream is lane 0; the session creates and owns the others.
	Streams int
}

// lane is a stream with the BLAS handle bound to it.
type lane struct {
	stream *device.Stream
	handle *device.Handle
	owned  bool
}

// Session owns the device state of one fit. It is not safe for concurrent
// use.
type Session struct {
	ID string

	dev   *device.Context
	dims  Dims
	ties  config.TieMethod
	lanes []lane
	st    *state
	log   *logger.Logger

	// host copies kept for reporting
	pf         []float64
	covariates []string
	strata     []string

	loaded bool
	closed bool
}

// NewSession allocates every buffer for a fit of the given dimensions. The
// stream and handle belong to the caller and must outlive the session. On
// failure nothing stays allocated.
func NewSession(dev *device.Context, stream *device.Stream, handle *device.Handle, dims Dims, opts Options) (*Session, error) {
	if err := dims.validate(); err != nil {
		return nil, err
	}
	if opts.Ties == "" {
		opts.Ties = config.TiesBreslow
	}
	if opts.Ties != config.TiesBreslow && opts.Ties != config.TiesEfron {
		return nil, fmt.Errorf("cox: unknown tie method %q", opts.Ties)
	}
	if opts.Streams < 1 {
		opts.Streams = 1
	}

	st, err := allocate(dev, dims, opts.Ties == config.TiesEfron)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:    uuid.NewString(),
		dev:   dev,
		dims:  dims,
		ties:  opts.Ties,
		st:    st,
		lanes: []lane{{stream: stream, handle: handle}},
	}
	s.log = logger.Log.With("session", s.ID)

	// lanes beyond the strata count would sit idle
	extra := opts.Streams - 1
	if extra > dims.K-1 {
		extra = dims.K - 1
	}
	for i := 0; i < extra; i++ {
		ls, err := dev.NewStream()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("cox: create lane stream: %w", err)
		}
		lh, err := dev.NewHandle(ls)
		if err != nil {
			ls.Destroy()
			s.Close()
			return nil, fmt.Errorf("cox: create lane handle: %w", err)
		}
		s.lanes = append(s.lanes, lane{stream: ls, handle: lh, owned: true})
	}

	s.log.Debug("session allocated",
		"device", dev.Name(),
		"total", dims.Total, "p", dims.P, "k", dims.K,
		"ties", string(s.ties), "lanes", len(s.lanes),
		"bytes", dev.MemoryUsed())
	return s, nil
}

func (s *Session) Dims() Dims { return s.dims }

func (s *Session) Data() *Data { return &s.st.data }

func (s *Session) Cache() *Cache { return &s.st.cache }

func (s *Session) Param() *Param { return &s.st.param }

// Load uploads the prepared survival data and the penalty factors (nil means
// every covariate is penalized with weight 1) and resets B to zero.
func (s *Session) Load(p *survdata.Prepared, penaltyFactor []float64) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrShape, err)
	}
	if p.Total != s.dims.Total || p.P != s.dims.P || p.K != s.dims.K {
		return fmt.Errorf("%w: data is total=%d p=%d K=%d, session is total=%d p=%d K=%d",
			ErrShape, p.Total, p.P, p.K, s.dims.Total, s.dims.P, s.dims.K)
	}
	if penaltyFactor == nil {
		penaltyFactor = make([]float64, s.dims.P)
		for j := range penaltyFactor {
			penaltyFactor[j] = 1
		}
	}
	if len(penaltyFactor) != s.dims.P {
		return fmt.Errorf("%w: %d penalty factors for %d covariates", ErrShape, len(penaltyFactor), s.dims.P)
	}
	for j, w := range penaltyFactor {
		if w < 0 {
			return fmt.Errorf("cox: penalty factor %d is negative (%g)", j, w)
		}
	}

	stream := s.lanes[0].stream
	d := &s.st.data
	if err := d.X.Upload(stream, p.X); err != nil {
		return fmt.Errorf("cox: upload X: %w", err)
	}
	if err := d.Censor.Upload(stream, p.Censor); err != nil {
		return fmt.Errorf("cox: upload censor: %w", err)
	}
	if err := d.RankMin.Upload(stream, p.RankMin); err != nil {
		return fmt.Errorf("cox: upload rankmin: %w", err)
	}
	if err := d.RankMax.Upload(stream, p.RankMax); err != nil {
		return fmt.Errorf("cox: upload rankmax: %w", err)
	}
	if err := s.st.param.PenaltyFactor.Upload(stream, penaltyFactor); err != nil {
		return fmt.Errorf("cox: upload penalty factor: %w", err)
	}
	d.NcaseCumu = append([]int(nil), p.NcaseCumu...)
	s.pf = append([]float64(nil), penaltyFactor...)
	s.covariates = p.Covariates
	s.strata = p.Strata
	device.Fill(stream, s.st.param.B, 0)
	if err := stream.Synchronize(); err != nil {
		return fmt.Errorf("cox: load: %w", err)
	}
	s.loaded = true
	return nil
}

// SetCoefficients uploads a P×K column-major starting point into B.
func (s *Session) SetCoefficients(b []float64) error {
	if len(b) != s.dims.P*s.dims.K {
		return fmt.Errorf("%w: %d coefficients for %d×%d", ErrShape, len(b), s.dims.P, s.dims.K)
	}
	stream := s.lanes[0].stream
	if err := s.st.param.B.Upload(stream, b); err != nil {
		return err
	}
	return stream.Synchronize()
}

// Coefficients downloads B.
func (s *Session) Coefficients() ([]float64, error) {
	out := make([]float64, s.dims.P*s.dims.K)
	if err := s.st.param.B.Download(s.lanes[0].stream, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot copies B into prev_B through the handle, keeping the copy in
// order with the surrounding BLAS work.
func (s *Session) Snapshot() {
	s.lanes[0].handle.Copy(s.st.param.B, s.st.param.PrevB)
}

// join waits for every lane. The first lane error wins.
func (s *Session) join() error {
	var first error
	for _, l := range s.lanes {
		if err := l.stream.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close waits for outstanding work, releases every buffer and the lanes the
// session created. It is safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.join(); err != nil {
		s.log.Warn("pending device error at close", "error", err)
	}
	for _, l := range s.lanes[1:] {
		if l.owned {
			l.handle.Destroy()
			l.stream.Destroy()
		}
	}
	s.lanes = s.lanes[:1]
	s.st.free()
	s.log.Debug("session released", "bytes", s.dev.MemoryUsed())
}
