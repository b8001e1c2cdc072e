package visibility

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/horizon"
	"github.com/karpov-sv/fram-grandma/internal/plan"
)

// DefaultSamples is the number of points sampled across the night window.
const DefaultSamples = 10

// Sample is one point of a visibility window.
type Sample struct {
	Time     time.Time
	Altitude float64
	Azimuth  float64
	Visible  bool
}

// Record is the visibility of one position over the night plus right now.
// Known is false when the transform failed; the other fields are then unset.
type Record struct {
	Samples    []Sample
	VisibleNow bool
	Known      bool
}

// VisibleTonight reports whether any night sample is visible.
func (r Record) VisibleTonight() bool {
	for _, s := range r.Samples {
		if s.Visible {
			return true
		}
	}
	return false
}

// Engine evaluates positions against a horizon model.
type Engine struct {
	horizon     *horizon.Model
	transformer Transformer
	samples     int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransformer replaces the default coordinate transform.
func WithTransformer(t Transformer) Option {
	return func(e *Engine) { e.transformer = t }
}

// WithSamples sets the number of night samples. Values below 2 are ignored.
func WithSamples(n int) Option {
	return func(e *Engine) {
		if n >= 2 {
			e.samples = n
		}
	}
}

// NewEngine creates an Engine. A nil horizon model means a constant
// horizon.DefaultFloor.
func NewEngine(model *horizon.Model, logger *slog.Logger, opts ...Option) *Engine {
	if model == nil {
		model = horizon.Constant(horizon.DefaultFloor)
	}
	e := &Engine{
		horizon:     model,
		transformer: Topocentric{},
		samples:     DefaultSamples,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Samples returns the configured night sample count.
func (e *Engine) Samples() int {
	return e.samples
}

func (e *Engine) sample(ra, dec float64, t time.Time, site Site) (Sample, error) {
	alt, az, err := e.transformer.AltAz(ra, dec, t, site)
	if err != nil {
		return Sample{}, fmt.Errorf("transforming %.4f %.4f at %s: %w", ra, dec, t.Format(time.RFC3339), err)
	}
	return Sample{
		Time:     t,
		Altitude: alt,
		Azimuth:  az,
		Visible:  alt > e.horizon.MinAltitude(az),
	}, nil
}

// IsVisible reports whether the position clears the horizon at t.
func (e *Engine) IsVisible(ra, dec float64, t time.Time, site Site) (bool, error) {
	s, err := e.sample(ra, dec, t, site)
	if err != nil {
		return false, err
	}
	return s.Visible, nil
}

// SampleTimes returns the evenly spaced night sample times, both ends
// included.
func (e *Engine) SampleTimes(site Site) []time.Time {
	times := make([]time.Time, e.samples)
	span := site.NightEnd.Sub(site.NightBegin)
	for i := range times {
		times[i] = site.NightBegin.Add(time.Duration(float64(span) * float64(i) / float64(e.samples-1)))
	}
	return times
}

// Window samples the night window and the instant now. Transform failures
// yield a Record with Known unset; they are logged, never returned.
func (e *Engine) Window(ra, dec float64, site Site, now time.Time) Record {
	times := e.SampleTimes(site)
	rec := Record{Samples: make([]Sample, 0, len(times))}
	for _, t := range times {
		s, err := e.sample(ra, dec, t, site)
		if err != nil {
			e.logger.Warn("visibility unknown", "ra", ra, "dec", dec, "error", err)
			return Record{}
		}
		rec.Samples = append(rec.Samples, s)
	}

	cur, err := e.sample(ra, dec, now, site)
	if err != nil {
		e.logger.Warn("visibility unknown", "ra", ra, "dec", dec, "error", err)
		return Record{}
	}
	rec.VisibleNow = cur.Visible
	rec.Known = true
	return rec
}

// VisibleTonight reports whether the position is visible at any night sample.
func (e *Engine) VisibleTonight(ra, dec float64, site Site) (bool, error) {
	for _, t := range e.SampleTimes(site) {
		s, err := e.sample(ra, dec, t, site)
		if err != nil {
			return false, err
		}
		if s.Visible {
			return true, nil
		}
	}
	return false, nil
}

// Annotate computes a Record for every field, keyed by field id.
func (e *Engine) Annotate(fields plan.FieldSet, site Site, now time.Time) map[int64]Record {
	records := make(map[int64]Record, fields.Len())
	for _, f := range fields.Fields() {
		records[f.ID] = e.Window(f.RA, f.Dec, site, now)
	}
	return records
}
