// Package observe consumes persisted field lists on the telescope side:
// it points at visible fields, exposes them and drops fields that are done
// or cannot be reached tonight.
package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/metrics"
	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/store"
	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

// DefaultMaxPointings bounds the pointings visited by one Run.
const DefaultMaxPointings = 20

// Telescope is the mount and camera being driven.
type Telescope interface {
	Point(ctx context.Context, ra, dec float64) error
	Expose(ctx context.Context, object, filter string, seconds float64) error
	DisableTarget(ctx context.Context) error
}

// SiteSource provides the site location and current night.
type SiteSource interface {
	Site(ctx context.Context) (visibility.Site, error)
}

// PointingRecorder receives every completed pointing. Implementations must
// not block for long.
type PointingRecorder interface {
	RecordPointing(ctx context.Context, p Pointing) error
}

// Pointing describes one field that was observed.
type Pointing struct {
	Key      string
	Event    string
	FieldID  int64
	RA, Dec  float64
	Filter   string
	Frames   int
	Failures int
	At       time.Time
}

// Report summarizes a Run.
type Report struct {
	Lists       int
	Pointings   int
	Removed     int
	Skipped     int
	Unknown     int
	PointErrors int
	Abandoned   int
	Disabled    bool
}

// Config configures a Runner.
type Config struct {
	MaxPointings int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Runner drives the consumption of field lists.
type Runner struct {
	store     *store.Store
	engine    *visibility.Engine
	telescope Telescope
	sites     SiteSource
	recorder  PointingRecorder
	cfg       Config
	logger    *slog.Logger
}

// NewRunner creates a Runner. recorder may be nil.
func NewRunner(st *store.Store, engine *visibility.Engine, tel Telescope, sites SiteSource, recorder PointingRecorder, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxPointings <= 0 {
		cfg.MaxPointings = DefaultMaxPointings
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		store:     st,
		engine:    engine,
		telescope: tel,
		sites:     sites,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run visits field lists newest first until MaxPointings fields have been
// observed or the lists are exhausted. When no lists remain afterwards the
// telescope target is disabled.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	var rep Report

	site, err := r.sites.Site(ctx)
	if err != nil {
		return rep, fmt.Errorf("reading site state: %w", err)
	}

	lists, err := r.store.ListFieldLists()
	if err != nil {
		return rep, err
	}

	for _, l := range lists {
		if rep.Pointings >= r.cfg.MaxPointings {
			r.logger.Info("pointing limit reached, stopping for now", "pointings", rep.Pointings)
			break
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Lists++
		if err := r.consume(ctx, l.Key, site, &rep); err != nil {
			if errors.Is(err, store.ErrSuperseded) {
				rep.Abandoned++
				r.logger.Info("field list superseded, abandoning it", "key", l.Key)
				continue
			}
			r.logger.Error("consuming field list", "key", l.Key, "error", err)
		}
	}

	remaining, err := r.store.ListFieldLists()
	if err != nil {
		return rep, err
	}
	if len(remaining) == 0 {
		r.logger.Info("no field lists left, disabling the target")
		if err := r.telescope.DisableTarget(ctx); err != nil {
			r.logger.Error("disabling target", "error", err)
		} else {
			rep.Disabled = true
		}
	}
	return rep, nil
}

func (r *Runner) eventName(key string) string {
	raw, err := r.store.LoadRaw(key)
	if err != nil {
		r.logger.Warn("plan file unreadable, using key as event name", "key", key, "error", err)
		return key
	}
	if p, err := plan.Decode(raw); err == nil {
		return p.DisplayEvent()
	}
	if f, err := plan.DecodeFollowup(raw); err == nil && f.ObjID != "" {
		return f.ObjID
	}
	return key
}

func (r *Runner) consume(ctx context.Context, key string, site visibility.Site, rep *Report) error {
	fields, err := r.store.LoadFields(key)
	if err != nil {
		return fmt.Errorf("loading fields: %w", err)
	}
	event := r.eventName(key)

	r.logger.Info("loaded field list",
		"key", key,
		"event", event,
		"fields", fields.Len(),
		"budget", r.cfg.MaxPointings-rep.Pointings,
	)

	for _, f := range fields.Ranked().Fields() {
		if rep.Pointings >= r.cfg.MaxPointings {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		now := r.cfg.Now()
		visibleNow, err := r.engine.IsVisible(f.RA, f.Dec, now, site)
		if err != nil {
			rep.Unknown++
			r.logger.Warn("visibility unknown, skipping field", "key", key, "field", f.ID, "error", err)
			continue
		}

		switch {
		case visibleNow:
			if !r.observe(ctx, key, event, f, rep) {
				continue
			}
		default:
			tonight, err := r.engine.VisibleTonight(f.RA, f.Dec, site)
			if err != nil {
				rep.Unknown++
				r.logger.Warn("visibility unknown, skipping field", "key", key, "field", f.ID, "error", err)
				continue
			}
			if tonight {
				rep.Skipped++
				r.logger.Info("field not visible now but observable tonight, skipping it", "key", key, "field", f.ID, "weight", f.Weight)
				continue
			}
			rep.Removed++
			r.logger.Info("field not observable tonight, removing it", "key", key, "field", f.ID, "weight", f.Weight)
		}

		fields = fields.Without(f)
		if err := r.store.SyncFields(key, fields); err != nil {
			return err
		}
		if fields.Empty() {
			r.logger.Info("all fields observed, field list removed", "key", key, "event", event)
		} else {
			r.logger.Info("fields left", "key", key, "event", event, "fields", fields.Len())
		}
	}
	return nil
}

// observe points at f and takes its frames. It reports whether the field is
// done; a failed slew leaves the field in the list.
func (r *Runner) observe(ctx context.Context, key, event string, f plan.Field, rep *Report) bool {
	r.logger.Info("pointing", "event", event, "field", f.ID, "weight", f.Weight, "ra", f.RA, "dec", f.Dec)
	if err := r.telescope.Point(ctx, f.RA, f.Dec); err != nil {
		rep.PointErrors++
		metrics.IncPointing(false)
		r.logger.Error("repointing error, moving to next field", "field", f.ID, "error", err)
		return false
	}

	object := fmt.Sprintf("GRANDMA_%s_%d", event, f.ID)
	frames := f.Repeat
	if frames < 1 {
		frames = 1
	}
	failures := 0
	for i := 0; i < frames; i++ {
		if err := r.telescope.Expose(ctx, object, f.Filter, f.ExposureTime); err != nil {
			failures++
			r.logger.Error("exposure error", "field", f.ID, "frame", i+1, "error", err)
		}
	}
	rep.Pointings++
	metrics.IncPointing(true)

	if r.recorder != nil {
		p := Pointing{
			Key:      key,
			Event:    event,
			FieldID:  f.ID,
			RA:       f.RA,
			Dec:      f.Dec,
			Filter:   f.Filter,
			Frames:   frames,
			Failures: failures,
			At:       r.cfg.Now(),
		}
		if err := r.recorder.RecordPointing(ctx, p); err != nil {
			r.logger.Warn("recording pointing", "field", f.ID, "error", err)
		}
	}
	return true
}
