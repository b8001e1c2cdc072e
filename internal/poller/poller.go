// Package poller runs the plan ingestion loop: it polls the broker, records
// new plans exactly once, derives and persists their field lists, annotates
// visibility and notifies operators.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/broker"
	"github.com/karpov-sv/fram-grandma/internal/health"
	"github.com/karpov-sv/fram-grandma/internal/journal"
	"github.com/karpov-sv/fram-grandma/internal/metrics"
	"github.com/karpov-sv/fram-grandma/internal/notify"
	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/store"
	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

const (
	DefaultDelay      = 10 * time.Second
	DefaultLookback   = 24 * time.Hour
	DefaultMaxAgeDays = 1.0
)

// Broker is the plan source.
type Broker interface {
	Plans(ctx context.Context, w broker.Window) ([]plan.Plan, error)
	Followups(ctx context.Context, w broker.Window) ([]plan.Followup, error)
	EventName(ctx context.Context, dateobs string) string
}

// Telescope is the telescope-control side as seen by the loop.
type Telescope interface {
	SetTargetEnabled(ctx context.Context, enabled bool) error
	Site(ctx context.Context) (visibility.Site, error)
}

// Notifier delivers plan summaries.
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message) []notify.SinkResult
}

// Journal records ingests.
type Journal interface {
	RecordIngest(ctx context.Context, in journal.Ingest) error
}

// Deps are the collaborators of a Poller. Store and Engine are required;
// the rest may be nil.
type Deps struct {
	Broker    Broker
	Store     *store.Store
	Engine    *visibility.Engine
	Telescope Telescope
	Notifier  Notifier
	Journal   Journal
	Readiness *health.Readiness
}

// Config holds loop policy.
type Config struct {
	Delay      time.Duration
	Lookback   time.Duration
	MaxAgeDays float64
	// MaxFields caps accepted fields per plan; 0 is unlimited.
	MaxFields int
	// Repeat is the frame count per field for plans that do not carry one.
	Repeat    int
	Followups bool
	// Workbook attaches the visibility workbook to notifications.
	Workbook bool
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Poller is the ingestion loop.
type Poller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a Poller.
func New(deps Deps, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Repeat < 1 {
		cfg.Repeat = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Engine == nil {
		deps.Engine = visibility.NewEngine(nil, logger)
	}
	return &Poller{deps: deps, cfg: cfg, logger: logger}
}

// SourceReport is the result of one sub-loop of a cycle.
type SourceReport struct {
	Fetched  int
	Fetch    Outcome
	Outcomes []Outcome
}

// CycleReport is the result of one cycle.
type CycleReport struct {
	Plans     SourceReport
	Followups SourceReport
}

// Run polls until ctx is cancelled. Failures inside a cycle never end it.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("polling broker", "delay", p.cfg.Delay, "lookback", p.cfg.Lookback, "followups", p.cfg.Followups)
	for {
		p.Cycle(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("poll loop stopped")
			return nil
		case <-time.After(p.cfg.Delay):
		}
	}
}

// Cycle runs the plan and follow-up sub-loops once. A failing sub-loop does
// not affect the other.
func (p *Poller) Cycle(ctx context.Context) CycleReport {
	var rep CycleReport
	now := p.cfg.Now()
	window := broker.Lookback(now, p.cfg.Lookback)

	rep.Plans = p.pollPlans(ctx, window)
	if p.cfg.Followups {
		rep.Followups = p.pollFollowups(ctx, window)
	}

	p.updateGauges()
	metrics.SetLastCycle(now)
	if p.deps.Readiness != nil {
		p.deps.Readiness.MarkCycle(now)
	}
	return rep
}

func (p *Poller) pollPlans(ctx context.Context, w broker.Window) SourceReport {
	var rep SourceReport
	if p.deps.Broker == nil {
		return rep
	}
	plans, err := p.deps.Broker.Plans(ctx, w)
	if err != nil {
		rep.Fetch = fetchOutcome(err)
		metrics.IncPoll("plans", false)
		p.logger.Error("polling plans failed", "outcome", rep.Fetch.String())
		return rep
	}
	metrics.IncPoll("plans", true)
	rep.Fetched = len(plans)
	for _, pl := range plans {
		rep.Outcomes = append(rep.Outcomes, p.ProcessPlan(ctx, pl))
	}
	return rep
}

func (p *Poller) pollFollowups(ctx context.Context, w broker.Window) SourceReport {
	var rep SourceReport
	if p.deps.Broker == nil {
		return rep
	}
	requests, err := p.deps.Broker.Followups(ctx, w)
	if err != nil {
		rep.Fetch = fetchOutcome(err)
		metrics.IncPoll("followups", false)
		p.logger.Error("polling follow-up requests failed", "outcome", rep.Fetch.String())
		return rep
	}
	metrics.IncPoll("followups", true)
	rep.Fetched = len(requests)
	now := p.cfg.Now()
	for _, f := range requests {
		rep.Outcomes = append(rep.Outcomes, p.ProcessPlan(ctx, f.ToPlan(now)))
	}
	return rep
}

func (p *Poller) updateGauges() {
	lists, err := p.deps.Store.ListFieldLists()
	if err != nil {
		return
	}
	total := 0
	for _, l := range lists {
		if fs, err := p.deps.Store.LoadFields(l.Key); err == nil {
			total += fs.Len()
		}
	}
	metrics.SetActiveFields(len(lists), total)
}

// ProcessPlan runs one plan through the pipeline: age check, known check,
// record, supersede, derive, limit, persist, then best-effort target enable,
// visibility, journal and notification.
func (p *Poller) ProcessPlan(ctx context.Context, pl plan.Plan) Outcome {
	return p.process(ctx, pl, true)
}

func (p *Poller) process(ctx context.Context, pl plan.Plan, gate bool) Outcome {
	out := p.pipeline(ctx, pl, gate)
	metrics.IncOutcome(out.Kind.String(), string(out.Reason))

	log := p.logger.With("plan", pl.Name, "dateobs", pl.Dateobs, "kind", pl.Kind.String())
	switch out.Kind {
	case Processed:
		log.Info("plan processed", "key", out.Key, "fields", out.Fields, "superseded", out.Superseded, "notified", out.Notified)
	case Skipped:
		if out.Reason == ReasonKnown {
			log.Debug("plan already known")
		} else {
			log.Info("plan skipped", "reason", string(out.Reason))
		}
	default:
		log.Error("plan failed", "outcome", out.String())
	}
	return out
}

func (p *Poller) pipeline(ctx context.Context, pl plan.Plan, gate bool) Outcome {
	now := p.cfg.Now()
	st := p.deps.Store
	key := store.Key(pl)

	if gate {
		if err := store.CheckAge(pl.EventTime(), now, p.cfg.MaxAgeDays); err != nil {
			return skipped(ReasonTooOld)
		}
		known, err := st.IsKnown(pl)
		if err != nil {
			return recoverable(ReasonPersistence, err)
		}
		if known {
			return skipped(ReasonKnown)
		}
	}

	if pl.EventName == "" && pl.Kind == plan.KindPlan && p.deps.Broker != nil {
		pl.EventName = p.deps.Broker.EventName(ctx, pl.Dateobs)
	}

	p.logger.Info("new plan",
		"id", pl.ID,
		"plan", pl.Name,
		"event", pl.DisplayEvent(),
		"localization", pl.LocalizationID,
		"fields", len(pl.Observations),
	)

	planPath, err := st.Record(pl)
	if err != nil {
		return recoverable(ReasonPersistence, err)
	}

	removed, err := st.Supersede(pl.Namespace())
	if err != nil {
		return recoverable(ReasonPersistence, err)
	}

	repeat := p.cfg.Repeat
	if pl.Repeat > 0 {
		repeat = pl.Repeat
	}
	fields, invalid := plan.FromPlan(pl, repeat).Valid()
	for _, err := range invalid {
		p.logger.Warn("dropping invalid field", "plan", pl.Name, "error", err)
	}
	fields = fields.Ranked()
	if p.cfg.MaxFields > 0 && fields.Len() > p.cfg.MaxFields {
		p.logger.Info("limiting fields", "plan", pl.Name, "from", fields.Len(), "to", p.cfg.MaxFields)
		fields = fields.Limit(p.cfg.MaxFields)
	}

	out := Outcome{Key: key, Fields: fields.Len(), Superseded: len(removed)}
	if fields.Empty() {
		out.Kind, out.Reason = Skipped, ReasonEmpty
		p.journal(ctx, pl, out)
		return out
	}

	if _, err := st.WriteFields(key, fields); err != nil {
		return recoverable(ReasonPersistence, err)
	}

	records := p.annotate(ctx, fields, now)
	out.Kind = Processed
	p.journal(ctx, pl, out)
	out.Notified = p.notify(ctx, pl, key, fields, records, planPath)
	return out
}

// annotate enables the telescope target and computes visibility. Both are
// best-effort: failures leave records nil.
func (p *Poller) annotate(ctx context.Context, fields plan.FieldSet, now time.Time) map[int64]visibility.Record {
	tel := p.deps.Telescope
	if tel == nil {
		return nil
	}
	if err := tel.SetTargetEnabled(ctx, true); err != nil {
		p.logger.Error("enabling target", "error", err)
	}
	site, err := tel.Site(ctx)
	if err != nil {
		p.logger.Error("reading site state, skipping visibility", "error", err)
		return nil
	}
	return p.deps.Engine.Annotate(fields, site, now)
}

func (p *Poller) journal(ctx context.Context, pl plan.Plan, out Outcome) {
	if p.deps.Journal == nil {
		return
	}
	err := p.deps.Journal.RecordIngest(ctx, journal.Ingest{
		Key:        out.Key,
		Kind:       pl.Kind.String(),
		PlanID:     pl.ID,
		Dateobs:    pl.Dateobs,
		Name:       pl.Name,
		Event:      pl.DisplayEvent(),
		Fields:     out.Fields,
		Superseded: out.Superseded,
		Outcome:    out.Kind.String(),
		Reason:     string(out.Reason),
		CreatedAt:  p.cfg.Now(),
	})
	if err != nil {
		p.logger.Warn("journal write failed", "error", err)
	}
}

func (p *Poller) notify(ctx context.Context, pl plan.Plan, key string, fields plan.FieldSet, records map[int64]visibility.Record, planPath string) int {
	if p.deps.Notifier == nil {
		return 0
	}
	msg := notify.Summarize(pl, key, fields, records, planPath)

	if att, err := notify.PlanAttachment(planPath); err != nil {
		p.logger.Warn("plan attachment unavailable", "error", err)
	} else {
		msg.Attachments = append(msg.Attachments, att)
	}
	if p.cfg.Workbook && len(records) > 0 {
		att, err := notify.VisibilityWorkbook(key, fields, records)
		switch {
		case errors.Is(err, notify.ErrNoVisibility):
		case err != nil:
			p.logger.Error("rendering visibility workbook", "error", err)
		default:
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	sent := 0
	for _, r := range p.deps.Notifier.Dispatch(ctx, msg) {
		if r.Err == nil {
			sent++
		}
	}
	return sent
}
