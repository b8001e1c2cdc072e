// Package notify fans plan summaries out to operator channels. Every sink is
// attempted; a failing sink never stops the others or the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/metrics"
	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// FieldSummary is one field line of a summary.
type FieldSummary struct {
	ID         int64   `json:"id"`
	RA         float64 `json:"ra"`
	Dec        float64 `json:"dec"`
	Weight     float64 `json:"weight"`
	Filter     string  `json:"filt"`
	Visibility string  `json:"visibility,omitempty"`
}

// Summary is the structured form of a plan notification, published as JSON
// by the message-bus sinks.
type Summary struct {
	Key      string         `json:"key"`
	Kind     string         `json:"kind"`
	PlanID   int64          `json:"plan_id"`
	Dateobs  string         `json:"dateobs"`
	Name     string         `json:"plan_name"`
	Event    string         `json:"event"`
	PlanFile string         `json:"plan_file"`
	Fields   []FieldSummary `json:"fields"`
	SentAt   time.Time      `json:"sent_at"`
}

// Message is a rendered notification.
type Message struct {
	Subject     string
	Text        string
	Summary     Summary
	Attachments []Attachment
}

// Sink delivers messages to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Summarize renders the operator summary of a plan. fields must be in rank
// order; records may be nil or miss fields, which are then listed without a
// visibility note.
func Summarize(p plan.Plan, key string, fields plan.FieldSet, records map[int64]visibility.Record, planPath string) Message {
	title := "GRANDMA plan"
	if p.Kind == plan.KindFollowup {
		title = "GRANDMA follow-up"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s with %d pointings for event %s\n", p.Name, title, fields.Len(), p.DisplayEvent())
	fmt.Fprintf(&b, "\n%s\n", planPath)

	sum := Summary{
		Key:      key,
		Kind:     p.Kind.String(),
		PlanID:   p.ID,
		Dateobs:  p.Dateobs,
		Name:     p.Name,
		Event:    p.DisplayEvent(),
		PlanFile: filepath.Base(planPath),
	}

	for _, f := range fields.Fields() {
		fmt.Fprintf(&b, "  grid point %d with weight %.2g at %.2f %.2f", f.ID, f.Weight, f.RA, f.Dec)
		fs := FieldSummary{ID: f.ID, RA: f.RA, Dec: f.Dec, Weight: f.Weight, Filter: f.Filter}
		if rec, ok := records[f.ID]; ok {
			st := visibility.Classify(rec).String()
			fmt.Fprintf(&b, ": %s", st)
			fs.Visibility = st
		}
		b.WriteByte('\n')
		sum.Fields = append(sum.Fields, fs)
	}

	return Message{
		Subject: title + " " + p.Name,
		Text:    b.String(),
		Summary: sum,
	}
}

// SinkResult is the outcome of one sink.
type SinkResult struct {
	Sink string
	Err  error
}

// Dispatcher sends messages to all configured sinks.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Add registers another sink.
func (d *Dispatcher) Add(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Len returns the number of sinks.
func (d *Dispatcher) Len() int {
	return len(d.sinks)
}

// Dispatch sends msg to every sink in order and reports each result.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) []SinkResult {
	if msg.Summary.SentAt.IsZero() {
		msg.Summary.SentAt = time.Now().UTC()
	}
	results := make([]SinkResult, 0, len(d.sinks))
	for _, s := range d.sinks {
		err := d.send(ctx, s, msg)
		if err != nil {
			d.logger.Error("notification failed", "sink", s.Name(), "subject", msg.Subject, "error", err)
			metrics.IncNotification(s.Name(), false)
		} else {
			d.logger.Info("notification sent", "sink", s.Name(), "subject", msg.Subject)
			metrics.IncNotification(s.Name(), true)
		}
		results = append(results, SinkResult{Sink: s.Name(), Err: err})
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, s Sink, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Send(ctx, msg)
}
