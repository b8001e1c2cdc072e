package poller

import (
	"context"
	"fmt"
	"io"

	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

// ListSummary is one active field list with its visibility tonight.
type ListSummary struct {
	Key     string
	Fields  plan.FieldSet
	Records map[int64]visibility.Record
}

// Summary loads every active field list, newest first, and classifies the
// visibility of its fields. Without a telescope link records stay nil.
func (p *Poller) Summary(ctx context.Context) ([]ListSummary, error) {
	lists, err := p.deps.Store.ListFieldLists()
	if err != nil {
		return nil, err
	}

	var site *visibility.Site
	if p.deps.Telescope != nil {
		s, err := p.deps.Telescope.Site(ctx)
		if err != nil {
			p.logger.Warn("site state unavailable, listing without visibility", "error", err)
		} else {
			site = &s
		}
	}

	now := p.cfg.Now()
	out := make([]ListSummary, 0, len(lists))
	for _, l := range lists {
		fields, err := p.deps.Store.LoadFields(l.Key)
		if err != nil {
			// removed by the consumer since listing
			p.logger.Debug("field list vanished", "key", l.Key, "error", err)
			continue
		}
		fields = fields.Ranked()
		ls := ListSummary{Key: l.Key, Fields: fields}
		if site != nil {
			ls.Records = p.deps.Engine.Annotate(fields, *site, now)
		}
		out = append(out, ls)
	}
	return out, nil
}

// WriteSummary renders summaries as plain text, one block per list.
func WriteSummary(w io.Writer, lists []ListSummary) error {
	if len(lists) == 0 {
		_, err := fmt.Fprintln(w, "no active field lists")
		return err
	}
	for _, l := range lists {
		if _, err := fmt.Fprintf(w, "%s: %d fields\n", l.Key, l.Fields.Len()); err != nil {
			return err
		}
		for _, f := range l.Fields.Fields() {
			status := "visibility unknown"
			if rec, ok := l.Records[f.ID]; ok {
				status = visibility.Classify(rec).String()
			}
			if _, err := fmt.Fprintf(w, "  grid point %d with weight %.2g at %.2f %.2f: %s\n",
				f.ID, f.Weight, f.RA, f.Dec, status); err != nil {
				return err
			}
		}
	}
	return nil
}
