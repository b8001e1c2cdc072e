package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/karpov-sv/fram-grandma/internal/plan"
)

type fileEnvelope struct {
	Data *struct {
		Requests []struct {
			LocalizationID int64             `json:"localization_id"`
			Plans          []json.RawMessage `json:"observation_plans"`
		} `json:"requests"`
	} `json:"data"`
}

// DecodeFile parses a plan file saved from the broker: either a bare plan or
// a full observation_plan response.
func DecodeFile(raw []byte) ([]plan.Plan, error) {
	raw = bytes.TrimSpace(raw)

	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding plan file: %w", err)
	}
	if env.Data == nil {
		p, err := plan.Decode(raw)
		if err != nil {
			return nil, err
		}
		return []plan.Plan{p}, nil
	}

	var plans []plan.Plan
	for _, req := range env.Data.Requests {
		for _, r := range req.Plans {
			p, err := plan.Decode(r)
			if err != nil {
				return nil, err
			}
			if p.LocalizationID == 0 {
				p.LocalizationID = req.LocalizationID
			}
			plans = append(plans, p)
		}
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no observation plans in file", plan.ErrInvalidPlan)
	}
	return plans, nil
}

// ProcessFile runs every plan in a local file through the pipeline. The
// broker is not queried and the age and known checks are skipped, so a plan
// can be re-processed on demand.
func (p *Poller) ProcessFile(ctx context.Context, path string) ([]Outcome, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	plans, err := DecodeFile(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	p.logger.Info("processing plan file", "path", path, "plans", len(plans))
	outcomes := make([]Outcome, 0, len(plans))
	for _, pl := range plans {
		outcomes = append(outcomes, p.process(ctx, pl, false))
	}
	return outcomes, nil
}
