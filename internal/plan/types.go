// Package plan holds the broker's observation plan payloads and the ranked
// field lists derived from them.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes tiled observation plans from single-target follow-up requests.
type Kind int

const (
	KindPlan Kind = iota
	KindFollowup
)

func (k Kind) String() string {
	if k == KindFollowup {
		return "followup"
	}
	return "plan"
}

// FieldDescriptor is the sky tile embedded in a planned observation.
type FieldDescriptor struct {
	ID  int64   `json:"id"`
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// PlannedObservation is one entry of a plan's planned_observations list.
type PlannedObservation struct {
	Field        FieldDescriptor `json:"field"`
	Weight       float64         `json:"weight"`
	Filter       string          `json:"filt"`
	ExposureTime float64         `json:"exposure_time"`
}

// Plan is an observation plan issued by the broker for one transient event.
// Raw keeps the payload exactly as received.
type Plan struct {
	ID             int64                `json:"id"`
	EventID        int64                `json:"gcnevent_id"`
	LocalizationID int64                `json:"localization_id"`
	Dateobs        string               `json:"dateobs"`
	Name           string               `json:"plan_name"`
	Observations   []PlannedObservation `json:"planned_observations"`

	Kind      Kind            `json:"-"`
	Raw       json.RawMessage `json:"-"`
	EventName string          `json:"-"`
	Repeat    int             `json:"-"` // overrides the configured repeat count when positive

	// namespace overrides Dateobs as the supersede prefix.
	namespace string
	// artifact fixes the artifact name instead of deriving it from
	// Dateobs and Name.
	artifact string
}

// ErrInvalidPlan is returned for payloads missing the fields that key a plan.
var ErrInvalidPlan = errors.New("invalid plan")

// Decode parses a plan payload, keeping a copy of the raw bytes.
func Decode(raw []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return Plan{}, fmt.Errorf("decoding plan: %w", err)
	}
	if p.Dateobs == "" || p.Name == "" {
		return Plan{}, fmt.Errorf("%w: dateobs and plan_name are required", ErrInvalidPlan)
	}
	if _, err := ParseTime(p.Dateobs); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	p.Raw = append(json.RawMessage(nil), raw...)
	p.Kind = KindPlan
	return p, nil
}

// EventTime returns the parsed event timestamp.
func (p Plan) EventTime() time.Time {
	t, _ := ParseTime(p.Dateobs)
	return t
}

// Namespace returns the prefix shared by all artifacts of the plan's event.
// A newer plan for the same namespace supersedes the older field lists.
func (p Plan) Namespace() string {
	if p.namespace != "" {
		return p.namespace
	}
	return p.Dateobs
}

// Artifact returns the fixed artifact name of the plan, or "" when the name
// derives from dateobs and plan name.
func (p Plan) Artifact() string {
	return p.artifact
}

// DisplayEvent returns the event alias when known, falling back to dateobs.
func (p Plan) DisplayEvent() string {
	if p.EventName != "" {
		return p.EventName
	}
	return p.Dateobs
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses broker timestamps. Timestamps without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTime renders t the way the broker writes dateobs.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}
