package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Followup is a single-target follow-up request: one sky position with a
// flat list of filters and an exposure count instead of a tiled field grid.
type Followup struct {
	ID        int64           `json:"id"`
	ObjID     string          `json:"obj_id"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
	Obj       FollowupTarget  `json:"obj"`
	Payload   FollowupPayload `json:"payload"`

	Raw json.RawMessage `json:"-"`
}

// FollowupTarget is the source a follow-up request points at.
type FollowupTarget struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// FollowupPayload holds the instrument-specific request parameters.
type FollowupPayload struct {
	Priority       flexFloat   `json:"priority"`
	StartDate      string      `json:"start_date"`
	EndDate        string      `json:"end_date"`
	Filters        flexStrings `json:"filters"`
	ExposureTime   flexFloat   `json:"exposure_time"`
	ExposureCounts flexFloat   `json:"exposure_counts"`
}

// DecodeFollowup parses a follow-up request payload, keeping the raw bytes.
func DecodeFollowup(raw []byte) (Followup, error) {
	var f Followup
	if err := json.Unmarshal(raw, &f); err != nil {
		return Followup{}, fmt.Errorf("decoding followup request: %w", err)
	}
	if f.ID == 0 {
		return Followup{}, fmt.Errorf("%w: followup request without id", ErrInvalidPlan)
	}
	f.Raw = append(json.RawMessage(nil), raw...)
	return f, nil
}

// Timestamp returns the request's start date, falling back to its creation
// time. ok is false when the request carries neither.
func (f Followup) Timestamp() (t time.Time, ok bool) {
	for _, s := range []string{f.Payload.StartDate, f.CreatedAt} {
		if s == "" {
			continue
		}
		if t, err := ParseTime(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ToPlan converts the request into a Plan with one observation per filter.
// Every observation shares the target position and the exposure count
// becomes the plan's repeat override.
//
// A request without timestamps is dated now but keyed by its id alone, so
// it is still recognised on later polls.
func (f Followup) ToPlan(now time.Time) Plan {
	name := fmt.Sprintf("followup %d", f.ID)
	ts, dated := f.Timestamp()
	if !dated {
		ts = now.UTC().Truncate(time.Second)
	}
	dateobs := FormatTime(ts)
	namespace := dateobs + "_" + strings.ReplaceAll(name, " ", "_")
	artifact := ""
	if !dated {
		artifact = fmt.Sprintf("followup_%d", f.ID)
		namespace = artifact
	}

	filters := []string(f.Payload.Filters)
	if len(filters) == 0 {
		filters = []string{""}
	}

	obs := make([]PlannedObservation, 0, len(filters))
	for i, filt := range filters {
		obs = append(obs, PlannedObservation{
			Field: FieldDescriptor{
				// Field ids must be unique within the list.
				ID:  f.ID*100 + int64(i),
				RA:  f.Obj.RA,
				Dec: f.Obj.Dec,
			},
			Weight:       float64(f.Payload.Priority),
			Filter:       filt,
			ExposureTime: float64(f.Payload.ExposureTime),
		})
	}

	return Plan{
		ID:           f.ID,
		Dateobs:      dateobs,
		Name:         name,
		Observations: obs,
		Kind:         KindFollowup,
		Raw:          f.Raw,
		EventName:    f.ObjID,
		Repeat:       f.Repeat(),
		namespace:    namespace,
		artifact:     artifact,
	}
}

// Repeat returns the requested exposure count per filter, at least 1.
func (f Followup) Repeat() int {
	n := int(f.Payload.ExposureCounts)
	if n < 1 {
		return 1
	}
	return n
}

// flexFloat accepts a JSON number, a numeric string or null.
type flexFloat float64

func (v *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*v = flexFloat(f)
	return nil
}

// flexStrings accepts a JSON string list, a single string or null.
type flexStrings []string

func (v *flexStrings) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*v = list
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return fmt.Errorf("filters: %w", err)
	}
	if one == "" {
		*v = nil
		return nil
	}
	*v = strings.Split(one, ",")
	return nil
}
