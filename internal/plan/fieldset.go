package plan

import (
	"fmt"
	"math"
	"sort"
)

// Field is one telescope pointing derived from a plan.
type Field struct {
	ID           int64
	RA           float64 // degrees, [0, 360)
	Dec          float64 // degrees, [-90, 90]
	Weight       float64 // priority, higher first
	Filter       string
	ExposureTime float64 // seconds
	Repeat       int
}

// Validate checks the field invariants.
func (f Field) Validate() error {
	switch {
	case math.IsNaN(f.RA) || f.RA < 0 || f.RA >= 360:
		return fmt.Errorf("field %d: ra %v outside [0, 360)", f.ID, f.RA)
	case math.IsNaN(f.Dec) || f.Dec < -90 || f.Dec > 90:
		return fmt.Errorf("field %d: dec %v outside [-90, 90]", f.ID, f.Dec)
	case math.IsNaN(f.Weight) || f.Weight < 0:
		return fmt.Errorf("field %d: negative weight %v", f.ID, f.Weight)
	}
	return nil
}

// FieldSet is an immutable collection of fields. Mutating operations return
// a new set and leave the receiver untouched.
type FieldSet struct {
	fields []Field
}

// NewFieldSet returns a set holding a copy of fields in the given order.
func NewFieldSet(fields []Field) FieldSet {
	return FieldSet{fields: append([]Field(nil), fields...)}
}

// FromPlan flattens every planned observation into a Field carrying the
// descriptor position plus the observation's weight, filter and exposure,
// and repeat as the per-field repeat count.
func FromPlan(p Plan, repeat int) FieldSet {
	if repeat < 1 {
		repeat = 1
	}
	fields := make([]Field, 0, len(p.Observations))
	for _, obs := range p.Observations {
		fields = append(fields, Field{
			ID:           obs.Field.ID,
			RA:           normalizeRA(obs.Field.RA),
			Dec:          obs.Field.Dec,
			Weight:       obs.Weight,
			Filter:       obs.Filter,
			ExposureTime: obs.ExposureTime,
			Repeat:       repeat,
		})
	}
	return FieldSet{fields: fields}
}

func normalizeRA(ra float64) float64 {
	if ra >= 0 && ra < 360 {
		return ra
	}
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

// Len returns the number of fields.
func (s FieldSet) Len() int { return len(s.fields) }

// Empty reports whether the set has no fields.
func (s FieldSet) Empty() bool { return len(s.fields) == 0 }

// Fields returns a copy of the fields in set order.
func (s FieldSet) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Get returns the field with the given id.
func (s FieldSet) Get(id int64) (Field, bool) {
	for _, f := range s.fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Ranked returns the fields ordered by descending weight. Equal weights keep
// their original order.
func (s FieldSet) Ranked() FieldSet {
	out := s.Fields()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight > out[j].Weight
	})
	return FieldSet{fields: out}
}

// Remove returns a set without the field with the given id.
func (s FieldSet) Remove(id int64) FieldSet {
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		if f.ID != id {
			out = append(out, f)
		}
	}
	return FieldSet{fields: out}
}

// Without returns a set lacking the first row equal to f. Rows sharing f's id
// but differing in filter or exposure are kept.
func (s FieldSet) Without(f Field) FieldSet {
	out := make([]Field, 0, len(s.fields))
	removed := false
	for _, g := range s.fields {
		if !removed && g == f {
			removed = true
			continue
		}
		out = append(out, g)
	}
	return FieldSet{fields: out}
}

// Limit returns the first n fields in rank order; n <= 0 means no limit.
func (s FieldSet) Limit(n int) FieldSet {
	ranked := s.Ranked()
	if n <= 0 || ranked.Len() <= n {
		return ranked
	}
	return FieldSet{fields: ranked.fields[:n]}
}

// Valid splits off fields violating the invariants, returning the valid
// subset and one error per rejected field.
func (s FieldSet) Valid() (FieldSet, []error) {
	var errs []error
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		if err := f.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, f)
	}
	return FieldSet{fields: out}, errs
}
