package observe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/horizon"
	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/store"
	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

var (
	nightBegin = time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	nightEnd   = time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	clock      = time.Date(2024, 1, 1, 20, 30, 0, 0, time.UTC)
)

// Positions by right ascension.
const (
	raVisible = 10 // up now and all night
	raNever   = 20 // never up
	raLater   = 30 // up later tonight only
	raBroken  = 40 // transform fails
)

type scripted struct{}

func (scripted) AltAz(ra, dec float64, t time.Time, site visibility.Site) (float64, float64, error) {
	switch ra {
	case raVisible:
		return 60, 180, nil
	case raLater:
		if t.Equal(clock) {
			return 0, 180, nil
		}
		return 45, 180, nil
	case raBroken:
		return 0, 0, errors.New("no ephemeris")
	}
	return -30, 180, nil
}

type fixedSite struct{}

func (fixedSite) Site(context.Context) (visibility.Site, error) {
	return visibility.NewSite(0, 0, 0, nightBegin, nightEnd), nil
}

type fakeTelescope struct {
	points    []float64
	exposures []string
	disabled  int
	pointErr  error
	onPoint   func()
}

func (f *fakeTelescope) Point(_ context.Context, ra, dec float64) error {
	f.points = append(f.points, ra)
	if f.onPoint != nil {
		f.onPoint()
	}
	return f.pointErr
}

func (f *fakeTelescope) Expose(_ context.Context, object, filter string, seconds float64) error {
	f.exposures = append(f.exposures, object+"/"+filter)
	return nil
}

func (f *fakeTelescope) DisableTarget(context.Context) error {
	f.disabled++
	return nil
}

type recorder struct{ pointings []Pointing }

func (r *recorder) RecordPointing(_ context.Context, p Pointing) error {
	r.pointings = append(r.pointings, p)
	return nil
}

func setup(t *testing.T, lists map[string][]plan.Field) *store.Store {
	t.Helper()
	st := store.New(t.TempDir(), store.NewMemoryKeys(), testLogger)
	for key, fields := range lists {
		if _, err := st.WriteFields(key, plan.NewFieldSet(fields)); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func newRunner(st *store.Store, tel Telescope, rec PointingRecorder, max int) *Runner {
	engine := visibility.NewEngine(horizon.Constant(10), testLogger, visibility.WithTransformer(scripted{}))
	return NewRunner(st, engine, tel, fixedSite{}, rec, Config{
		MaxPointings: max,
		Now:          func() time.Time { return clock },
	}, testLogger)
}

func TestRunMixedList(t *testing.T) {
	key := "2024-01-01T00:00:00_plan"
	st := setup(t, map[string][]plan.Field{key: {
		{ID: 4, RA: raBroken, Dec: 0, Weight: 4, Repeat: 1},
		{ID: 1, RA: raVisible, Dec: 0, Weight: 3, Filter: "R", Repeat: 2},
		{ID: 2, RA: raNever, Dec: 0, Weight: 2, Repeat: 1},
		{ID: 3, RA: raLater, Dec: 0, Weight: 1, Repeat: 1},
	}})
	tel := &fakeTelescope{}
	rec := &recorder{}

	rep, err := newRunner(st, tel, rec, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := Report{Lists: 1, Pointings: 1, Removed: 1, Skipped: 1, Unknown: 1}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
	if len(tel.points) != 1 || tel.points[0] != raVisible {
		t.Errorf("points = %v", tel.points)
	}
	// Event name falls back to the key when no plan file exists.
	wantObject := "GRANDMA_" + key + "_1/R"
	if len(tel.exposures) != 2 || tel.exposures[0] != wantObject {
		t.Errorf("exposures = %v, want 2 x %s", tel.exposures, wantObject)
	}
	if len(rec.pointings) != 1 || rec.pointings[0].FieldID != 1 || rec.pointings[0].Frames != 2 {
		t.Errorf("recorded pointings = %+v", rec.pointings)
	}

	left, err := st.LoadFields(key)
	if err != nil {
		t.Fatal(err)
	}
	if left.Len() != 2 {
		t.Fatalf("%d fields left, want 2", left.Len())
	}
	for _, id := range []int64{3, 4} {
		if _, ok := left.Get(id); !ok {
			t.Errorf("field %d should remain", id)
		}
	}
	if tel.disabled != 0 {
		t.Error("target disabled while fields remain")
	}
}

func TestRunPointingErrorKeepsField(t *testing.T) {
	key := "2024-01-01T00:00:00_plan"
	st := setup(t, map[string][]plan.Field{key: {{ID: 1, RA: raVisible, Weight: 1, Repeat: 1}}})
	tel := &fakeTelescope{pointErr: errors.New("mount stuck")}

	rep, err := newRunner(st, tel, nil, 0).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.PointErrors != 1 || rep.Pointings != 0 {
		t.Errorf("report = %+v", rep)
	}
	if len(tel.exposures) != 0 {
		t.Error("exposed after failed slew")
	}
	left, err := st.LoadFields(key)
	if err != nil || left.Len() != 1 {
		t.Errorf("field list after failed slew: %v, %v", left.Len(), err)
	}
}

func TestRunConsumesAndDisables(t *testing.T) {
	key := "2024-01-01T00:00:00_plan"
	st := setup(t, map[string][]plan.Field{key: {
		{ID: 1, RA: raVisible, Weight: 2, Repeat: 1},
		{ID: 2, RA: raNever, Weight: 1, Repeat: 1},
	}})
	raw := `{"dateobs":"2024-01-01T00:00:00","plan_name":"plan","planned_observations":[]}`
	p, err := plan.Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Record(p); err != nil {
		t.Fatal(err)
	}
	tel := &fakeTelescope{}

	rep, err := newRunner(st, tel, nil, 0).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Disabled || tel.disabled != 1 {
		t.Errorf("target not disabled: %+v", rep)
	}
	if _, err := os.Stat(st.FieldsPath(key)); !os.IsNotExist(err) {
		t.Errorf("consumed field list still present: %v", err)
	}
	if len(tel.exposures) != 1 || tel.exposures[0] != "GRANDMA_2024-01-01T00:00:00_1/" {
		t.Errorf("exposures = %v", tel.exposures)
	}
}

func TestRunPointingLimitNewestFirst(t *testing.T) {
	older := "2024-01-01T00:00:00_a"
	newer := "2024-02-01T00:00:00_b"
	st := setup(t, map[string][]plan.Field{
		older: {{ID: 1, RA: raVisible, Weight: 1, Repeat: 1}},
		newer: {
			{ID: 2, RA: raVisible, Weight: 1, Repeat: 1},
			{ID: 3, RA: raVisible, Weight: 5, Repeat: 1},
		},
	})
	tel := &fakeTelescope{}
	rec := &recorder{}

	rep, err := newRunner(st, tel, rec, 1).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Pointings != 1 || rep.Lists != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(rec.pointings) != 1 || rec.pointings[0].Key != newer || rec.pointings[0].FieldID != 3 {
		t.Errorf("pointings = %+v, want field 3 of newest list", rec.pointings)
	}
	if _, err := st.LoadFields(older); err != nil {
		t.Errorf("older list touched: %v", err)
	}
}

func TestRunKeepsOtherFilterOfSameField(t *testing.T) {
	key := "2024-01-01T00:00:00_plan"
	st := setup(t, map[string][]plan.Field{key: {
		{ID: 5, RA: raVisible, Weight: 1, Filter: "B", ExposureTime: 60, Repeat: 1},
		{ID: 5, RA: raVisible, Weight: 1, Filter: "R", ExposureTime: 60, Repeat: 1},
	}})
	tel := &fakeTelescope{}

	rep, err := newRunner(st, tel, nil, 1).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Pointings != 1 {
		t.Fatalf("report = %+v", rep)
	}

	left, err := st.LoadFields(key)
	if err != nil {
		t.Fatalf("field list lost: %v", err)
	}
	rows := left.Fields()
	if len(rows) != 1 || rows[0].ID != 5 || rows[0].Filter != "R" {
		t.Errorf("remaining rows = %+v, want field 5 in R", rows)
	}
}

func TestRunAbandonsSupersededList(t *testing.T) {
	key := "2024-01-01T00:00:00_plan"
	st := setup(t, map[string][]plan.Field{key: {
		{ID: 1, RA: raVisible, Weight: 2, Repeat: 1},
		{ID: 2, RA: raVisible, Weight: 1, Repeat: 1},
	}})
	tel := &fakeTelescope{}
	tel.onPoint = func() {
		// A newer plan for the same event arrives while slewing.
		st.Supersede("2024-01-01T00:00:00")
	}

	rep, err := newRunner(st, tel, nil, 0).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Abandoned != 1 {
		t.Errorf("report = %+v, want one abandoned list", rep)
	}
	if len(tel.points) != 1 {
		t.Errorf("kept pointing at a superseded list: %v", tel.points)
	}
	if _, err := os.Stat(st.FieldsPath(key)); !os.IsNotExist(err) {
		t.Errorf("superseded list resurrected: %v", err)
	}
}
