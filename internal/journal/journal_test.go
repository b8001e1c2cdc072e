package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/observe"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIngests(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"first", "second", "third"} {
		err := db.RecordIngest(ctx, Ingest{
			Key:       "2024-01-01T00:00:00_" + name,
			Kind:      "plan",
			PlanID:    int64(i + 1),
			Dateobs:   "2024-01-01T00:00:00",
			Name:      name,
			Fields:    i * 10,
			Outcome:   "processed",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordIngest: %v", err)
		}
	}

	got, err := db.RecentIngests(ctx, 2)
	if err != nil {
		t.Fatalf("RecentIngests: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ingests, want 2", len(got))
	}
	if got[0].Name != "third" || got[1].Name != "second" {
		t.Errorf("order = %s, %s", got[0].Name, got[1].Name)
	}
	if got[0].Fields != 20 || got[0].PlanID != 3 {
		t.Errorf("third ingest = %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("created_at = %v", got[0].CreatedAt)
	}
}

func TestPointings(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		err := db.RecordPointing(ctx, observe.Pointing{
			Key:     "2024-01-01T00:00:00_plan",
			Event:   "S240101a",
			FieldID: id,
			RA:      10,
			Dec:     -20,
			Filter:  "R",
			Frames:  2,
		})
		if err != nil {
			t.Fatalf("RecordPointing: %v", err)
		}
	}

	n, err := db.PointingCount(ctx, "2024-01-01T00:00:00_plan")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if n, _ := db.PointingCount(ctx, "other"); n != 0 {
		t.Errorf("count for other key = %d", n)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.RecordIngest(context.Background(), Ingest{Key: "k", Kind: "plan", Dateobs: "d", Name: "n", Outcome: "processed"}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	got, err := db.RecentIngests(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Key != "k" {
		t.Errorf("after reopen: %+v", got)
	}
}
