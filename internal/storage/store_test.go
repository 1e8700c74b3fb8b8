package storage

import (
	"context"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var ctx = context.Background()

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &Store{driver: DriverSQLite}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", q)
	}
}

func TestCreateAndFindUnique(t *testing.T) {
	s := openTestStore(t)

	created, err := s.Create(ctx, ModelEntry, Record{
		"user_id": "u1",
		"date":    "2025-03-01",
		"content": "Shipped the billing migration",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.String("id") == "" {
		t.Fatal("Create did not assign an id")
	}
	if created.String("created_at") == "" || created.String("updated_at") == "" {
		t.Error("Create did not fill timestamps")
	}

	got, err := s.FindUnique(ctx, ModelEntry, Filter{"user_id": "u1", "date": "2025-03-01"})
	if err != nil {
		t.Fatalf("FindUnique: %v", err)
	}
	if got.String("content") != "Shipped the billing migration" {
		t.Errorf("content = %q", got.String("content"))
	}
	if got["sentiment"] != nil {
		t.Errorf("sentiment = %v, want nil", got["sentiment"])
	}
}

func TestFindUnique_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.FindUnique(ctx, ModelEntry, Filter{"user_id": "u1", "date": "1999-01-01"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCreate_DuplicateNaturalKey(t *testing.T) {
	s := openTestStore(t)

	rec := Record{"user_id": "u1", "date": "2025-03-01", "content": "first"}
	if _, err := s.Create(ctx, ModelEntry, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Create(ctx, ModelEntry, Record{"user_id": "u1", "date": "2025-03-01", "content": "second"})
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false", err)
	}
}

func TestUnknownModelAndColumn(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Count(ctx, "invoice", nil); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Count(invoice) error = %v, want ErrUnknownModel", err)
	}
	if _, err := s.Count(ctx, ModelEntry, Filter{"colour": "red"}); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("Count with bad column error = %v, want ErrUnknownColumn", err)
	}
}

func TestCountAndFindMany(t *testing.T) {
	s := openTestStore(t)

	for _, d := range []string{"2025-01-01", "2025-01-02", "2025-01-03"} {
		if _, err := s.Create(ctx, ModelEntry, Record{"user_id": "u1", "date": d, "content": d}); err != nil {
			t.Fatalf("Create %s: %v", d, err)
		}
	}
	if _, err := s.Create(ctx, ModelEntry, Record{"user_id": "u2", "date": "2025-01-01", "content": "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := s.Count(ctx, ModelEntry, nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("global count = %d, want 4", n)
	}

	n, err = s.Count(ctx, ModelEntry, Filter{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("u1 count = %d, want 3", n)
	}

	recs, err := s.FindMany(ctx, ModelEntry, Query{
		Where:   Filter{"user_id": "u1", "date": Range{From: "2025-01-02"}},
		OrderBy: "date",
		Desc:    true,
	})
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("FindMany returned %d records, want 2", len(recs))
	}
	if recs[0].String("date") != "2025-01-03" {
		t.Errorf("first date = %q, want 2025-01-03", recs[0].String("date"))
	}

	recs, err = s.FindMany(ctx, ModelEntry, Query{
		Where: Filter{"date": []string{"2025-01-01", "2025-01-03"}},
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("FindMany IN: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("FindMany IN returned %d records, want 3", len(recs))
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Create(ctx, ModelEntry, Record{"user_id": "u1", "date": "2025-02-01", "content": "draft"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.Update(ctx, ModelEntry,
		Filter{"user_id": "u1", "date": "2025-02-01"},
		Record{"content": "final", "sentiment": 0.5},
	)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.String("content") != "final" {
		t.Errorf("content = %q, want final", updated.String("content"))
	}
	if updated.Float("sentiment") != 0.5 {
		t.Errorf("sentiment = %v, want 0.5", updated["sentiment"])
	}

	_, err = s.Update(ctx, ModelEntry, Filter{"user_id": "u1", "date": "2000-01-01"}, Record{"content": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing row error = %v, want ErrNotFound", err)
	}
}

func TestUpsert(t *testing.T) {
	s := openTestStore(t)
	where := Filter{"user_id": "u1", "name": "Go"}

	first, err := s.Upsert(ctx, ModelSkill, where,
		Record{"category": "language", "mentions": 1},
		Record{"mentions": 1},
	)
	if err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	if first.Int("mentions") != 1 {
		t.Errorf("mentions = %d, want 1", first.Int("mentions"))
	}

	second, err := s.Upsert(ctx, ModelSkill, where,
		Record{"category": "language", "mentions": 1},
		Record{"mentions": 2},
	)
	if err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	if second.String("id") != first.String("id") {
		t.Error("Upsert created a second row instead of updating")
	}
	if second.Int("mentions") != 2 {
		t.Errorf("mentions = %d, want 2", second.Int("mentions"))
	}

	if _, err := s.Upsert(ctx, ModelSkill, Filter{"name": "Go"}, Record{}, Record{}); err == nil {
		t.Error("expected error for non-unique upsert target")
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Create(ctx, ModelProject, Record{"user_id": "u1", "name": "Atlas"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	deleted, err := s.Delete(ctx, ModelProject, Filter{"user_id": "u1", "name": "Atlas"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted.String("name") != "Atlas" {
		t.Errorf("deleted name = %q", deleted.String("name"))
	}
	if _, err := s.Delete(ctx, ModelProject, Filter{"user_id": "u1", "name": "Atlas"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestAverage(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Average(ctx, ModelEntry, "sentiment", Filter{"user_id": "u1"}); err != nil || ok {
		t.Fatalf("Average on empty table = ok:%v err:%v, want ok:false", ok, err)
	}

	for i, v := range []float64{0.2, 0.6} {
		_, err := s.Create(ctx, ModelEntry, Record{
			"user_id": "u1", "date": []string{"2025-01-01", "2025-01-02"}[i], "content": "c", "sentiment": v,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	avg, ok, err := s.Average(ctx, ModelEntry, "sentiment", Filter{"user_id": "u1"})
	if err != nil || !ok {
		t.Fatalf("Average: ok=%v err=%v", ok, err)
	}
	if avg < 0.39 || avg > 0.41 {
		t.Errorf("avg = %v, want 0.4", avg)
	}
}

func TestNormalize(t *testing.T) {
	m, err := LookupModel(ModelProject)
	if err != nil {
		t.Fatal(err)
	}
	rec := m.Normalize(Record{"mentions": float64(3), "name": []byte("Atlas"), "extra": 1.5})
	if v, ok := rec["mentions"].(int64); !ok || v != 3 {
		t.Errorf("mentions = %#v, want int64(3)", rec["mentions"])
	}
	if rec["name"] != "Atlas" {
		t.Errorf("name = %#v, want \"Atlas\"", rec["name"])
	}
	if rec["extra"] != 1.5 {
		t.Errorf("unknown column was modified: %#v", rec["extra"])
	}
}
