package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

func openTestSQLite(t *testing.T, seed bool) *SQLite {
	t.Helper()
	s, err := OpenSQLite(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "catalog.db"), Seed: seed}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSeedAndList(t *testing.T) {
	t.Parallel()
	s := openTestSQLite(t, true)
	ctx := context.Background()

	got, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 || got[0].Code != "DETROIT_METRO" || got[1].Code != "LOSANGELES_METRO" {
		t.Fatalf("ListActive = %+v", got)
	}
	if got[0].BBox.MinLng != -83.7 || got[0].CronSchedule != "0 3 * * *" {
		t.Fatalf("detroit row = %+v", got[0])
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatal("created_at not round-tripped")
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSQLiteUpsertAndActiveFlag(t *testing.T) {
	t.Parallel()
	s := openTestSQLite(t, false)
	ctx := context.Background()

	if err := s.Upsert(ctx, region.Region{ID: "r1", Code: "A", CronSchedule: "0 3 * * *", Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(ctx, region.Region{ID: "r1", Code: "A", CronSchedule: "0 4 * * *", Active: true, Name: "Alpha"}); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	r, ok, err := s.GetByCode(ctx, "A", false)
	if err != nil || !ok {
		t.Fatalf("GetByCode: %v %v", ok, err)
	}
	if r.CronSchedule != "0 4 * * *" || r.Name != "Alpha" {
		t.Fatalf("after update = %+v", r)
	}

	if err := s.SetActive(ctx, "A", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, ok, _ := s.GetByCode(ctx, "A", false); ok {
		t.Fatal("inactive region visible without includeInactive")
	}
	if r, ok, _ := s.GetByCode(ctx, "A", true); !ok || r.Active {
		t.Fatalf("forced lookup = %+v %v", r, ok)
	}
	got, _ := s.ListActive(ctx)
	if len(got) != 0 {
		t.Fatalf("ListActive = %+v", got)
	}
}

func TestSQLiteSeedSkipsNonEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "catalog.db")
	s, err := OpenSQLite(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(context.Background(), region.Region{ID: "x", Code: "X", CronSchedule: "@hourly", Active: true}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s2, err := OpenSQLite(Config{Path: path, Seed: true}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, _ := s2.ListActive(context.Background())
	if len(got) != 1 || got[0].Code != "X" {
		t.Fatalf("seed should not touch a populated catalog: %+v", got)
	}
}
