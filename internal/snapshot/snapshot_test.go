package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/branchops/impact/internal/api"
)

func record(iv, branch string, score float64) *Record {
	return NewRecord(&api.BranchPerformanceResult{
		InterventionID: iv,
		BranchID:       branch,
		Score:          score,
		Verdict:        api.VerdictNeutral,
	}, "run-1", "hash", time.Date(2024, 7, 11, 9, 0, 0, 0, time.UTC))
}

func TestMemoryStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Upsert(ctx, record("ev-1", "b1", 40)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, record("ev-1", "b1", 55)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Get(ctx, "ev-1", "b1")
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.Result.Score != 55 {
		t.Errorf("Score = %v, want 55 (last write)", got.Result.Score)
	}

	recs, _ := s.List(ctx, "ev-1")
	if len(recs) != 1 {
		t.Errorf("List returned %d records, want 1", len(recs))
	}

	if missing, _ := s.Get(ctx, "ev-1", "b9"); missing != nil {
		t.Error("Get of unknown branch should return nil")
	}
}

func TestMemoryStore_ListOrderAndScope(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore("")
	for _, b := range []string{"b3", "b1", "b2"} {
		if err := s.Upsert(ctx, record("ev-1", b, 10)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Upsert(ctx, record("ev-2", "b1", 10)); err != nil {
		t.Fatal(err)
	}

	recs, err := s.List(ctx, "ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("List returned %d records, want 3", len(recs))
	}
	for i, want := range []string{"b1", "b2", "b3"} {
		if recs[i].Result.BranchID != want {
			t.Errorf("recs[%d] = %s, want %s", i, recs[i].Result.BranchID, want)
		}
	}
}

func TestMemoryStore_FileSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.json")

	s, err := NewMemoryStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, record("ev-1", "b1", 72)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _ := reopened.Get(ctx, "ev-1", "b1")
	if got == nil || got.Result.Score != 72 || got.SchemaVersion != api.SnapshotSchema {
		t.Errorf("reloaded record = %+v", got)
	}
}

func TestRecordValidate(t *testing.T) {
	if err := (&Record{SchemaVersion: api.SnapshotSchema}).Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("missing result: got %v", err)
	}

	r := record("ev-1", "b1", 1)
	r.SchemaVersion = "impact.snapshot/v0"
	if err := r.Validate(); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("old schema: got %v", err)
	}

	s, _ := NewMemoryStore("")
	if err := s.Upsert(context.Background(), r); err == nil {
		t.Error("Upsert should reject a mismatched schema")
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src, _ := NewMemoryStore("")
	dst, _ := NewMemoryStore("")
	for _, b := range []string{"b1", "b2"} {
		if err := src.Upsert(ctx, record("ev-1", b, 20)); err != nil {
			t.Fatal(err)
		}
	}

	var calls int
	n, err := Copy(ctx, src, dst, "ev-1", func(done, total int) { calls++ })
	if err != nil || n != 2 || calls != 2 {
		t.Fatalf("Copy = %d, %v (progress calls %d)", n, err, calls)
	}
	if got, _ := dst.Get(ctx, "ev-1", "b2"); got == nil {
		t.Error("b2 missing from destination")
	}
}

func TestRedisIndexKeyOutsideRecordNamespace(t *testing.T) {
	for _, branch := range []string{"branches", "idx", ""} {
		if key("ev-1", branch) == indexKey("ev-1") {
			t.Errorf("record key for branch %q collides with the index set", branch)
		}
	}
	if !strings.HasPrefix(key("ev-1", "b1"), "perf:") || strings.HasPrefix(indexKey("ev-1"), "perf:") {
		t.Errorf("keys %q / %q share a namespace", key("ev-1", "b1"), indexKey("ev-1"))
	}
}
