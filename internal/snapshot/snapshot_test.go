package snapshot

import (
	"context"
	"os"
	"testing"
)

func TestOpenCreatesFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Path() != Path(dir, "") {
		t.Errorf("Path() = %q; want %q", s.Path(), Path(dir, ""))
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("snapshot file not created by Open: %v", err)
	}
}

func TestRestoreEmptyStoreReturnsNotOK(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, ok, err := s.Restore(ctx, 1<<20)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok {
		t.Error("Restore on a never-saved store should return ok=false")
	}
}

func TestSaveThenRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rows := []Row{
		{ObjectID: 1, ActualVersion: 10, State: []byte("abc"), Frequency: 3},
		{ObjectID: 2, ActualVersion: 20, State: []byte("def"), Frequency: 1},
	}
	cp := [2]uint64{5, 2}
	if _, err := s.Save(ctx, rows, &cp, 1<<20); err != nil {
		t.Fatalf("Save: %v", err)
	}

	result, ok, err := s.Restore(ctx, 1<<20)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatal("Restore should find the just-saved snapshot")
	}
	if result.CP0 != 5 || result.CP1 != 2 {
		t.Errorf("checkpoints = (%d, %d); want (5, 2)", result.CP0, result.CP1)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("len(Entries) = %d; want 2", len(result.Entries))
	}

	byObjectID := make(map[uint64]IndexedRow, len(result.Entries))
	for _, e := range result.Entries {
		byObjectID[e.ObjectID] = e
	}
	if e := byObjectID[1]; string(e.State) != "abc" || e.ActualVersion != 10 {
		t.Errorf("object 1 = %+v; want state=abc version=10", e)
	}
	if e := byObjectID[2]; string(e.State) != "def" || e.ActualVersion != 20 {
		t.Errorf("object 2 = %+v; want state=def version=20", e)
	}
}

// TestSaveMonotonicMerge covers spec.md property P7: a newer version
// overwrites the stored row and frequencies accumulate; an older or equal
// version leaves the stored row unchanged.
func TestSaveMonotonicMerge(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Save(ctx, []Row{{ObjectID: 5, ActualVersion: 100, State: []byte("old"), Frequency: 2}}, nil, 1<<20); err != nil {
		t.Fatalf("Save (seed): %v", err)
	}

	if _, err := s.Save(ctx, []Row{{ObjectID: 5, ActualVersion: 200, State: []byte("new"), Frequency: 3}}, nil, 1<<20); err != nil {
		t.Fatalf("Save (newer): %v", err)
	}

	result, ok, err := s.Restore(ctx, 1<<20)
	if err != nil || !ok {
		t.Fatalf("Restore: ok=%v err=%v", ok, err)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("len(Entries) = %d; want 1", len(result.Entries))
	}
	got := result.Entries[0]
	if got.ActualVersion != 200 || string(got.State) != "new" || got.Frequency != 5 {
		t.Errorf("merged row = %+v; want version=200 state=new frequency=5", got)
	}

	if _, err := s.Save(ctx, []Row{{ObjectID: 5, ActualVersion: 150, State: []byte("stale"), Frequency: 9}}, nil, 1<<20); err != nil {
		t.Fatalf("Save (stale): %v", err)
	}
	result, ok, err = s.Restore(ctx, 1<<20)
	if err != nil || !ok {
		t.Fatalf("Restore: ok=%v err=%v", ok, err)
	}
	got = result.Entries[0]
	if got.ActualVersion != 200 || string(got.State) != "new" {
		t.Errorf("stale write should not change the stored row, got %+v", got)
	}
}

func TestResetClearsTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Save(ctx, []Row{{ObjectID: 1, ActualVersion: 1, State: []byte("x"), Frequency: 1}}, nil, 1<<20); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	_, ok, err := s.Restore(ctx, 1<<20)
	if err != nil {
		t.Fatalf("Restore after reset: %v", err)
	}
	if ok {
		t.Error("Restore after Reset should find no snapshot")
	}
}

func TestOverwriteOnOpenDropsPriorData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Save(ctx, []Row{{ObjectID: 1, ActualVersion: 1, State: []byte("x"), Frequency: 1}}, nil, 1<<20); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, dir, "", true)
	if err != nil {
		t.Fatalf("Open (overwrite): %v", err)
	}
	defer s2.Close()

	_, ok, err := s2.Restore(ctx, 1<<20)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok {
		t.Error("Open(overwrite=true) should have dropped the prior snapshot")
	}
}
