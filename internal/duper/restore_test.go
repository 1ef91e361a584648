package duper_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"duper/internal/duper"
	"duper/internal/model"
	"duper/internal/testutil"
)

// quarantined scans files, quarantines every loser and returns the records.
func (h *harness) quarantined(t *testing.T, files map[string]string, sparse bool) []*model.MovedFileRecord {
	t.Helper()
	h.write(t, files)
	h.scan(t, duper.ScanOptions{})
	results, err := h.svc.QuarantineAll(context.Background(), h.groups(t), h.quarantineOpts(sparse))
	if err != nil {
		t.Fatalf("QuarantineAll() error = %v", err)
	}
	var moved []*model.MovedFileRecord
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("quarantine of %s failed: %v", r.Path, r.Err)
		}
		moved = append(moved, r.Record)
	}
	return moved
}

func TestRestore_RoundTrip(t *testing.T) {
	for _, sparse := range []bool{false, true} {
		h := newHarness(t)
		moved := h.quarantined(t, catFiles, sparse)[0]
		h.clock.Advance(300e9)

		if err := h.svc.Restore(context.Background(), moved.ID); err != nil {
			t.Fatalf("sparse=%v: Restore() error = %v", sparse, err)
		}
		if testutil.ReadFile(t, h.path("b/cat (1).png")) != "meow" {
			t.Errorf("sparse=%v: content not restored", sparse)
		}
		if testutil.Exists(moved.QuarantinePath) {
			t.Errorf("sparse=%v: quarantined copy still present", sparse)
		}

		rec := h.record(t, h.path("b/cat (1).png"))
		if rec.Status != model.FileActive || rec.ContentHash != testutil.MD5Hex("meow") {
			t.Errorf("sparse=%v: record after restore = %+v", sparse, rec)
		}
		restored := h.moved(t, model.FilterRestored)
		if len(restored) != 1 || restored[0].RestoredAt == nil || !restored[0].RestoredAt.Equal(h.clock.Now()) {
			t.Errorf("sparse=%v: restored records = %+v", sparse, restored)
		}
		if len(h.groups(t)) != 1 {
			t.Errorf("sparse=%v: duplicate group not back after restore", sparse)
		}
	}
}

func TestRestore_ConflictKeepsBothFiles(t *testing.T) {
	h := newHarness(t)
	moved := h.quarantined(t, catFiles, false)[0]
	testutil.WriteFile(t, moved.OriginalPath, "a different cat")

	err := h.svc.Restore(context.Background(), moved.ID)
	if !errors.Is(err, duper.ErrRestoreConflict) {
		t.Fatalf("Restore() error = %v, want ErrRestoreConflict", err)
	}
	if testutil.ReadFile(t, moved.OriginalPath) != "a different cat" {
		t.Error("file at original path overwritten")
	}
	if testutil.ReadFile(t, moved.QuarantinePath) != "meow" {
		t.Error("quarantined copy lost")
	}
	if got := h.moved(t, model.FilterMoved); len(got) != 1 {
		t.Errorf("record no longer moved: %+v", got)
	}
}

func TestRestore_IdenticalContentAtOriginal(t *testing.T) {
	h := newHarness(t)
	moved := h.quarantined(t, catFiles, false)[0]
	testutil.WriteFile(t, moved.OriginalPath, "meow")

	if err := h.svc.Restore(context.Background(), moved.ID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if testutil.Exists(moved.QuarantinePath) {
		t.Error("redundant quarantined copy kept")
	}
	if testutil.ReadFile(t, moved.OriginalPath) != "meow" {
		t.Error("original path content changed")
	}
	if got := h.moved(t, model.FilterRestored); len(got) != 1 {
		t.Errorf("restored records = %+v", got)
	}
}

func TestRestore_UnknownRecord(t *testing.T) {
	h := newHarness(t)
	moved := h.quarantined(t, catFiles, false)[0]

	if err := h.svc.Restore(context.Background(), 99); !errors.Is(err, duper.ErrUnknownRecord) {
		t.Errorf("Restore(99) error = %v, want ErrUnknownRecord", err)
	}

	if err := h.svc.Restore(context.Background(), moved.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Restore(context.Background(), moved.ID); !errors.Is(err, duper.ErrUnknownRecord) {
		t.Errorf("second Restore() error = %v, want ErrUnknownRecord", err)
	}
}

func TestRestore_QuarantinedCopyMissing(t *testing.T) {
	h := newHarness(t)
	moved := h.quarantined(t, catFiles, false)[0]
	if err := os.Remove(moved.QuarantinePath); err != nil {
		t.Fatal(err)
	}

	err := h.svc.Restore(context.Background(), moved.ID)
	if !errors.Is(err, duper.ErrRestoreIO) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Restore() error = %v, want ErrRestoreIO", err)
	}
	if got := h.moved(t, model.FilterMoved); len(got) != 1 {
		t.Error("record changed although nothing was restored")
	}
}

func TestRestore_RecreatesParentDirectory(t *testing.T) {
	h := newHarness(t)
	moved := h.quarantined(t, catFiles, true)[0]
	if err := os.RemoveAll(h.path("b")); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.Restore(context.Background(), moved.ID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if testutil.ReadFile(t, moved.OriginalPath) != "meow" {
		t.Error("file not restored into recreated directory")
	}
}

func TestRestoreAll(t *testing.T) {
	h := newHarness(t)
	moved := h.quarantined(t, map[string]string{
		"a.bin":   "one",
		"bb.bin":  "one",
		"c.bin":   "two",
		"dd.bin":  "two",
		"eee.bin": "two",
	}, false)
	if len(moved) != 3 {
		t.Fatalf("moved = %d, want 3", len(moved))
	}
	testutil.WriteFile(t, h.path("dd.bin"), "squatter")

	results, err := h.svc.RestoreAll(context.Background())
	if err != nil {
		t.Fatalf("RestoreAll() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	var ok, conflicts int
	for i, r := range results {
		if r.ID != int64(i+1) {
			t.Errorf("result %d has ID %d, want ascending IDs", i, r.ID)
		}
		switch {
		case r.Err == nil:
			ok++
		case errors.Is(r.Err, duper.ErrRestoreConflict) && r.Path == h.path("dd.bin"):
			conflicts++
		default:
			t.Errorf("unexpected result for %s: %v", r.Path, r.Err)
		}
	}
	if ok != 2 || conflicts != 1 {
		t.Errorf("ok=%d conflicts=%d, want 2 and 1", ok, conflicts)
	}
	if got := h.moved(t, model.FilterMoved); len(got) != 1 || got[0].OriginalPath != h.path("dd.bin") {
		t.Errorf("still moved = %+v", got)
	}
}

func TestRestoreAll_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.quarantined(t, catFiles, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := h.svc.RestoreAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}
	if testutil.Exists(h.path("b/cat (1).png")) {
		t.Error("file restored after cancel")
	}
}

func TestRestore_CatalogFailure(t *testing.T) {
	h := newHarness(t)
	moved := h.quarantined(t, catFiles, false)[0]

	faulty := testutil.NewFaultyCatalog(h.catalog)
	faulty.RecordRestoreErr = errors.New("database is locked")
	svc := duper.NewService(faulty, h.fsmgr, duper.NewNopLogger(), h.clock, testutil.NewStubIDGenerator())

	err := svc.Restore(context.Background(), moved.ID)
	if err == nil || duper.IsFileError(err) {
		t.Fatalf("Restore() error = %v, want catalog error", err)
	}
	if !testutil.Exists(filepath.Join(h.root, "b", "cat (1).png")) {
		t.Error("file not at original path")
	}
}
