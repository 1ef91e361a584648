package duper_test

import (
	"context"
	"testing"

	"duper/internal/duper"
)

func TestNerdStats(t *testing.T) {
	h := newHarness(t)
	h.write(t, map[string]string{
		"a.jpg":   "1234",
		"bb.jpg":  "1234",
		"ccc.jpg": "1234",
		"d.txt":   "12",
		"e.txt":   "ab",
		"f.md":    "unique",
	})
	h.scan(t, duper.ScanOptions{})

	stats, err := h.svc.NerdStats(duper.ResolveOptions{})
	if err != nil {
		t.Fatalf("NerdStats() error = %v", err)
	}
	if stats.ActiveFiles != 6 || stats.ActiveBytes != 22 {
		t.Errorf("active = %d files / %d bytes, want 6 / 22", stats.ActiveFiles, stats.ActiveBytes)
	}
	if stats.DuplicateGroups != 1 || stats.RedundantFiles != 2 || stats.RedundantBytes != 8 {
		t.Errorf("duplicates = %d groups, %d files, %d bytes", stats.DuplicateGroups, stats.RedundantFiles, stats.RedundantBytes)
	}
	if stats.Scans != 1 || stats.FilesScanned != 6 || stats.LastScan == nil {
		t.Errorf("scan stats = %d scans, %d files, last %v", stats.Scans, stats.FilesScanned, stats.LastScan)
	}
	want := []duper.ExtensionCount{
		{Extension: "jpg", Files: 3, Bytes: 12},
		{Extension: "txt", Files: 2, Bytes: 4},
		{Extension: "md", Files: 1, Bytes: 6},
	}
	if len(stats.TopExtensions) != len(want) {
		t.Fatalf("TopExtensions = %+v", stats.TopExtensions)
	}
	for i := range want {
		if stats.TopExtensions[i] != want[i] {
			t.Errorf("TopExtensions[%d] = %+v, want %+v", i, stats.TopExtensions[i], want[i])
		}
	}

	if _, err := h.svc.QuarantineAll(context.Background(), h.groups(t), h.quarantineOpts(false)); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Restore(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	stats, err = h.svc.NerdStats(duper.ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.QuarantinedFiles != 1 || stats.MovedRecords != 1 || stats.RestoredRecords != 1 || stats.ReclaimedBytes != 4 {
		t.Errorf("quarantine stats = %+v", stats)
	}
	if stats.ActiveFiles != 5 || stats.RedundantFiles != 1 {
		t.Errorf("after quarantine: active %d, redundant %d", stats.ActiveFiles, stats.RedundantFiles)
	}
}

func TestNerdStats_StrictNames(t *testing.T) {
	h := newHarness(t)
	h.write(t, map[string]string{"x/a.bin": "same", "y/a.bin": "same", "y/b.bin": "same"})
	h.scan(t, duper.ScanOptions{})

	loose, err := h.svc.NerdStats(duper.ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	strict, err := h.svc.NerdStats(duper.ResolveOptions{StrictNames: true})
	if err != nil {
		t.Fatal(err)
	}
	if loose.RedundantFiles != 2 || strict.RedundantFiles != 1 {
		t.Errorf("redundant loose=%d strict=%d, want 2 and 1", loose.RedundantFiles, strict.RedundantFiles)
	}
}
