package duper_test

import (
	"context"
	"path/filepath"
	"testing"

	"duper/internal/database"
	"duper/internal/duper"
	"duper/internal/model"
	"duper/internal/testutil"
)

type harness struct {
	svc     *duper.Service
	catalog *database.SQLiteCatalog
	fsmgr   *testutil.FaultyFilesystem
	clock   *testutil.StubClock
	root    string // scan root
	qroot   string // quarantine root
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		catalog: testutil.NewTestCatalog(t),
		fsmgr:   testutil.NewFaultyFilesystem(),
		clock:   testutil.FixedClock(),
		root:    filepath.Join(dir, "data"),
		qroot:   filepath.Join(dir, "duplicates"),
	}
	h.svc = duper.NewService(h.catalog, h.fsmgr, duper.NewNopLogger(), h.clock, testutil.NewStubIDGenerator())
	return h
}

func (h *harness) path(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}

func (h *harness) write(t *testing.T, files map[string]string) {
	t.Helper()
	testutil.WriteTree(t, h.root, files)
}

func (h *harness) scan(t *testing.T, opts duper.ScanOptions) *duper.ScanReport {
	t.Helper()
	report, err := h.svc.RunScan(context.Background(), h.root, opts)
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	return report
}

func (h *harness) groups(t *testing.T) duper.DuplicateGroups {
	t.Helper()
	groups, err := h.svc.ListDuplicateGroups(duper.ResolveOptions{})
	if err != nil {
		t.Fatalf("ListDuplicateGroups() error = %v", err)
	}
	return groups
}

func (h *harness) quarantineOpts(sparse bool) duper.QuarantineOptions {
	return duper.QuarantineOptions{Root: h.qroot, ScanRoot: h.root, Sparse: sparse}
}

func (h *harness) record(t *testing.T, path string) *model.FileRecord {
	t.Helper()
	rec, err := h.catalog.FindFileByPath(path)
	if err != nil {
		t.Fatalf("FindFileByPath(%s) error = %v", path, err)
	}
	return rec
}

func (h *harness) moved(t *testing.T, filter model.MoveFilter) []*model.MovedFileRecord {
	t.Helper()
	recs, err := h.svc.ListMoved(filter)
	if err != nil {
		t.Fatalf("ListMoved() error = %v", err)
	}
	return recs
}

func activePaths(t *testing.T, svc *duper.Service) []string {
	t.Helper()
	recs, err := svc.ListActive()
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Path
	}
	return out
}
