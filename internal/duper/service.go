package duper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"duper/internal/model"
)

// Service is the orchestration layer that coordinates scanning, duplicate
// resolution, quarantine and restore for the CLI.
type Service struct {
	catalog Catalog
	fsmgr   FilesystemManager
	logger  Logger
	clock   Clock
	idgen   IDGenerator
}

// NewService creates a new Service with the provided dependencies.
func NewService(catalog Catalog, fsmgr FilesystemManager, logger Logger, clock Clock, idgen IDGenerator) *Service {
	return &Service{
		catalog: catalog,
		fsmgr:   fsmgr,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
	}
}

// ScanReport summarizes one scan run.
type ScanReport struct {
	ID                   string
	Root                 string
	Started              time.Time
	Finished             time.Time
	FilesScanned         int64
	Errors               int64
	FileErrors           []*FileError
	DuplicateGroupsFound int
	Pruned               int64
	Cancelled            bool
}

// RunScan walks root, fingerprints every candidate into the catalog and
// records the run. Per-file failures are collected in the report; a
// catalog failure aborts the scan and is returned. A cancelled scan
// returns its partial report with Cancelled set and no error.
func (s *Service) RunScan(ctx context.Context, root string, opts ScanOptions) (*ScanReport, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scan root: %w", err)
	}
	info, err := s.fsmgr.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root is not a directory: %s", root)
	}

	report := &ScanReport{
		ID:      s.idgen.New(),
		Root:    root,
		Started: s.clock.Now(),
	}
	s.logger.Info("scan started", "root", root, "workers", opts.workers(), "sparse", opts.Ignore.SparseMode)

	var (
		mu      sync.Mutex
		scanned int64
	)
	addError := func(fe *FileError) {
		mu.Lock()
		report.FileErrors = append(report.FileErrors, fe)
		mu.Unlock()
	}

	fingerprinter := NewFingerprinter(s.catalog, s.fsmgr, s.logger)
	scanner := NewScanner(s.fsmgr, s.logger)
	paths := make(chan string, opts.queueSize())

	// The traversal context is cancelled when a worker hits a fatal error
	// so the producer stops blocking on a queue nobody drains.
	g, gctx := errgroup.WithContext(ctx)

	var walkErrs []*FileError
	walkDone := make(chan struct{})
	go func() {
		defer close(walkDone)
		defer close(paths)
		walkErrs = scanner.Scan(gctx, root, opts, paths)
	}()

	// In-flight fingerprints run to completion even after cancellation.
	workCtx := context.WithoutCancel(ctx)

	g.SetLimit(opts.workers())
	for path := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := fingerprinter.Fingerprint(workCtx, path)
			var fe *FileError
			switch {
			case err == nil:
				mu.Lock()
				scanned++
				mu.Unlock()
				return nil
			case errors.As(err, &fe):
				s.logger.Warn("file skipped", "path", path, "error", err)
				addError(fe)
				return nil
			default:
				return err
			}
		})
	}
	// Drain anything the scanner still pushes so it can observe cancellation.
	for range paths {
	}
	fatal := g.Wait()
	<-walkDone

	for _, fe := range walkErrs {
		addError(fe)
	}
	report.FilesScanned = scanned
	report.Errors = int64(len(report.FileErrors))
	report.Cancelled = ctx.Err() != nil

	if fatal != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, fatal)
	}

	if opts.Prune && !report.Cancelled {
		pruned, err := s.prune(root)
		if err != nil {
			return nil, err
		}
		report.Pruned = pruned
	}

	active, err := s.catalog.ListActiveFiles()
	if err != nil {
		return nil, fmt.Errorf("listing active files: %w", err)
	}
	groups := Resolve(active, ResolveOptions{StrictNames: opts.StrictNames})
	report.DuplicateGroupsFound = len(groups)
	report.Finished = s.clock.Now()

	if err := s.catalog.RecordScanHistory(&model.ScanHistoryEntry{
		Directory:          root,
		LastScanStartedAt:  report.Started,
		LastScanFinishedAt: report.Finished,
		FilesScanned:       report.FilesScanned,
		ErrorsEncountered:  report.Errors,
	}); err != nil {
		return nil, fmt.Errorf("recording scan history: %w", err)
	}

	run := &model.ScanRun{
		ID:                report.ID,
		Directory:         root,
		StartedAt:         report.Started,
		FinishedAt:        report.Finished,
		FilesScanned:      report.FilesScanned,
		ErrorsEncountered: report.Errors,
		DuplicateGroups:   int64(len(groups)),
		Pruned:            report.Pruned,
		Cancelled:         report.Cancelled,
		DuplicateSummary:  groups.Summary(),
	}
	for _, fe := range report.FileErrors {
		run.ErrorLog = append(run.ErrorLog, fe.Entry())
	}
	if err := s.catalog.CreateScanRun(run); err != nil {
		return nil, fmt.Errorf("recording scan run: %w", err)
	}

	s.logger.Info("scan finished",
		"root", root,
		"scanned", report.FilesScanned,
		"errors", report.Errors,
		"groups", report.DuplicateGroupsFound,
		"pruned", report.Pruned,
		"cancelled", report.Cancelled,
	)
	return report, nil
}

// prune drops active records under root whose file has disappeared.
func (s *Service) prune(root string) (int64, error) {
	records, err := s.catalog.ListActiveFilesUnder(root)
	if err != nil {
		return 0, fmt.Errorf("listing records under %s: %w", root, err)
	}

	var pruned int64
	for _, rec := range records {
		if _, err := s.fsmgr.Stat(rec.Path); err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := s.catalog.DeleteFile(rec.Path); err != nil {
			return pruned, fmt.Errorf("pruning %s: %w", rec.Path, err)
		}
		s.logger.Debug("record pruned", "path", rec.Path)
		pruned++
	}
	return pruned, nil
}

// ListDuplicateGroups resolves the current catalog into duplicate groups.
func (s *Service) ListDuplicateGroups(opts ResolveOptions) (DuplicateGroups, error) {
	active, err := s.catalog.ListActiveFiles()
	if err != nil {
		return nil, fmt.Errorf("listing active files: %w", err)
	}
	return Resolve(active, opts), nil
}

// ListActive returns every active record.
func (s *Service) ListActive() ([]*model.FileRecord, error) {
	return s.catalog.ListActiveFiles()
}

// ListMoved returns moved-file records matching filter.
func (s *Service) ListMoved(filter model.MoveFilter) ([]*model.MovedFileRecord, error) {
	return s.catalog.ListMovedFiles(filter)
}

// ScanHistory returns the latest scan summary of every root.
func (s *Service) ScanHistory() ([]*model.ScanHistoryEntry, error) {
	return s.catalog.ListScanHistory()
}

// ScanRuns returns the most recent scan runs, newest first.
func (s *Service) ScanRuns(limit int) ([]*model.ScanRun, error) {
	return s.catalog.ListScanRuns(limit)
}

// ResetCatalog discards every record, moved-file entry and history row.
// Quarantined files stay on disk.
func (s *Service) ResetCatalog() error {
	if err := s.catalog.Reset(); err != nil {
		return fmt.Errorf("resetting catalog: %w", err)
	}
	s.logger.Warn("catalog reset")
	return nil
}
