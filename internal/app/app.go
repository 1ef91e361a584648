package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"duper/internal/config"
	"duper/internal/database"
	"duper/internal/duper"
	"duper/internal/encryption"
	"duper/internal/fs"
	"duper/internal/model"
	"duper/internal/snapshot"
)

var (
	// ErrLocked is returned when another duper process holds the catalog lock.
	ErrLocked = errors.New("catalog is in use by another duper process")

	// ErrSnapshotsDisabled is returned by snapshot commands when no store is configured.
	ErrSnapshotsDisabled = errors.New("catalog snapshots are not configured")
)

// DuperApp is the application layer between the CLI and duper.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the catalog lifecycle on Close.
type DuperApp struct {
	cfg       *config.Config
	catalog   *database.SQLiteCatalog
	store     snapshot.Store // nil when snapshots are disabled
	encryptor snapshot.Encryptor
	service   *duper.Service
	op        *Operation
	lock      *flock.Flock
	logger    *slog.Logger
	logFile   *os.File
}

// NewDuperApp creates a fully wired DuperApp from the given config.
// command identifies the CLI command being run (e.g. "Scan", "Quarantine").
// The caller must call Close when done.
func NewDuperApp(ctx context.Context, cfg *config.Config, command string) (*DuperApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lock, err := acquireLock(cfg)
	if err != nil {
		return nil, err
	}
	a := &DuperApp{cfg: cfg, lock: lock, op: NewOperation(command, "")}

	if err := a.open(ctx); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *DuperApp) open(ctx context.Context) error {
	catalog, err := database.NewCatalogFromConfig(a.cfg.Catalog)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	a.catalog = catalog

	if err := catalog.CheckMigrations(); err != nil {
		return fmt.Errorf("catalog schema out of date: %w", err)
	}

	store, err := snapshot.NewStoreFromConfig(ctx, a.cfg.Snapshots)
	if err != nil {
		return fmt.Errorf("creating snapshot store: %w", err)
	}
	a.store = store

	if store != nil {
		// A newer snapshot means another machine mutated this catalog.
		remoteVersion, err := store.GetVersion(ctx, a.cfg.HostID)
		if err != nil {
			return fmt.Errorf("checking remote snapshot version: %w", err)
		}
		localMax, err := catalog.MaxOperationID()
		if err != nil {
			return fmt.Errorf("checking local catalog version: %w", err)
		}
		if remoteVersion > localMax {
			return fmt.Errorf("local catalog is behind its snapshot (local=%d, remote=%d): run `duper catalog pull` or reset", localMax, remoteVersion)
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(a.cfg.LogDir, opID, a.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	a.logger = logger
	a.logFile = logFile

	fsmgr := fs.NewOSFilesystemManager(a.cfg.Filesystem.Ignore)
	a.service = duper.NewService(catalog, fsmgr, &slogAdapter{l: logger}, duper.RealClock{}, duper.UUIDGenerator{})
	return nil
}

// lockPath is the lock file guarding the catalog.
func lockPath(cfg *config.Config) string {
	if cfg.Catalog.Type == "sqlite" {
		return cfg.Catalog.Path + ".lock"
	}
	return filepath.Join(cfg.WorkingDir, "duper.lock")
}

func acquireLock(cfg *config.Config) (*flock.Flock, error) {
	path := lockPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring catalog lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return lock, nil
}

// persistOperation saves the operation to the catalog, giving it an auto-increment ID.
// This should only be called for catalog-mutating commands.
func (a *DuperApp) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	dbOp, err := a.catalog.CreateOperation(a.op.Command, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// track marks the operation failed when err is non-nil.
func (a *DuperApp) track(err error) error {
	if err != nil {
		a.op.Status = StatusError
	}
	return err
}

// Config returns the config the app was built from.
func (a *DuperApp) Config() *config.Config {
	return a.cfg
}

// resolveOptions builds the duplicate resolution options from config.
func (a *DuperApp) resolveOptions() duper.ResolveOptions {
	return duper.ResolveOptions{StrictNames: a.cfg.Scan.StrictNames}
}

// Scan reconciles interrupted moves, then scans rawDir into the catalog.
func (a *DuperApp) Scan(ctx context.Context, rawDir string, opts duper.ScanOptions) (*duper.ScanReport, *duper.ReconcileReport, error) {
	dir, err := filepath.Abs(rawDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving path: %w", err)
	}
	if err := a.persistOperation(dir); err != nil {
		return nil, nil, err
	}

	reconciled, err := a.service.Reconcile(ctx, a.cfg.QuarantineRoot())
	if err != nil {
		return nil, reconciled, a.track(fmt.Errorf("reconciling catalog: %w", err))
	}

	report, err := a.service.RunScan(ctx, dir, opts)
	if err != nil {
		return nil, reconciled, a.track(err)
	}
	if report.Cancelled {
		a.op.Status = StatusCancelled
	}
	return report, reconciled, nil
}

// Dupes returns the current duplicate groups.
func (a *DuperApp) Dupes() (duper.DuplicateGroups, error) {
	return a.service.ListDuplicateGroups(a.resolveOptions())
}

// PlannedMove is one loser a quarantine would relocate.
type PlannedMove struct {
	Keeper      string
	Path        string
	Destination string // before any name_N suffix
	Size        int64
}

// quarantineScope narrows the duplicate groups to losers below rawDir and
// builds the matching quarantine options. An empty rawDir means the most
// recently scanned directory. Sparse destinations stay relative to the
// scanned directory holding rawDir, not to rawDir itself.
func (a *DuperApp) quarantineScope(rawDir string, sparse bool) (string, duper.DuplicateGroups, duper.QuarantineOptions, error) {
	dir, scanRoot, err := a.scopeDir(rawDir)
	if err != nil {
		return "", nil, duper.QuarantineOptions{}, err
	}

	groups, err := a.Dupes()
	if err != nil {
		return "", nil, duper.QuarantineOptions{}, err
	}

	var scoped duper.DuplicateGroups
	for _, g := range groups {
		var losers []*model.FileRecord
		for _, l := range g.Losers {
			if within(l.Path, dir) {
				losers = append(losers, l)
			}
		}
		if len(losers) > 0 {
			scoped = append(scoped, &duper.DuplicateGroup{ContentHash: g.ContentHash, Keeper: g.Keeper, Losers: losers})
		}
	}

	opts := duper.QuarantineOptions{
		Root:     a.cfg.QuarantineRoot(),
		ScanRoot: scanRoot,
		Sparse:   sparse,
	}
	return dir, scoped, opts, nil
}

// scopeDir resolves the quarantine scope and the scan root it belongs to:
// the most recently scanned directory that is dir or one of its ancestors.
// Without such a scan the scope is its own root.
func (a *DuperApp) scopeDir(rawDir string) (dir, scanRoot string, err error) {
	history, err := a.service.ScanHistory()
	if err != nil {
		return "", "", err
	}

	if rawDir == "" {
		latest := latestScan(history, func(string) bool { return true })
		if latest == nil {
			return "", "", fmt.Errorf("no scan recorded; run `duper scan` first")
		}
		return latest.Directory, latest.Directory, nil
	}

	dir, err = filepath.Abs(rawDir)
	if err != nil {
		return "", "", fmt.Errorf("resolving path: %w", err)
	}
	containing := latestScan(history, func(scanned string) bool {
		return scanned == dir || within(dir, scanned)
	})
	if containing == nil {
		return dir, dir, nil
	}
	return dir, containing.Directory, nil
}

// latestScan returns the most recently finished scan whose directory
// satisfies match, or nil.
func latestScan(history []*model.ScanHistoryEntry, match func(dir string) bool) *model.ScanHistoryEntry {
	var latest *model.ScanHistoryEntry
	for _, h := range history {
		if !match(h.Directory) {
			continue
		}
		if latest == nil || h.LastScanFinishedAt.After(latest.LastScanFinishedAt) {
			latest = h
		}
	}
	return latest
}

// within reports whether path lies below dir.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// PlanQuarantine lists the moves Quarantine would make, without touching
// the filesystem or the catalog.
func (a *DuperApp) PlanQuarantine(rawDir string, sparse bool) ([]PlannedMove, error) {
	_, groups, opts, err := a.quarantineScope(rawDir, sparse)
	if err != nil {
		return nil, err
	}

	var plan []PlannedMove
	for _, g := range groups {
		for _, l := range g.Losers {
			dst, err := opts.Destination(l.Path)
			if err != nil {
				return nil, fmt.Errorf("planning %s: %w", l.Path, err)
			}
			plan = append(plan, PlannedMove{Keeper: g.Keeper.Path, Path: l.Path, Destination: dst, Size: l.Size})
		}
	}
	return plan, nil
}

// Quarantine moves every loser below rawDir into the quarantine root.
func (a *DuperApp) Quarantine(ctx context.Context, rawDir string, sparse bool) ([]*duper.QuarantineResult, error) {
	dir, groups, opts, err := a.quarantineScope(rawDir, sparse)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(dir); err != nil {
		return nil, err
	}
	results, err := a.service.QuarantineAll(ctx, groups, opts)
	return results, a.track(err)
}

// Moved returns moved-file records in the given state ("moved", "restored" or "all").
func (a *DuperApp) Moved(state string) ([]*model.MovedFileRecord, error) {
	filter, err := ParseMoveFilter(state)
	if err != nil {
		return nil, err
	}
	return a.service.ListMoved(filter)
}

// ParseMoveFilter validates a moved-file state filter. Empty means moved.
func ParseMoveFilter(state string) (model.MoveFilter, error) {
	switch model.MoveFilter(state) {
	case "", model.FilterMoved:
		return model.FilterMoved, nil
	case model.FilterRestored, model.FilterAll:
		return model.MoveFilter(state), nil
	default:
		return "", fmt.Errorf("unknown state %q (want moved, restored or all)", state)
	}
}

// Restore moves quarantined record id back to its original path.
func (a *DuperApp) Restore(ctx context.Context, id int64) error {
	if err := a.persistOperation(fmt.Sprintf("%d", id)); err != nil {
		return err
	}
	return a.track(a.service.Restore(ctx, id))
}

// RestoreAll restores every file still in quarantine.
func (a *DuperApp) RestoreAll(ctx context.Context) ([]*duper.RestoreResult, error) {
	if err := a.persistOperation("all"); err != nil {
		return nil, err
	}
	results, err := a.service.RestoreAll(ctx)
	return results, a.track(err)
}

// History returns the latest scan of every directory.
func (a *DuperApp) History() ([]*model.ScanHistoryEntry, error) {
	return a.service.ScanHistory()
}

// Runs returns the most recent scan runs.
func (a *DuperApp) Runs(limit int) ([]*model.ScanRun, error) {
	return a.service.ScanRuns(limit)
}

// Log returns the most recent catalog-mutating operations.
func (a *DuperApp) Log(limit int) ([]*model.Operation, error) {
	return a.catalog.ListOperations(limit)
}

// Stats gathers catalog statistics.
func (a *DuperApp) Stats() (*duper.NerdStats, error) {
	return a.service.NerdStats(a.resolveOptions())
}

// Reset discards every catalog record. Quarantined files stay on disk.
func (a *DuperApp) Reset() error {
	if err := a.persistOperation(""); err != nil {
		return err
	}
	return a.track(a.service.ResetCatalog())
}

// PushCatalog uploads a snapshot of the catalog versioned by the latest
// operation ID. It returns the version and the number of bytes uploaded.
func (a *DuperApp) PushCatalog(ctx context.Context) (int64, int64, error) {
	if a.store == nil {
		return 0, 0, ErrSnapshotsDisabled
	}
	version, err := a.catalog.MaxOperationID()
	if err != nil {
		return 0, 0, err
	}
	size, err := a.push(ctx, version)
	if err != nil {
		return 0, 0, err
	}
	return version, size, nil
}

func (a *DuperApp) push(ctx context.Context, version int64) (int64, error) {
	size, err := snapshot.Push(ctx, a.store, a.catalog, a.encryptor, a.cfg.HostID, version)
	if err != nil {
		return 0, fmt.Errorf("pushing catalog snapshot: %w", err)
	}
	a.logger.Info("catalog snapshot pushed", "version", version, "bytes", size)
	return size, nil
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record and, with
// auto_push, uploads a catalog snapshot versioned by the operation ID.
func (a *DuperApp) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.catalog.FinishOperation(a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}

		if a.store != nil && a.cfg.Snapshots.AutoPush {
			if _, err := a.push(context.Background(), a.op.ID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := a.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// release closes the catalog and log file and drops the lock.
func (a *DuperApp) release() error {
	var firstErr error
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			firstErr = fmt.Errorf("closing catalog: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("releasing catalog lock: %w", err)
		}
	}
	return firstErr
}

// NeedsPassphrase reports whether pulling a snapshot requires the
// encryption passphrase.
func NeedsPassphrase(cfg *config.Config) bool {
	return cfg.Encryption.Type != ""
}

// PullCatalog replaces the local catalog file with the host's latest
// snapshot. It must run without an open DuperApp: it takes the catalog
// lock itself.
func PullCatalog(ctx context.Context, cfg *config.Config, passphrase string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Catalog.Type != "sqlite" {
		return fmt.Errorf("catalog pull requires a sqlite catalog, have %q", cfg.Catalog.Type)
	}

	store, err := snapshot.NewStoreFromConfig(ctx, cfg.Snapshots)
	if err != nil {
		return fmt.Errorf("creating snapshot store: %w", err)
	}
	if store == nil {
		return ErrSnapshotsDisabled
	}

	var dc snapshot.DecryptionContext
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc != nil {
		if dc, err = enc.Unlock(passphrase); err != nil {
			return fmt.Errorf("unlocking private key: %w", err)
		}
	}

	lock, err := acquireLock(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := snapshot.Pull(ctx, store, cfg.HostID, dc, cfg.Catalog.Path); err != nil {
		return fmt.Errorf("pulling catalog snapshot: %w", err)
	}
	return nil
}

// InitEncryption generates the snapshot key pair, sealing the private key
// with passphrase.
func InitEncryption(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc == nil {
		return fmt.Errorf("encryption.type is not set")
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up encryption: %w", err)
	}
	return nil
}
