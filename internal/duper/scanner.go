package duper

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Scanner walks a root directory and yields candidate file paths.
type Scanner struct {
	fsmgr  FilesystemManager
	logger Logger
}

// NewScanner creates a Scanner over the given filesystem.
func NewScanner(fsmgr FilesystemManager, logger Logger) *Scanner {
	return &Scanner{fsmgr: fsmgr, logger: logger}
}

// Scan walks root and sends every candidate path on paths. It blocks while
// paths is full and returns early when ctx is cancelled. Unreadable
// directories are skipped and reported in the returned slice. The caller
// owns paths and closes it once Scan returns.
func (s *Scanner) Scan(ctx context.Context, root string, opts ScanOptions, paths chan<- string) []*FileError {
	w := &walker{
		scanner: s,
		ctx:     ctx,
		root:    filepath.Clean(root),
		opts:    opts,
		paths:   paths,
	}
	// Only directories strictly below the root are pruned. An excluded
	// root or ancestor of the root would otherwise hide the whole tree.
	for _, dir := range opts.Exclude {
		if dir == "" {
			continue
		}
		dir = filepath.Clean(dir)
		if isWithin(w.root, dir) {
			continue
		}
		w.exclude = append(w.exclude, dir)
	}

	if opts.Ignore.SparseMode {
		w.walkSparse()
	} else {
		w.walk(w.root)
	}
	return w.errs
}

// walker holds the state of a single Scan call.
type walker struct {
	scanner *Scanner
	ctx     context.Context
	root    string
	opts    ScanOptions
	exclude []string
	paths   chan<- string
	errs    []*FileError
	stopped bool
}

// walk recursively visits dir. It returns false once the walk must stop.
func (w *walker) walk(dir string) bool {
	files, subdirs, ok := w.list(dir)
	if !ok {
		return !w.stopped
	}
	for _, f := range files {
		if !w.emit(f) {
			return false
		}
	}
	for _, sub := range subdirs {
		if !w.walk(sub) {
			return false
		}
	}
	return true
}

// walkSparse visits the top-level files of the root and then only the
// subdirectories that directly hold more than sparseThreshold files.
func (w *walker) walkSparse() {
	files, subdirs, ok := w.list(w.root)
	if !ok {
		return
	}
	for _, f := range files {
		if !w.emit(f) {
			return
		}
	}
	for _, sub := range subdirs {
		count, err := w.countFiles(sub)
		if err != nil {
			w.fail(sub, err)
			continue
		}
		if count <= sparseThreshold {
			w.scanner.logger.Debug("sparse mode skipped directory", "path", sub, "files", count)
			continue
		}
		if !w.walk(sub) {
			return
		}
	}
}

// list reads dir and splits its entries into candidate files and
// subdirectories worth descending into.
func (w *walker) list(dir string) (files []string, subdirs []string, ok bool) {
	if w.ctx.Err() != nil {
		w.stopped = true
		return nil, nil, false
	}

	entries, err := w.scanner.fsmgr.ReadDir(dir)
	if err != nil {
		w.fail(dir, err)
		return nil, nil, false
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if !w.excluded(full) {
				subdirs = append(subdirs, full)
			}
		case entry.Type().IsRegular():
			if w.ignored(full) {
				continue
			}
			files = append(files, full)
		}
	}
	return files, subdirs, true
}

// countFiles counts the regular files directly inside dir.
func (w *walker) countFiles(dir string) (int, error) {
	entries, err := w.scanner.fsmgr.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			count++
		}
	}
	return count, nil
}

func (w *walker) ignored(path string) bool {
	if w.opts.Ignore.IgnoresFile(filepath.Base(path)) {
		return true
	}
	ignored, err := w.scanner.fsmgr.IsIgnored(path, w.root)
	if err != nil {
		w.scanner.logger.Warn("checking ignore rules", "path", path, "error", err)
		return false
	}
	return ignored
}

func (w *walker) excluded(dir string) bool {
	for _, ex := range w.exclude {
		if isWithin(dir, ex) {
			return true
		}
	}
	return false
}

// isWithin reports whether path is dir or lies below it.
func isWithin(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

// emit sends path to the queue, blocking while it is full.
func (w *walker) emit(path string) bool {
	select {
	case w.paths <- path:
		return true
	case <-w.ctx.Done():
		w.stopped = true
		return false
	}
}

func (w *walker) fail(dir string, err error) {
	if pathErr, ok := err.(*fs.PathError); ok {
		err = pathErr.Err
	}
	w.scanner.logger.Warn("directory unreadable", "path", dir, "error", err)
	w.errs = append(w.errs, newFileError(dir, ErrUnreadableFile, fmt.Errorf("reading directory: %w", err)))
}
