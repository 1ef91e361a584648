package duper

import (
	"fmt"
	"sort"
	"time"

	"duper/internal/model"
)

// topExtensionCount is how many extensions NerdStats ranks.
const topExtensionCount = 10

// ExtensionCount is the number of active files sharing an extension.
type ExtensionCount struct {
	Extension string
	Files     int64
	Bytes     int64
}

// NerdStats is an aggregate view over the catalog.
type NerdStats struct {
	ActiveFiles      int64
	ActiveBytes      int64
	QuarantinedFiles int64
	MovedRecords     int64 // records still in quarantine
	RestoredRecords  int64
	ReclaimedBytes   int64 // bytes currently held in quarantine
	DuplicateGroups  int
	RedundantFiles   int
	RedundantBytes   int64
	Scans            int
	FilesScanned     int64
	ScanErrors       int64
	LastScan         *time.Time
	TopExtensions    []ExtensionCount
}

// NerdStats gathers catalog statistics. Duplicate figures follow opts.
func (s *Service) NerdStats(opts ResolveOptions) (*NerdStats, error) {
	stats := &NerdStats{}

	active, err := s.catalog.ListActiveFiles()
	if err != nil {
		return nil, fmt.Errorf("listing active files: %w", err)
	}
	byExt := make(map[string]*ExtensionCount)
	for _, rec := range active {
		stats.ActiveFiles++
		stats.ActiveBytes += rec.Size

		ec, ok := byExt[rec.Extension]
		if !ok {
			ec = &ExtensionCount{Extension: rec.Extension}
			byExt[rec.Extension] = ec
		}
		ec.Files++
		ec.Bytes += rec.Size
	}
	stats.TopExtensions = rankExtensions(byExt, topExtensionCount)

	groups := Resolve(active, opts)
	stats.DuplicateGroups = len(groups)
	stats.RedundantFiles = groups.LoserCount()
	stats.RedundantBytes = groups.RedundantBytes()

	if stats.QuarantinedFiles, err = s.catalog.CountFiles(model.FileQuarantined); err != nil {
		return nil, fmt.Errorf("counting quarantined files: %w", err)
	}

	moved, err := s.catalog.ListMovedFiles(model.FilterAll)
	if err != nil {
		return nil, fmt.Errorf("listing moved files: %w", err)
	}
	for _, m := range moved {
		if m.IsMoved() {
			stats.MovedRecords++
			stats.ReclaimedBytes += m.Size
		} else {
			stats.RestoredRecords++
		}
	}

	history, err := s.catalog.ListScanHistory()
	if err != nil {
		return nil, fmt.Errorf("listing scan history: %w", err)
	}
	stats.Scans = len(history)
	for _, h := range history {
		stats.FilesScanned += h.FilesScanned
		stats.ScanErrors += h.ErrorsEncountered
		if stats.LastScan == nil || h.LastScanFinishedAt.After(*stats.LastScan) {
			finished := h.LastScanFinishedAt
			stats.LastScan = &finished
		}
	}

	return stats, nil
}

// rankExtensions orders extensions by file count, then name, and keeps n.
func rankExtensions(byExt map[string]*ExtensionCount, n int) []ExtensionCount {
	ranked := make([]ExtensionCount, 0, len(byExt))
	for _, ec := range byExt {
		ranked = append(ranked, *ec)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Files != ranked[j].Files {
			return ranked[i].Files > ranked[j].Files
		}
		return ranked[i].Extension < ranked[j].Extension
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
