package duper

import (
	"path/filepath"
	"runtime"
	"strings"
)

// IgnoreClass names a family of file extensions that can be excluded from scans.
type IgnoreClass string

const (
	ClassFodder  IgnoreClass = "fodder"
	ClassVideo   IgnoreClass = "video"
	ClassMusic   IgnoreClass = "music"
	ClassPicture IgnoreClass = "picture"
)

// classExtensions maps each ignore class to its lowercase extensions.
var classExtensions = map[IgnoreClass][]string{
	ClassFodder:  {"txt", "nfo", "log", "ini", "cfg", "xml", "json", "md", "url", "sfv", "bak", "tmp", "db"},
	ClassVideo:   {"mp4", "mkv", "avi", "mov", "wmv", "flv", "webm", "m4v", "mpg", "mpeg", "3gp", "ts"},
	ClassMusic:   {"mp3", "flac", "wav", "aac", "ogg", "m4a", "wma", "opus", "aiff", "mid"},
	ClassPicture: {"jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff", "webp", "heic", "svg", "ico"},
}

// extensionClass is the reverse index of classExtensions.
var extensionClass = func() map[string]IgnoreClass {
	index := make(map[string]IgnoreClass)
	for class, exts := range classExtensions {
		for _, ext := range exts {
			index[ext] = class
		}
	}
	return index
}()

// IgnoreClasses lists every known class in display order.
func IgnoreClasses() []IgnoreClass {
	return []IgnoreClass{ClassFodder, ClassVideo, ClassMusic, ClassPicture}
}

// ClassExtensions returns the extensions belonging to class.
func ClassExtensions(class IgnoreClass) []string {
	return append([]string(nil), classExtensions[class]...)
}

// IgnoreConfig is the per-scan ignore policy. It is a value: callers build
// one snapshot per operation and the engine never mutates it.
type IgnoreConfig struct {
	Fodder     bool
	Video      bool
	Music      bool
	Picture    bool
	SparseMode bool
}

// Ignores reports whether class is switched off.
func (c IgnoreConfig) Ignores(class IgnoreClass) bool {
	switch class {
	case ClassFodder:
		return c.Fodder
	case ClassVideo:
		return c.Video
	case ClassMusic:
		return c.Music
	case ClassPicture:
		return c.Picture
	default:
		return false
	}
}

// IgnoresFile reports whether the extension of name belongs to an ignored class.
func (c IgnoreConfig) IgnoresFile(name string) bool {
	class, ok := extensionClass[Extension(name)]
	return ok && c.Ignores(class)
}

// WithClass returns a copy of c with class ignored.
func (c IgnoreConfig) WithClass(class IgnoreClass) IgnoreConfig {
	switch class {
	case ClassFodder:
		c.Fodder = true
	case ClassVideo:
		c.Video = true
	case ClassMusic:
		c.Music = true
	case ClassPicture:
		c.Picture = true
	}
	return c
}

// Extension returns the lowercase extension of name without the leading dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

const (
	// DefaultQueueSize bounds the candidate queue between traversal and hashing.
	DefaultQueueSize = 256

	// sparseThreshold is the number of direct files a subdirectory must
	// exceed to be traversed in sparse mode.
	sparseThreshold = 3

	// maxSuffix bounds the numeric suffixes tried for a quarantine destination.
	maxSuffix = 999
)

// ScanOptions configures one scan pipeline run.
type ScanOptions struct {
	Ignore      IgnoreConfig
	Exclude     []string // absolute directories never descended into
	Workers     int      // fingerprint workers; <= 0 means runtime.NumCPU()
	QueueSize   int      // candidate queue capacity; <= 0 means DefaultQueueSize
	StrictNames bool     // require equal names as well as equal content
	Prune       bool     // drop records of vanished files after a complete scan
}

func (o ScanOptions) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

func (o ScanOptions) queueSize() int {
	if o.QueueSize > 0 {
		return o.QueueSize
	}
	return DefaultQueueSize
}

// QuarantineOptions configures where losers are relocated.
type QuarantineOptions struct {
	Root     string // quarantine root
	ScanRoot string // root the losers were scanned under; used in sparse mode
	Sparse   bool   // preserve the path relative to ScanRoot
}
