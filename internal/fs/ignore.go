package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// defaultIgnorePatterns are always applied regardless of config or .duperignore.
var defaultIgnorePatterns = []string{IgnoreFileName}

type patternKind int

const (
	matchBase patternKind = iota // glob against the file name
	matchPath                    // glob against the path relative to the root
	matchDir                     // glob against every parent directory name
)

type ignorePattern struct {
	glob   string
	kind   patternKind
	negate bool
}

// IgnoreMatcher checks candidate paths against ignore patterns.
//
//	*.part      file name glob
//	cache/*.db  glob against the path relative to the scan root
//	build/      any file below a directory named build
//	!keep.part  re-include a file excluded by an earlier pattern
//
// The last matching pattern wins.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		p := ignorePattern{}
		if strings.HasPrefix(raw, "!") {
			p.negate = true
			raw = raw[1:]
		}
		switch {
		case strings.HasSuffix(raw, "/"):
			p.kind = matchDir
			raw = strings.TrimSuffix(raw, "/")
		case strings.Contains(raw, "/"):
			p.kind = matchPath
		}
		if raw == "" {
			continue
		}
		p.glob = raw
		patterns = append(patterns, p)
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether relativePath should be skipped.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if relativePath == "" || len(m.patterns) == 0 {
		return false
	}

	slashed := filepath.ToSlash(relativePath)
	parts := strings.Split(slashed, "/")
	base := parts[len(parts)-1]
	dirs := parts[:len(parts)-1]

	ignored := false
	for _, p := range m.patterns {
		if p.matches(slashed, base, dirs) {
			ignored = !p.negate
		}
	}
	return ignored
}

func (p ignorePattern) matches(slashed, base string, dirs []string) bool {
	switch p.kind {
	case matchPath:
		ok, _ := filepath.Match(p.glob, slashed)
		return ok
	case matchDir:
		for _, d := range dirs {
			if ok, _ := filepath.Match(p.glob, d); ok {
				return true
			}
		}
		return false
	default:
		ok, _ := filepath.Match(p.glob, base)
		return ok
	}
}

// ParseIgnoreFile reads an ignore file and returns its raw lines.
// A missing file yields no patterns and no error.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
