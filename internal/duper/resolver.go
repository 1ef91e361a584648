package duper

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"duper/internal/model"
)

// DuplicateGroup is a set of active records sharing content. Keeper is the
// record that stays in place; Losers are ordered by keeper preference.
type DuplicateGroup struct {
	ContentHash string
	Keeper      *model.FileRecord
	Losers      []*model.FileRecord
}

// Files returns the keeper followed by the losers.
func (g *DuplicateGroup) Files() []*model.FileRecord {
	return append([]*model.FileRecord{g.Keeper}, g.Losers...)
}

// RedundantBytes is the space reclaimed by quarantining the losers.
func (g *DuplicateGroup) RedundantBytes() int64 {
	var total int64
	for _, l := range g.Losers {
		total += l.Size
	}
	return total
}

// DuplicateGroups is the result of a resolution, sorted by content hash.
type DuplicateGroups []*DuplicateGroup

// Lookup returns the group for hash, or nil. With strict names enabled
// several groups may share a hash and the first one is returned.
func (gs DuplicateGroups) Lookup(hash string) *DuplicateGroup {
	i := sort.Search(len(gs), func(i int) bool { return gs[i].ContentHash >= hash })
	if i < len(gs) && gs[i].ContentHash == hash {
		return gs[i]
	}
	return nil
}

// LoserCount is the number of files that would be quarantined.
func (gs DuplicateGroups) LoserCount() int {
	n := 0
	for _, g := range gs {
		n += len(g.Losers)
	}
	return n
}

// RedundantBytes is the total space held by losers.
func (gs DuplicateGroups) RedundantBytes() int64 {
	var total int64
	for _, g := range gs {
		total += g.RedundantBytes()
	}
	return total
}

// Summary maps each group to its paths, keeper first. Groups are keyed by
// content hash; when strict names split one hash into several groups each
// is keyed "<hash>/<keeper name>" instead.
func (gs DuplicateGroups) Summary() map[string][]string {
	shared := make(map[string]int, len(gs))
	for _, g := range gs {
		shared[g.ContentHash]++
	}

	summary := make(map[string][]string, len(gs))
	for _, g := range gs {
		key := g.ContentHash
		if shared[key] > 1 {
			key += "/" + g.Keeper.Name
		}
		for _, rec := range g.Files() {
			summary[key] = append(summary[key], rec.Path)
		}
	}
	return summary
}

// ResolveOptions tunes duplicate grouping.
type ResolveOptions struct {
	// StrictNames groups by name as well as content.
	StrictNames bool
}

// Resolve groups active records by content hash and picks a keeper for
// every group of two or more. The result does not depend on input order.
func Resolve(records []*model.FileRecord, opts ResolveOptions) DuplicateGroups {
	type groupKey struct {
		hash string
		name string
	}

	buckets := make(map[groupKey][]*model.FileRecord)
	for _, rec := range records {
		if rec == nil || !rec.IsActive() || rec.ContentHash == "" {
			continue
		}
		key := groupKey{hash: rec.ContentHash}
		if opts.StrictNames {
			key.name = rec.Name
		}
		buckets[key] = append(buckets[key], rec)
	}

	cmp := newKeeperComparator()
	groups := make(DuplicateGroups, 0, len(buckets))
	for _, members := range buckets {
		if len(members) < 2 {
			continue
		}
		sorted := append([]*model.FileRecord(nil), members...)
		sort.Slice(sorted, func(i, j int) bool { return cmp.less(sorted[i], sorted[j]) })
		groups = append(groups, &DuplicateGroup{
			ContentHash: sorted[0].ContentHash,
			Keeper:      sorted[0],
			Losers:      sorted[1:],
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].ContentHash != groups[j].ContentHash {
			return groups[i].ContentHash < groups[j].ContentHash
		}
		return groups[i].Keeper.Name < groups[j].Keeper.Name
	})
	return groups
}

// keeperComparator orders records by keeper preference. A cases.Caser is
// stateful, so each resolution gets its own.
type keeperComparator struct {
	folder cases.Caser
}

func newKeeperComparator() *keeperComparator {
	return &keeperComparator{folder: cases.Fold()}
}

// less reports whether a is preferred over b: shorter name, then
// case-folded name, then larger size, then path.
func (c *keeperComparator) less(a, b *model.FileRecord) bool {
	la, lb := utf8.RuneCountInString(a.Name), utf8.RuneCountInString(b.Name)
	if la != lb {
		return la < lb
	}
	if fa, fb := c.folder.String(a.Name), c.folder.String(b.Name); fa != fb {
		return strings.Compare(fa, fb) < 0
	}
	if a.Size != b.Size {
		return a.Size > b.Size
	}
	return a.Path < b.Path
}

// KeeperLess reports whether a would be kept over b.
func KeeperLess(a, b *model.FileRecord) bool {
	return newKeeperComparator().less(a, b)
}
