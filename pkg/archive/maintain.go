package archive

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/planq/planq/pkg/docstore"
)

// Problem kinds reported by Verify.
const (
	ProblemDuplicateKey    = "duplicate_key"
	ProblemMissingRecord   = "missing_record"
	ProblemUnreadableShard = "unreadable_shard"
	ProblemMalformedLine   = "malformed_line"
)

// Problem is one referential-integrity defect.
type Problem struct {
	Kind       string `json:"kind"`
	ArchiveKey string `json:"archive_key,omitempty"`
	Ref        string `json:"archive_ref"`
	Line       int    `json:"line,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (p Problem) String() string {
	var b strings.Builder
	b.WriteString(p.Kind)
	b.WriteString(" ")
	b.WriteString(p.Ref)
	if p.Line > 0 {
		fmt.Fprintf(&b, ":%d", p.Line)
	}
	if p.ArchiveKey != "" {
		b.WriteString(" ")
		b.WriteString(p.ArchiveKey)
	}
	if p.Detail != "" {
		b.WriteString(": ")
		b.WriteString(p.Detail)
	}
	return b.String()
}

// VerifyReport is the outcome of Verify.
type VerifyReport struct {
	Entries  int       `json:"entries"`
	Shards   int       `json:"shards"`
	Records  int       `json:"records"`
	Problems []Problem `json:"problems"`
}

// OK reports whether no problem was found.
func (r *VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

type shardScan struct {
	keys map[string]bool
	err  error
}

// Verify checks that every index entry names a record present in its shard,
// that no key is indexed twice and that every shard is readable.
func (s Store) Verify(idx *Index) *VerifyReport {
	rep := &VerifyReport{Entries: len(idx.Entries), Problems: []Problem{}}
	scans := make(map[string]*shardScan)

	scanShard := func(ref string) *shardScan {
		if sc, ok := scans[ref]; ok {
			return sc
		}
		sc := &shardScan{keys: make(map[string]bool)}
		scans[ref] = sc
		if !docstore.Exists(s.Resolve(ref)) {
			sc.err = fmt.Errorf("shard not found")
			return sc
		}
		lines, bad, err := s.ReadShard(ref)
		if err != nil {
			sc.err = err
			rep.Problems = append(rep.Problems, Problem{Kind: ProblemUnreadableShard, Ref: ref, Detail: err.Error()})
			return sc
		}
		rep.Shards++
		rep.Records += len(lines)
		for _, le := range bad {
			rep.Problems = append(rep.Problems, Problem{Kind: ProblemMalformedLine, Ref: ref, Line: le.Line, Detail: le.Err.Error()})
		}
		for _, sl := range lines {
			sc.keys[sl.Record.ArchiveKey] = true
		}
		return sc
	}

	if refs, err := s.ShardRefs(); err == nil {
		for _, ref := range refs {
			scanShard(ref)
		}
	}

	seen := make(map[string]bool, len(idx.Entries))
	for _, e := range idx.Entries {
		if seen[e.ArchiveKey] {
			rep.Problems = append(rep.Problems, Problem{Kind: ProblemDuplicateKey, ArchiveKey: e.ArchiveKey, Ref: e.ArchiveRef})
			continue
		}
		seen[e.ArchiveKey] = true

		sc := scanShard(e.ArchiveRef)
		if sc.err != nil {
			rep.Problems = append(rep.Problems, Problem{Kind: ProblemMissingRecord, ArchiveKey: e.ArchiveKey, Ref: e.ArchiveRef, Detail: sc.err.Error()})
			continue
		}
		if !sc.keys[e.ArchiveKey] {
			rep.Problems = append(rep.Problems, Problem{Kind: ProblemMissingRecord, ArchiveKey: e.ArchiveKey, Ref: e.ArchiveRef})
		}
	}
	return rep
}

// RebuildIndex adds an entry for every shard record the index lacks. It
// never removes entries. The returned entries are those added.
func (s Store) RebuildIndex(idx *Index, now time.Time) ([]Entry, error) {
	refs, err := s.ShardRefs()
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	var added []Entry
	for _, ref := range refs {
		lines, _, err := s.ReadShard(ref)
		if err != nil {
			return added, err
		}
		for _, sl := range lines {
			if idx.Has(sl.Record.ArchiveKey) {
				continue
			}
			e := entryFor(sl.Record, ref)
			idx.put(e)
			added = append(added, e)
		}
	}
	if len(added) > 0 {
		idx.LastUpdated = docstore.FormatTimestamp(now)
	}
	return added, nil
}

// Query filters index entries. Empty fields match everything.
type Query struct {
	FeatureID string
	Kind      Kind
	Text      string
	Limit     int
}

// Search returns the entries matching q, newest first.
func Search(idx *Index, q Query) []Entry {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	feature := strings.TrimSpace(q.FeatureID)

	var out []Entry
	for _, e := range idx.Entries {
		if feature != "" && e.FeatureID != feature && docstore.Slug(e.FeatureID) != docstore.Slug(feature) {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(e.ArchiveKey+" "+e.ItemID+" "+e.FeatureID), text) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := docstore.ParseTimestamp(out[i].ArchivedAt)
		tj, _ := docstore.ParseTimestamp(out[j].ArchivedAt)
		return ti.After(tj)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
