package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/queue"
)

// Default locations, relative to the workspace.
const (
	DefaultRoot      = "state/archive"
	DefaultIndexPath = "state/archive/index.json"
	DefaultFormat    = "jsonl"
)

// Store locates the shards and the index of a workspace archive.
type Store struct {
	Workspace string
	Root      string
	IndexPath string
	Format    string
}

// NewStore returns a store for workspace with the default layout.
func NewStore(workspace string) Store {
	return Store{
		Workspace: workspace,
		Root:      DefaultRoot,
		IndexPath: DefaultIndexPath,
		Format:    DefaultFormat,
	}
}

func (s Store) format() string {
	if s.Format == "" {
		return DefaultFormat
	}
	return s.Format
}

// Resolve maps a workspace-relative reference to a filesystem path.
func (s Store) Resolve(ref string) string {
	p := filepath.FromSlash(ref)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Workspace, p)
}

func (s Store) ref(file string) string {
	rel, err := filepath.Rel(s.Workspace, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

// RootDir is the directory holding the shards.
func (s Store) RootDir() string {
	root := s.Root
	if root == "" {
		root = DefaultRoot
	}
	return s.Resolve(root)
}

// ShardRef returns the reference of the shard holding a feature's records.
func (s Store) ShardRef(featureID string) string {
	return s.ref(filepath.Join(s.RootDir(), queue.FeatureSlug(featureID)+"."+s.format()))
}

// IndexFile is the filesystem path of the index.
func (s Store) IndexFile() string {
	p := s.IndexPath
	if p == "" {
		p = DefaultIndexPath
	}
	return s.Resolve(p)
}

// LoadIndex reads the index. A missing index is an empty one.
func (s Store) LoadIndex(now time.Time) (*Index, error) {
	data, err := os.ReadFile(s.IndexFile())
	if errors.Is(err, fs.ErrNotExist) {
		return NewIndex(now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive index: %w", err)
	}
	idx, err := DecodeIndex(data)
	if err != nil {
		return nil, fmt.Errorf("decode archive index %s: %w", s.IndexFile(), err)
	}
	return idx, nil
}

// SaveIndex replaces the index on disk unless it is unchanged.
func (s Store) SaveIndex(idx *Index) (bool, error) {
	data, err := EncodeIndex(idx)
	if err != nil {
		return false, fmt.Errorf("encode archive index: %w", err)
	}
	return docstore.WriteIfChanged(s.IndexFile(), data)
}

// ShardLine is a record read back from a shard with its line number.
type ShardLine struct {
	Line   int
	Record Record
}

// ReadShard returns the records of a shard in order. Lines that are not
// records are returned separately. A missing shard has no records.
func (s Store) ReadShard(ref string) ([]ShardLine, []docstore.LineError, error) {
	var out []ShardLine
	var bad []docstore.LineError
	lineErrs, err := docstore.ScanLines(s.Resolve(ref), func(line int, raw json.RawMessage) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ArchiveKey == "" {
			if err == nil {
				err = errors.New("record has no archive_key")
			}
			bad = append(bad, docstore.LineError{Line: line, Err: err})
			return nil
		}
		out = append(out, ShardLine{Line: line, Record: rec})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read shard %s: %w", ref, err)
	}
	bad = append(bad, lineErrs...)
	sort.Slice(bad, func(i, j int) bool { return bad[i].Line < bad[j].Line })
	return out, bad, nil
}

// ShardRefs lists every shard under the root, sorted.
func (s Store) ShardRefs() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.RootDir(), "*."+s.format()))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, s.ref(m))
	}
	return refs, nil
}

// Append writes records to the end of a shard.
func (s Store) Append(ref string, records []Record) error {
	vals := make([]any, len(records))
	for i := range records {
		vals[i] = records[i]
	}
	return docstore.AppendLines(s.Resolve(ref), vals...)
}
