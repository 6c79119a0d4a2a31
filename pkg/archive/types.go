package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/queue"
)

// Kind tells item records from whole-queue feature records.
type Kind string

const (
	KindItem    Kind = "item"
	KindFeature Kind = "feature"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindItem || k == KindFeature
}

// ItemKey is the archive key of a queue item.
func ItemKey(idempotencyKey string) string {
	return "item:" + idempotencyKey
}

// FeatureKey is the archive key of a queue snapshot archived as a whole.
func FeatureKey(featureID, updatedAt string) string {
	return fmt.Sprintf("feature:%s:%s", featureID, updatedAt)
}

// Record is one line of a shard.
type Record struct {
	ArchiveKey string          `json:"archive_key"`
	Kind       Kind            `json:"kind"`
	FeatureID  string          `json:"feature_id"`
	ArchivedAt string          `json:"archived_at"`
	Payload    json.RawMessage `json:"payload"`
}

// itemIdentity returns the id and creation time carried by an item payload.
func (r Record) itemIdentity() (id, createdAt string) {
	if r.Kind != KindItem || len(r.Payload) == 0 {
		return "", ""
	}
	var p struct {
		ID        string `json:"id"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return "", ""
	}
	return p.ID, p.CreatedAt
}

func (r Record) itemID() string {
	id, _ := r.itemIdentity()
	return id
}

// Entry locates one archived record.
type Entry struct {
	ArchiveKey string `json:"archive_key"`
	Kind       Kind   `json:"kind"`
	FeatureID  string `json:"feature_id"`
	ItemID     string `json:"item_id,omitempty"`
	ArchivedAt string `json:"archived_at"`
	ArchiveRef string `json:"archive_ref"`
}

func entryFor(r Record, ref string) Entry {
	return Entry{
		ArchiveKey: r.ArchiveKey,
		Kind:       r.Kind,
		FeatureID:  r.FeatureID,
		ItemID:     r.itemID(),
		ArchivedAt: r.ArchivedAt,
		ArchiveRef: ref,
	}
}

// Index lists every archived record and the shard holding it. It is the only
// archive file rewritten as a whole.
type Index struct {
	LastUpdated string  `json:"last_updated"`
	Entries     []Entry `json:"entries"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
	byKey   map[string]int
}

type indexFields Index

// UnmarshalJSON decodes leniently; entries that are not objects are dropped.
func (idx *Index) UnmarshalJSON(data []byte) error {
	var f indexFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*idx = Index(f)
	idx.Extra = extra
	idx.repairs = repairs
	return nil
}

// MarshalJSON writes declared fields in order, then unknown keys.
func (idx Index) MarshalJSON() ([]byte, error) {
	f := indexFields(idx)
	if f.Entries == nil {
		f.Entries = []Entry{}
	}
	return docstore.MarshalObject(f, idx.Extra)
}

// DecodeRepairs returns the repairs made when the index was read.
func (idx *Index) DecodeRepairs() []docstore.Repair {
	return idx.repairs
}

// NewIndex returns an empty index stamped at now.
func NewIndex(now time.Time) *Index {
	return &Index{LastUpdated: docstore.FormatTimestamp(now), Entries: []Entry{}}
}

// DecodeIndex reads an index document.
func DecodeIndex(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// EncodeIndex renders the index in canonical form.
func EncodeIndex(idx *Index) ([]byte, error) {
	return docstore.Marshal(idx)
}

func (idx *Index) reindex() {
	idx.byKey = make(map[string]int, len(idx.Entries))
	for i, e := range idx.Entries {
		if _, dup := idx.byKey[e.ArchiveKey]; !dup {
			idx.byKey[e.ArchiveKey] = i
		}
	}
}

// Has reports whether key is indexed.
func (idx *Index) Has(key string) bool {
	_, ok := idx.Lookup(key)
	return ok
}

// Lookup returns the entry for key.
func (idx *Index) Lookup(key string) (Entry, bool) {
	if idx.byKey == nil {
		idx.reindex()
	}
	i, ok := idx.byKey[key]
	if ok && (i >= len(idx.Entries) || idx.Entries[i].ArchiveKey != key) {
		idx.reindex()
		i, ok = idx.byKey[key]
	}
	if !ok {
		return Entry{}, false
	}
	return idx.Entries[i], true
}

// HasItem reports whether the item with the given id or idempotency key has
// been archived.
func (idx *Index) HasItem(idOrKey string) bool {
	if idx.Has(ItemKey(idOrKey)) {
		return true
	}
	for _, e := range idx.Entries {
		if e.Kind == KindItem && e.ItemID == idOrKey {
			return true
		}
	}
	return false
}

// put adds e, or replaces the entry with the same key. It reports whether the
// index changed.
func (idx *Index) put(e Entry) bool {
	if cur, ok := idx.Lookup(e.ArchiveKey); ok {
		if cur == e {
			return false
		}
		idx.Entries[idx.byKey[e.ArchiveKey]] = e
		return true
	}
	idx.Entries = append(idx.Entries, e)
	idx.byKey[e.ArchiveKey] = len(idx.Entries) - 1
	return true
}

// clone returns a deep copy so planning never touches the loaded index.
func (idx *Index) clone() *Index {
	out := &Index{
		LastUpdated: idx.LastUpdated,
		Entries:     append([]Entry{}, idx.Entries...),
		Extra:       idx.Extra,
	}
	out.reindex()
	return out
}

// Counts tallies entries per kind.
func (idx *Index) Counts() map[Kind]int {
	out := make(map[Kind]int, 2)
	for _, e := range idx.Entries {
		out[e.Kind]++
	}
	return out
}

func itemRecord(it *queue.Item, now time.Time) (Record, error) {
	payload, err := json.Marshal(it)
	if err != nil {
		return Record{}, fmt.Errorf("encode item %s: %w", it.ID, err)
	}
	return Record{
		ArchiveKey: ItemKey(it.IdempotencyKey),
		Kind:       KindItem,
		FeatureID:  it.FeatureID,
		ArchivedAt: docstore.FormatTimestamp(now),
		Payload:    payload,
	}, nil
}

func featureRecord(q *queue.Queue, now time.Time) (Record, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return Record{}, fmt.Errorf("encode queue snapshot: %w", err)
	}
	return Record{
		ArchiveKey: FeatureKey(q.FeatureID, q.UpdatedAt),
		Kind:       KindFeature,
		FeatureID:  q.FeatureID,
		ArchivedAt: docstore.FormatTimestamp(now),
		Payload:    payload,
	}, nil
}
