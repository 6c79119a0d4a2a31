package queue

import (
	"fmt"

	"github.com/planq/planq/pkg/docstore"
)

// UnscopedFeature names the shard and key prefix of work with no feature.
const UnscopedFeature = "unscoped"

// FeatureSlug returns the slug used for a feature id in keys and shard names.
func FeatureSlug(featureID string) string {
	if s := docstore.Slug(featureID); s != "" {
		return s
	}
	return UnscopedFeature
}

// baseID derives an item id from its identifying fields.
func baseID(it *Item) string {
	title := docstore.Slug(it.Title)
	feature := docstore.Slug(it.FeatureID)
	switch {
	case title != "" && feature != "":
		return feature + "-" + title
	case title != "":
		return title
	case it.PlanRef != nil && docstore.Slug(*it.PlanRef) != "":
		return "plan-" + docstore.Slug(*it.PlanRef)
	default:
		return "item-" + docstore.Digest(it.FeatureID, it.Title, it.CreatedAt, strValue(it.PlanRef), it.Type)
	}
}

// baseKey derives an idempotency key. It depends on content rather than on
// the assigned id so a re-submitted item maps to the same key.
func baseKey(it *Item) string {
	subject := docstore.Slug(it.Title)
	if subject == "" {
		subject = it.ID
	}
	if subject == "" {
		subject = docstore.Digest(it.FeatureID, it.CreatedAt, strValue(it.PlanRef))
	}
	return FeatureSlug(it.FeatureID) + ":" + subject
}

// IdentityKey returns the idempotency key of it, deriving one when the item
// carries none.
func IdentityKey(it *Item) string {
	if it.IdempotencyKey != "" {
		return it.IdempotencyKey
	}
	return baseKey(it)
}

// uniqueName returns base, or base with the smallest numeric suffix, that is
// neither in taken nor reported by known. known may be nil.
func uniqueName(base, sep string, taken map[string]bool, known func(string) bool) string {
	inUse := func(name string) bool {
		return taken[name] || (known != nil && known(name))
	}
	if !inUse(base) {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s%s%d", base, sep, n)
		if !inUse(candidate) {
			return candidate
		}
	}
}

// identitySet tracks ids and keys already in use during one pass.
type identitySet struct {
	ids  map[string]bool
	keys map[string]bool
}

func newIdentitySet(items []Item) *identitySet {
	s := &identitySet{ids: make(map[string]bool), keys: make(map[string]bool)}
	for i := range items {
		if items[i].ID != "" {
			s.ids[items[i].ID] = true
		}
		if items[i].IdempotencyKey != "" {
			s.keys[items[i].IdempotencyKey] = true
		}
	}
	return s
}

// assign fills a missing or colliding id and key on an item that is not yet
// part of the set, and records the result.
func (s *identitySet) assign(it *Item) (idChanged, keyChanged bool) {
	if it.ID == "" || s.ids[it.ID] {
		base := it.ID
		if base == "" {
			base = baseID(it)
		}
		it.ID = uniqueName(base, "-", s.ids, nil)
		idChanged = true
	}
	s.ids[it.ID] = true

	if it.IdempotencyKey == "" || s.keys[it.IdempotencyKey] {
		base := it.IdempotencyKey
		if base == "" {
			base = baseKey(it)
		}
		it.IdempotencyKey = uniqueName(base, ":", s.keys, nil)
		keyChanged = true
	}
	s.keys[it.IdempotencyKey] = true
	return idChanged, keyChanged
}

// assignIdentities gives every item a unique id and idempotency key. The
// first occurrence of an explicit value keeps it; later duplicates and
// blanks are derived, in item order, so the result is deterministic.
// Derived values also avoid the ids and keys reported by knownIDs and
// knownKeys, which describe archived work. Either may be nil.
func assignIdentities(items []Item, knownIDs, knownKeys func(string) bool) (changes []Change) {
	firstID := make(map[string]int)
	firstKey := make(map[string]int)
	for i := range items {
		if id := items[i].ID; id != "" {
			if _, seen := firstID[id]; !seen {
				firstID[id] = i
			}
		}
		if key := items[i].IdempotencyKey; key != "" {
			if _, seen := firstKey[key]; !seen {
				firstKey[key] = i
			}
		}
	}

	s := &identitySet{ids: make(map[string]bool), keys: make(map[string]bool)}
	for id := range firstID {
		s.ids[id] = true
	}
	for key := range firstKey {
		s.keys[key] = true
	}

	for i := range items {
		it := &items[i]
		if it.ID == "" || firstID[it.ID] != i {
			old := it.ID
			base := old
			if base == "" {
				base = baseID(it)
			}
			it.ID = uniqueName(base, "-", s.ids, knownIDs)
			s.ids[it.ID] = true
			changes = append(changes, Change{ItemID: it.ID, Field: "id", From: old, To: it.ID})
		}
		if it.IdempotencyKey == "" || firstKey[it.IdempotencyKey] != i {
			old := it.IdempotencyKey
			base := old
			if base == "" {
				base = baseKey(it)
			}
			it.IdempotencyKey = uniqueName(base, ":", s.keys, knownKeys)
			s.keys[it.IdempotencyKey] = true
			changes = append(changes, Change{ItemID: it.ID, Field: "idempotency_key", From: old, To: it.IdempotencyKey})
		}
	}
	return changes
}
