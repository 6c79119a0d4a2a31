// Package archive moves terminal queue work into append-only per-feature
// shards and keeps the index that locates every archived record.
//
// Archival is planned in memory by Archiver.Plan and written by Commit:
// shard records first, then the index. The caller writes the hot queue
// last. Every record is keyed ("item:<idempotency_key>" or
// "feature:<feature_id>:<updated_at>") and a key already present in a shard
// or in the index is never written again, so a run interrupted between
// those writes is completed by the next one.
package archive
