// Package plan defines the plan machine document kept in every plan
// directory and the normalizer that makes it canonical.
//
// A document is decoded leniently, then Normalize repairs it for the root it
// lives under: enums fall back to the root's defaults, narrative sections are
// reshaped into {summary, entries}, entries get stable ids and backfilled
// acceptance criteria and references, placeholder deliverables are replaced
// through ChooseDeliverable, and plan status is made coherent with the
// status of its implementation steps. updated_at only moves when something
// else changed.
//
// Legacy markdown plans are converted by MigrateMarkdown before
// normalization.
package plan
