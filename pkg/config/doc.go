// Package config loads the planq workspace configuration.
//
// The configuration lives in the workspace root as planq.cue, planq.yaml,
// planq.yml or planq.json, looked up in that order. CUE files are evaluated
// with cuelang.org/go and unified with the built-in #Workspace schema, which
// closes the structure and constrains enums. YAML and JSON are decoded
// strictly: unknown keys are errors. Every format is then defaulted and
// validated with struct tags.
//
// # Example
//
//	rules: {
//	    quality_gate: {
//	        mode: "fail"
//	        archive_blocking: ["completeItemMissingCompletedAtIds"]
//	    }
//	    lease_duration: "30m"
//	    retry: {base_delay: "30s", max_attempts: 3}
//	}
//	roots: [
//	    {name: "current", path: "plans/current"},
//	    {name: "deferred", path: "plans/deferred"},
//	    {name: "archive", path: "plans/archive"},
//	]
//	catalog: {enabled: true}
//
// Durations are Go duration strings; bare numbers are seconds.
//
// A Config is passed explicitly to the components it configures through
// QueueRules, PlanRoots, DenyPatterns, LockOptions, ArchiveStore and
// ArchiveOptions. Errors carry file positions when the source provides them:
//
//	ValidationError{
//	    File:    "planq.cue",
//	    Line:    3,
//	    Column:  9,
//	    Path:    "rules.quality_gate.mode",
//	    Message: `conflicting values "block" and "warn"`,
//	}
package config
