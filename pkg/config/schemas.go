package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// builtinWorkspaceSchema closes the workspace configuration and constrains
// its enums. CUE configuration files are unified with #Workspace.
const builtinWorkspaceSchema = `
#Duration: string | (number & >=0)

#State: "pending" | "active" | "deferred" | "complete"

#PlanStatus: "draft" | "ready" | "in_progress" | "complete" | "deferred" | "archived"

#Root: {
	name: string & !=""
	path: string & !=""
	default_status?:      #PlanStatus
	allowed_statuses?:    [...#PlanStatus]
	default_stage_state?: "pending" | "complete"
	item_state?:          #State
	force_item_state?:    bool
	deferred_reason?:     string
	skip_items?:          bool
}

#Rules: {
	allowed_states?:            [...#State]
	allowed_types?:             [...string]
	default_type?:              string
	archive_states?:            [...#State]
	feature_archive_states?:    [...#State]
	enforce_hot_queue_hygiene?: bool
	required_fields?: {
		queue_item?: [...string]
		plan?:       [...string]
	}
	quality_gate?: {
		mode?:             "warn" | "fail"
		rules?:            [...string]
		archive_blocking?: [...string]
	}
	verification_markers?: [...string]
	lease_duration?:       #Duration
	retry?: {
		base_delay?:   #Duration
		max_delay?:    #Duration
		max_attempts?: int & >=0
	}
	deliverable_deny_patterns?: [...string]
	default_claimant?:          string
}

#Workspace: {
	queue_path?:         string
	archive_root?:       string
	archive_index_path?: string
	shard_format?:       "jsonl"
	summary_path?:       string
	lock?: {
		path?:          string
		timeout?:       #Duration
		poll_interval?: #Duration
		stale_after?:   #Duration
	}
	plan_file?:         string
	legacy_plan_files?: [...string]
	roots?:             [...#Root]
	rules?:             #Rules
	policies?:          [...string]
	catalog?: {
		enabled?: bool
		path?:    string
	}
	telemetry?: {
		log_level?:  "debug" | "info" | "warn" | "error"
		log_format?: "console" | "json"
		tracing?: {
			enabled?:  bool
			exporter?: "stdout" | "otlp"
			endpoint?: string
		}
		metrics?: {
			enabled?:  bool
			textfile?: string
		}
	}
}
`

// compileWorkspaceSchema returns the #Workspace definition.
func compileWorkspaceSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(builtinWorkspaceSchema, cue.Filename("planq-schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile workspace schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Workspace"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("lookup #Workspace: %w", err)
	}
	return def, nil
}
