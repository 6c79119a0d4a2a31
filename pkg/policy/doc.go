// Package policy evaluates Rego policies over the hot queue and turns their
// findings into quality-gate issues.
//
// Every policy module exposes a deny set. An entry is either a message string
// or an object:
//
//	deny contains {"message": msg, "item_id": item.id, "severity": "error"} if { ... }
//
// The input document is the queue in its on-disk form plus the evaluation
// time:
//
//	{"queue": {...}, "now": "2026-03-01T12:00:00Z", "now_ns": 1772366400000000000}
//
// Each entry becomes an issue with rule id "policy:<name>" whose subject is the
// item id, or "queue" when the entry names no item. Error entries block the
// gate in fail mode; info and warning entries never do.
//
// # Built-in Policies
//
//   - dependencies (planq.policies.dependencies, error): an active item
//     depends on an item in the queue that is not complete.
//   - leases (planq.policies.leases, warning): an active item's lease has
//     expired.
//
// # Custom Policies
//
// Files and directories listed under policies in the workspace configuration
// are loaded after the built-ins. A .rego file is named after its base name;
// its leading comment block is the description and may set the default
// severity:
//
//	# Placeholder titles must be replaced before work starts.
//	# severity: error
//	package custom.titles
//
// A .json file holds a Policy definition with the module inline.
package policy
