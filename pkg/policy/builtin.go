package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		dependenciesPolicy(),
		leasesPolicy(),
	}
}

// dependenciesPolicy flags active items that started before their
// dependencies finished.
func dependenciesPolicy() Policy {
	return Policy{
		Name:        "dependencies",
		Description: "Active items must not depend on unfinished items",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package planq.policies.dependencies

import rego.v1

deny contains violation if {
	some item in input.queue.items
	item.state == "active"
	some dep in item.depends_on
	some other in input.queue.items
	other.id == dep
	other.state != "complete"
	violation := {
		"message": sprintf("active item %s depends on unfinished item %s (%s)", [item.id, dep, other.state]),
		"item_id": item.id,
	}
}
`,
	}
}

// leasesPolicy flags active items whose claim lease has run out.
func leasesPolicy() Policy {
	return Policy{
		Name:        "leases",
		Description: "Active items must hold an unexpired lease",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package planq.policies.leases

import rego.v1

deny contains violation if {
	some item in input.queue.items
	item.state == "active"
	is_string(item.lease_expires_at)
	time.parse_rfc3339_ns(item.lease_expires_at) < input.now_ns
	violation := {
		"message": sprintf("lease on active item %s held by %v expired at %s", [item.id, item.claimed_by, item.lease_expires_at]),
		"item_id": item.id,
	}
}
`,
	}
}
