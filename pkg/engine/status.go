package engine

import (
	"fmt"

	"github.com/planq/planq/pkg/stores"
)

// RunStatus represents the outcome of a preflight run.
type RunStatus string

const (
	// RunStatusRunning indicates the run holds the lock and is still working.
	RunStatusRunning RunStatus = "running"

	// RunStatusCommitted indicates the run wrote its results.
	RunStatusCommitted RunStatus = "committed"

	// RunStatusGateFailed indicates the quality gate blocked archival. Repairs
	// were still written.
	RunStatusGateFailed RunStatus = "gate_failed"

	// RunStatusFailed indicates the run stopped with an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusDryRun indicates the run computed its results without writing.
	RunStatusDryRun RunStatus = "dry_run"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusCommitted, RunStatusGateFailed,
		RunStatusFailed, RunStatusDryRun:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// catalogStatus maps the status onto the catalog's run status. Dry runs are
// never recorded.
func (s RunStatus) catalogStatus() stores.RunStatus {
	switch s {
	case RunStatusCommitted:
		return stores.RunStatusCommitted
	case RunStatusGateFailed:
		return stores.RunStatusGateFailed
	case RunStatusRunning:
		return stores.RunStatusRunning
	default:
		return stores.RunStatusFailed
	}
}
