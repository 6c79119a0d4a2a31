package stores

import (
	"context"
	"time"
)

// RunStatus represents the outcome of a preflight run
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCommitted  RunStatus = "committed"
	RunStatusGateFailed RunStatus = "gate_failed"
	RunStatusFailed     RunStatus = "failed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one preflight run
type Run struct {
	ID         string     `json:"id"`
	Workspace  string     `json:"workspace"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Counters   string     `json:"counters"` // JSON blob
	Error      *string    `json:"error,omitempty"`
}

// ArchiveEntry mirrors one archive index entry
type ArchiveEntry struct {
	ArchiveKey string  `json:"archive_key"`
	Kind       string  `json:"kind"`
	FeatureID  string  `json:"feature_id"`
	ItemID     string  `json:"item_id,omitempty"`
	ArchivedAt string  `json:"archived_at"`
	ArchiveRef string  `json:"archive_ref"`
	RunID      *string `json:"run_id,omitempty"`
}

// ArchiveFilter narrows ListArchiveEntries. Empty fields match everything.
type ArchiveFilter struct {
	FeatureID string
	Kind      string
	// Text matches archive key, feature id or item id, case-insensitively.
	Text  string
	Limit int
}

// Event represents something notable that happened during a run
type Event struct {
	ID        string     `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Level     EventLevel `json:"level"`
	Kind      string     `json:"kind"`
	Subject   string     `json:"subject,omitempty"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// SyncStats reports what RecordRun changed in the archive mirror
type SyncStats struct {
	Upserted int `json:"upserted"`
	Removed  int `json:"removed"`
}

// Store is the archive catalog interface
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time, counters string, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	RecordRun(ctx context.Context, run *Run, entries []ArchiveEntry, events []*Event) (*SyncStats, error)
	ListArchiveEntries(ctx context.Context, filter ArchiveFilter) ([]*ArchiveEntry, error)
	CountArchiveEntries(ctx context.Context) (map[string]int, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)
}

var _ Store = (*SQLiteStore)(nil)
