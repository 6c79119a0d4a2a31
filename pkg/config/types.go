package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the workspace configuration. Paths are relative to the
// workspace root unless absolute.
type Config struct {
	// QueuePath is the hot queue document.
	QueuePath string `json:"queue_path,omitempty" yaml:"queue_path,omitempty"`

	// ArchiveRoot is the directory holding the per-feature shards.
	ArchiveRoot string `json:"archive_root,omitempty" yaml:"archive_root,omitempty"`

	// ArchiveIndexPath is the archive index document.
	ArchiveIndexPath string `json:"archive_index_path,omitempty" yaml:"archive_index_path,omitempty"`

	// ShardFormat is the shard file extension.
	ShardFormat string `json:"shard_format,omitempty" yaml:"shard_format,omitempty" validate:"omitempty,oneof=jsonl"`

	// SummaryPath is where the advisory run summary is written.
	SummaryPath string `json:"summary_path,omitempty" yaml:"summary_path,omitempty"`

	Lock LockConfig `json:"lock" yaml:"lock"`

	// PlanFile is the plan document name inside every plan directory.
	PlanFile string `json:"plan_file,omitempty" yaml:"plan_file,omitempty"`

	// LegacyPlanFiles are narrative files migrated when PlanFile is absent.
	LegacyPlanFiles []string `json:"legacy_plan_files,omitempty" yaml:"legacy_plan_files,omitempty"`

	Roots []RootConfig `json:"roots,omitempty" yaml:"roots,omitempty" validate:"dive"`

	Rules RulesConfig `json:"rules" yaml:"rules"`

	// Policies lists Rego files or directories evaluated by the quality gate.
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty"`

	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// LockConfig configures the workspace file lock.
type LockConfig struct {
	Path         string   `json:"path,omitempty" yaml:"path,omitempty"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"min=0"`
	PollInterval Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" validate:"min=0"`
	StaleAfter   Duration `json:"stale_after,omitempty" yaml:"stale_after,omitempty" validate:"min=0"`
}

// RootConfig describes one plan root.
type RootConfig struct {
	Name              string   `json:"name" yaml:"name" validate:"required"`
	Path              string   `json:"path" yaml:"path" validate:"required"`
	DefaultStatus     string   `json:"default_status,omitempty" yaml:"default_status,omitempty" validate:"omitempty,oneof=draft ready in_progress complete deferred archived"`
	AllowedStatuses   []string `json:"allowed_statuses,omitempty" yaml:"allowed_statuses,omitempty" validate:"dive,oneof=draft ready in_progress complete deferred archived"`
	DefaultStageState string   `json:"default_stage_state,omitempty" yaml:"default_stage_state,omitempty" validate:"omitempty,oneof=pending complete"`
	ItemState         string   `json:"item_state,omitempty" yaml:"item_state,omitempty" validate:"omitempty,oneof=pending active deferred complete"`
	ForceItemState    bool     `json:"force_item_state,omitempty" yaml:"force_item_state,omitempty"`
	DeferredReason    string   `json:"deferred_reason,omitempty" yaml:"deferred_reason,omitempty"`
	SkipItems         bool     `json:"skip_items,omitempty" yaml:"skip_items,omitempty"`
}

// RulesConfig is the declarative rule set applied by normalization, the
// quality gate and archival.
type RulesConfig struct {
	AllowedStates        []string `json:"allowed_states,omitempty" yaml:"allowed_states,omitempty" validate:"dive,oneof=pending active deferred complete"`
	AllowedTypes         []string `json:"allowed_types,omitempty" yaml:"allowed_types,omitempty" validate:"dive,required"`
	DefaultType          string   `json:"default_type,omitempty" yaml:"default_type,omitempty"`
	ArchiveStates        []string `json:"archive_states,omitempty" yaml:"archive_states,omitempty" validate:"dive,oneof=pending active deferred complete"`
	FeatureArchiveStates []string `json:"feature_archive_states,omitempty" yaml:"feature_archive_states,omitempty" validate:"dive,oneof=pending active deferred complete"`

	// EnforceHotQueueHygiene is a pointer so an explicit false survives
	// defaulting.
	EnforceHotQueueHygiene *bool `json:"enforce_hot_queue_hygiene,omitempty" yaml:"enforce_hot_queue_hygiene,omitempty"`

	RequiredFields          RequiredFieldsConfig `json:"required_fields" yaml:"required_fields"`
	QualityGate             QualityGateConfig    `json:"quality_gate" yaml:"quality_gate"`
	VerificationMarkers     []string             `json:"verification_markers,omitempty" yaml:"verification_markers,omitempty"`
	LeaseDuration           Duration             `json:"lease_duration,omitempty" yaml:"lease_duration,omitempty" validate:"min=0"`
	Retry                   RetryConfig          `json:"retry" yaml:"retry"`
	DeliverableDenyPatterns []string             `json:"deliverable_deny_patterns,omitempty" yaml:"deliverable_deny_patterns,omitempty"`
	DefaultClaimant         string               `json:"default_claimant,omitempty" yaml:"default_claimant,omitempty"`
}

// RequiredFieldsConfig lists fields whose absence is a quality-gate issue.
type RequiredFieldsConfig struct {
	QueueItem []string `json:"queue_item,omitempty" yaml:"queue_item,omitempty"`
	Plan      []string `json:"plan,omitempty" yaml:"plan,omitempty"`
}

// QualityGateConfig selects the gate mode and rules.
type QualityGateConfig struct {
	Mode            string   `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=warn fail"`
	Rules           []string `json:"rules,omitempty" yaml:"rules,omitempty"`
	ArchiveBlocking []string `json:"archive_blocking,omitempty" yaml:"archive_blocking,omitempty"`
}

// RetryConfig configures failure backoff.
type RetryConfig struct {
	BaseDelay   Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty" validate:"min=0"`
	MaxDelay    Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty" validate:"min=0"`
	MaxAttempts int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"min=0"`
}

// CatalogConfig configures the SQLite archive catalog.
type CatalogConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Enabled true"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string        `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string        `json:"log_format,omitempty" yaml:"log_format,omitempty" validate:"omitempty,oneof=console json"`
	Tracing   TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics   MetricsConfig `json:"metrics" yaml:"metrics"`
}

// TracingConfig selects a span exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Exporter string `json:"exporter,omitempty" yaml:"exporter,omitempty" validate:"omitempty,oneof=stdout otlp"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
}

// MetricsConfig configures the node-exporter textfile written after a run.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Textfile string `json:"textfile,omitempty" yaml:"textfile,omitempty" validate:"required_if=Enabled true"`
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "2h"). Bare numbers are read as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ValidationError is a configuration problem with its location when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		loc = e.File + ": "
	}
	if e.Path != "" {
		loc += e.Path + ": "
	}
	return loc + e.Message
}

// ValidationErrors collects every problem found in one configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
