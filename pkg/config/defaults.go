package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/filelock"
	"github.com/planq/planq/pkg/plan"
	"github.com/planq/planq/pkg/queue"
	"github.com/planq/planq/pkg/reconcile"
	"github.com/planq/planq/pkg/stores"
	"github.com/planq/planq/pkg/telemetry"
)

// Default locations, relative to the workspace.
const (
	DefaultQueuePath   = "state/queue.json"
	DefaultSummaryPath = "state/summary.json"
	DefaultLockPath    = "state/.planq.lock"
	DefaultCatalogPath = "state/catalog.db"
	DefaultMetricsPath = "state/planq.prom"
	DefaultPlanFile    = "PLAN.json"
)

// Defaults returns the configuration used when a workspace has no config
// file.
func Defaults() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	lock := filelock.DefaultOptions()
	rules := queue.DefaultRules()
	arch := archive.DefaultOptions()

	setString(&c.QueuePath, DefaultQueuePath)
	setString(&c.ArchiveRoot, archive.DefaultRoot)
	setString(&c.ArchiveIndexPath, archive.DefaultIndexPath)
	setString(&c.ShardFormat, archive.DefaultFormat)
	setString(&c.SummaryPath, DefaultSummaryPath)
	setString(&c.PlanFile, DefaultPlanFile)
	if c.LegacyPlanFiles == nil {
		c.LegacyPlanFiles = []string{"PLAN.md"}
	}

	setString(&c.Lock.Path, DefaultLockPath)
	setDuration(&c.Lock.Timeout, lock.Timeout)
	setDuration(&c.Lock.PollInterval, lock.PollInterval)
	setDuration(&c.Lock.StaleAfter, lock.StaleAfter)

	if len(c.Roots) == 0 {
		for _, r := range reconcile.DefaultRoots() {
			c.Roots = append(c.Roots, rootConfigFrom(r))
		}
	}

	r := &c.Rules
	if len(r.AllowedStates) == 0 {
		r.AllowedStates = stateNames(rules.AllowedStates)
	}
	if len(r.AllowedTypes) == 0 {
		r.AllowedTypes = append([]string(nil), rules.AllowedTypes...)
	}
	setString(&r.DefaultType, r.AllowedTypes[0])
	if len(r.ArchiveStates) == 0 {
		r.ArchiveStates = stateNames(arch.ArchiveStates)
	}
	if len(r.FeatureArchiveStates) == 0 {
		r.FeatureArchiveStates = stateNames(arch.FeatureArchiveStates)
	}
	if r.EnforceHotQueueHygiene == nil {
		v := arch.EnforceHygiene
		r.EnforceHotQueueHygiene = &v
	}
	if r.RequiredFields.QueueItem == nil {
		r.RequiredFields.QueueItem = append([]string(nil), rules.RequiredFields...)
	}
	setString(&r.QualityGate.Mode, string(rules.GateMode))
	if r.QualityGate.ArchiveBlocking == nil {
		r.QualityGate.ArchiveBlocking = append([]string(nil), rules.ArchiveBlocking...)
	}
	if len(r.VerificationMarkers) == 0 {
		r.VerificationMarkers = append([]string(nil), rules.VerificationMarkers...)
	}
	setDuration(&r.LeaseDuration, rules.LeaseDuration)
	setDuration(&r.Retry.BaseDelay, rules.Retry.BaseDelay)
	setDuration(&r.Retry.MaxDelay, rules.Retry.MaxDelay)
	if r.Retry.MaxAttempts == 0 {
		r.Retry.MaxAttempts = rules.Retry.MaxAttempts
	}
	if len(r.DeliverableDenyPatterns) == 0 {
		r.DeliverableDenyPatterns = append([]string(nil), plan.DefaultDenyPatterns...)
	}
	setString(&r.DefaultClaimant, rules.DefaultClaimant)

	setString(&c.Catalog.Path, DefaultCatalogPath)
	setString(&c.Telemetry.LogLevel, "info")
	setString(&c.Telemetry.LogFormat, "console")
	if c.Telemetry.Tracing.Enabled {
		setString(&c.Telemetry.Tracing.Exporter, "stdout")
	}
	if c.Telemetry.Metrics.Enabled {
		setString(&c.Telemetry.Metrics.Textfile, DefaultMetricsPath)
	}
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setDuration(field *Duration, def time.Duration) {
	if *field == 0 {
		*field = Duration(def)
	}
}

func stateNames(states []queue.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func toStates(names []string) []queue.State {
	out := make([]queue.State, len(names))
	for i, n := range names {
		out[i] = queue.State(n)
	}
	return out
}

func rootConfigFrom(r reconcile.Root) RootConfig {
	statuses := make([]string, len(r.AllowedStatuses))
	for i, s := range r.AllowedStatuses {
		statuses[i] = string(s)
	}
	return RootConfig{
		Name:              r.Name,
		Path:              r.Path,
		DefaultStatus:     string(r.DefaultStatus),
		AllowedStatuses:   statuses,
		DefaultStageState: string(r.DefaultStageState),
		ItemState:         string(r.ItemState),
		ForceItemState:    r.ForceItemState,
		DeferredReason:    r.DeferredReason,
		SkipItems:         r.SkipItems,
	}
}

// Resolve maps a configured path onto the workspace.
func Resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, filepath.FromSlash(p))
}

// QueueRules returns the rule set for queue normalization and the gate.
func (c *Config) QueueRules() queue.Rules {
	r := c.Rules
	return queue.Rules{
		AllowedStates:  toStates(r.AllowedStates),
		AllowedTypes:   append([]string(nil), r.AllowedTypes...),
		DefaultType:    r.DefaultType,
		RequiredFields: append([]string(nil), r.RequiredFields.QueueItem...),
		LeaseDuration:  r.LeaseDuration.Std(),
		Retry: queue.RetryPolicy{
			BaseDelay:   r.Retry.BaseDelay.Std(),
			MaxDelay:    r.Retry.MaxDelay.Std(),
			MaxAttempts: r.Retry.MaxAttempts,
		},
		VerificationMarkers: append([]string(nil), r.VerificationMarkers...),
		GateMode:            queue.GateMode(r.QualityGate.Mode),
		GateRules:           append([]string(nil), r.QualityGate.Rules...),
		ArchiveBlocking:     append([]string(nil), r.QualityGate.ArchiveBlocking...),
		DefaultClaimant:     r.DefaultClaimant,
	}
}

// DenyPatterns compiles the placeholder deliverable patterns.
func (c *Config) DenyPatterns() ([]*regexp.Regexp, error) {
	deny, err := plan.CompileDenyPatterns(c.Rules.DeliverableDenyPatterns)
	if err != nil {
		return nil, fmt.Errorf("rules.deliverable_deny_patterns: %w", err)
	}
	return deny, nil
}

// PlanRoots returns the plan roots in configured order. Settings a root
// leaves out come from the built-in root of the same name, or from the
// current root.
func (c *Config) PlanRoots() []reconcile.Root {
	builtin := make(map[string]reconcile.Root)
	for _, r := range reconcile.DefaultRoots() {
		builtin[r.Name] = r
	}

	out := make([]reconcile.Root, 0, len(c.Roots))
	for _, rc := range c.Roots {
		base, ok := builtin[rc.Name]
		if !ok {
			base = builtin[plan.CurrentRoot.Name]
			base.ForceItemState = false
			base.SkipItems = false
		}
		r := base
		r.Name = rc.Name
		r.Path = rc.Path
		if rc.DefaultStatus != "" {
			r.DefaultStatus = plan.Status(rc.DefaultStatus)
		}
		if len(rc.AllowedStatuses) > 0 {
			r.AllowedStatuses = make([]plan.Status, len(rc.AllowedStatuses))
			for i, s := range rc.AllowedStatuses {
				r.AllowedStatuses[i] = plan.Status(s)
			}
		}
		if rc.DefaultStageState != "" {
			r.DefaultStageState = plan.Progress(rc.DefaultStageState)
		}
		if rc.ItemState != "" {
			r.ItemState = queue.State(rc.ItemState)
		}
		if rc.ForceItemState {
			r.ForceItemState = true
		}
		if rc.SkipItems {
			r.SkipItems = true
		}
		if rc.DeferredReason != "" {
			r.DeferredReason = rc.DeferredReason
		}
		out = append(out, r)
	}
	return out
}

// LockOptions returns the file lock settings.
func (c *Config) LockOptions() filelock.Options {
	return filelock.Options{
		Timeout:      c.Lock.Timeout.Std(),
		PollInterval: c.Lock.PollInterval.Std(),
		StaleAfter:   c.Lock.StaleAfter.Std(),
	}
}

// ArchiveStore returns the archive layout of workspace.
func (c *Config) ArchiveStore(workspace string) archive.Store {
	return archive.Store{
		Workspace: workspace,
		Root:      c.ArchiveRoot,
		IndexPath: c.ArchiveIndexPath,
		Format:    c.ShardFormat,
	}
}

// ArchiveOptions returns the archival triggers.
func (c *Config) ArchiveOptions() archive.Options {
	return archive.Options{
		ArchiveStates:        toStates(c.Rules.ArchiveStates),
		FeatureArchiveStates: toStates(c.Rules.FeatureArchiveStates),
		EnforceHygiene:       c.Rules.EnforceHotQueueHygiene == nil || *c.Rules.EnforceHotQueueHygiene,
	}
}

// CatalogSettings returns the SQLite catalog settings, or false when the
// catalog is disabled.
func (c *Config) CatalogSettings(workspace string) (stores.Config, bool) {
	if !c.Catalog.Enabled {
		return stores.Config{}, false
	}
	return stores.Config{Path: Resolve(workspace, c.Catalog.Path)}, true
}

// TelemetrySettings maps the telemetry section onto telemetry.Config.
// Metrics are always collected in memory; the textfile is only written when
// metrics are enabled.
func (c *Config) TelemetrySettings(workspace, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat

	if c.Telemetry.Tracing.Enabled {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
		tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	}

	if c.Telemetry.Metrics.Enabled {
		tc.Metrics.Textfile = Resolve(workspace, c.Telemetry.Metrics.Textfile)
	}
	return tc
}
