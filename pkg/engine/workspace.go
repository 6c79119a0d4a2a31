package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/config"
	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/filelock"
	"github.com/planq/planq/pkg/queue"
	"github.com/planq/planq/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Options configures a Workspace.
type Options struct {
	// ConfigPath overrides the configuration file lookup.
	ConfigPath string

	// Now is the clock. Tests pin it.
	Now func() time.Time

	Logger zerolog.Logger

	// Telemetry receives spans, metrics and events. Nil disables them.
	Telemetry *telemetry.Telemetry
}

// Workspace is a directory holding a queue, an archive and plan roots. All
// state changes go through Preflight or Mutate, which hold the workspace
// lock for their whole duration.
type Workspace struct {
	Root         string
	Config       *config.Config
	ConfigSource string

	configPath string
	now        func() time.Time
	logger     zerolog.Logger
	tel        *telemetry.Telemetry
	policies   policyCache
}

// Open loads the configuration of the workspace at root.
func Open(root string, opts Options) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, NewPermanentError("resolve workspace", err).WithCode(ErrCodeConfigInvalid)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("not a directory")
		}
		return nil, NewPermanentError("open workspace", err).WithCode(ErrCodeConfigInvalid).WithResource(abs)
	}

	cfg, source, err := config.NewCUEParser().Load(abs, opts.ConfigPath)
	if err != nil {
		return nil, NewPermanentError("invalid configuration", err).WithCode(ErrCodeConfigInvalid).WithResource(source)
	}
	w := NewWorkspace(abs, cfg, source, opts)
	w.configPath = opts.ConfigPath
	return w, nil
}

// NewWorkspace wraps an already loaded configuration.
func NewWorkspace(root string, cfg *config.Config, source string, opts Options) *Workspace {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Workspace{
		Root:         root,
		Config:       cfg,
		ConfigSource: source,
		now:          opts.Now,
		logger:       opts.Logger.With().Str("component", "engine").Logger(),
		tel:          tel,
	}
}

// UseTelemetry replaces the telemetry of w. Its logger becomes the
// workspace logger. Callers build tel from w.Config, so it is attached
// after Open.
func (w *Workspace) UseTelemetry(tel *telemetry.Telemetry) {
	if tel == nil {
		return
	}
	w.tel = tel
	w.logger = tel.Logger.Zerolog().With().Str("component", "engine").Logger()
}

// QueuePath is the absolute path of the queue document.
func (w *Workspace) QueuePath() string {
	return config.Resolve(w.Root, w.Config.QueuePath)
}

// SummaryPath is the absolute path of the summary snapshot.
func (w *Workspace) SummaryPath() string {
	return config.Resolve(w.Root, w.Config.SummaryPath)
}

// LockPath is the absolute path of the workspace lock file.
func (w *Workspace) LockPath() string {
	return config.Resolve(w.Root, w.Config.Lock.Path)
}

// Archive returns the archive layout.
func (w *Workspace) Archive() archive.Store {
	return w.Config.ArchiveStore(w.Root)
}

// Rel returns path relative to the workspace root when it lies inside it.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// withLock runs fn while holding the workspace lock.
func (w *Workspace) withLock(ctx context.Context, op string, fn func() error) error {
	ic := telemetry.StartPhase(ctx, "lock")
	start := time.Now()
	token, err := filelock.Acquire(ctx, w.LockPath(), w.Config.LockOptions())
	w.tel.Metrics.RecordLockWait(time.Since(start))
	ic.End(err)
	if err != nil {
		return classify(op, err)
	}
	w.logger.Debug().Str("lock", w.Rel(w.LockPath())).Str("token", token.ID).Msg("Workspace lock acquired")

	defer func() {
		if err := filelock.Release(w.LockPath(), token); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to release workspace lock")
		}
	}()
	return fn()
}

// loadQueue reads the queue document. A missing queue is an empty template.
func (w *Workspace) loadQueue() (*queue.Queue, error) {
	path := w.QueuePath()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return queue.NewQueue(w.now().UTC()), nil
	}
	if err != nil {
		return nil, NewTransientError("read queue", err).WithCode(ErrCodeIOFailed).WithResource(w.Rel(path))
	}
	q, err := queue.Decode(data)
	if err != nil {
		return nil, NewPermanentError("queue document is not a JSON object", err).
			WithCode(ErrCodeDocumentInvalid).
			WithResource(w.Rel(path))
	}
	return q, nil
}

// loadIndex reads the archive index. A missing index is empty.
func (w *Workspace) loadIndex() (*archive.Index, error) {
	idx, err := w.Archive().LoadIndex(w.now().UTC())
	if err != nil {
		return nil, NewPermanentError("archive index is unreadable", err).
			WithCode(ErrCodeDocumentInvalid).
			WithResource(w.Rel(w.Archive().IndexFile()))
	}
	return idx, nil
}

// writeQueue persists q if its canonical form differs from the file.
func (w *Workspace) writeQueue(q *queue.Queue) (bool, error) {
	data, err := queue.Encode(q)
	if err != nil {
		return false, NewPermanentError("encode queue", err).WithCode(ErrCodeDocumentInvalid)
	}
	changed, err := docstore.WriteIfChanged(w.QueuePath(), data)
	if err != nil {
		return false, NewTransientError("write queue", err).WithCode(ErrCodeIOFailed).WithResource(w.Rel(w.QueuePath()))
	}
	return changed, nil
}
