package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/planq/planq/pkg/config"
	"github.com/planq/planq/pkg/docstore"
)

// DefaultDebounce is how long Watch waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	Debounce time.Duration

	// OnRun is called after every preflight run.
	OnRun func(*Summary, error)
}

// Watch runs Preflight once, then again whenever a plan document, the queue
// or the configuration changes. Files the previous run wrote are ignored
// while their content is unchanged, so a run never triggers itself. Watch
// blocks until ctx is cancelled.
func (w *Workspace) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return NewTransientError("start file watcher", err).WithCode(ErrCodeIOFailed)
	}
	defer watcher.Close()

	fw := &fileWatch{ws: w, watcher: watcher, own: make(map[string]string)}

	run := func() {
		summary, err := w.Preflight(ctx, PreflightOptions{})
		if summary != nil {
			fw.remember(summary.Written)
		}
		if opts.OnRun != nil {
			opts.OnRun(summary, err)
		}
	}
	run()
	// The first run may have created the state directory.
	fw.watchAll()

	timer := time.NewTimer(opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Watch stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if fw.relevant(ev) {
				timer.Reset(opts.Debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")

		case <-timer.C:
			if fw.configChanged {
				fw.configChanged = false
				w.reloadConfig()
				fw.watchAll()
			}
			run()
		}
	}
}

// fileWatch tracks the watched paths of a workspace.
type fileWatch struct {
	ws      *Workspace
	watcher *fsnotify.Watcher

	// own maps paths written by the last run to the digest of their content.
	own           map[string]string
	configChanged bool
}

func (fw *fileWatch) roots() []string {
	var roots []string
	for _, r := range fw.ws.Config.PlanRoots() {
		roots = append(roots, config.Resolve(fw.ws.Root, r.Path))
	}
	return roots
}

// watchAll adds the workspace root, the queue directory and every plan root
// tree. Missing plan roots are picked up when they are created under a
// watched directory.
func (fw *fileWatch) watchAll() {
	fw.add(fw.ws.Root)
	fw.add(filepath.Dir(fw.ws.QueuePath()))
	if fw.ws.ConfigSource != "" {
		fw.add(filepath.Dir(fw.ws.ConfigSource))
	}
	for _, root := range fw.roots() {
		fw.add(filepath.Dir(root))
		fw.addTree(root)
	}
}

func (fw *fileWatch) add(dir string) {
	if err := fw.watcher.Add(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fw.ws.logger.Debug().Err(err).Str("dir", fw.ws.Rel(dir)).Msg("Cannot watch directory")
	}
}

func (fw *fileWatch) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			fw.add(path)
		}
		return nil
	})
}

// remember records the content digests of the files a run wrote.
func (fw *fileWatch) remember(paths []string) {
	fw.own = make(map[string]string, len(paths))
	for _, p := range paths {
		if data, err := os.ReadFile(p); err == nil {
			fw.own[p] = docstore.Digest(string(data))
		}
	}
}

// relevant reports whether ev should trigger a run.
func (fw *fileWatch) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	path := filepath.Clean(ev.Name)

	if path == fw.ws.ConfigSource || (filepath.Dir(path) == fw.ws.Root && isConfigName(filepath.Base(path))) {
		fw.configChanged = true
		return true
	}

	if path == fw.ws.QueuePath() {
		return !fw.unchangedOwn(path)
	}

	for _, root := range fw.roots() {
		if strings.HasPrefix(root, path+string(filepath.Separator)) && ev.Has(fsnotify.Create) {
			// A parent of a missing plan root appeared.
			fw.addTree(path)
			return true
		}
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if ev.Has(fsnotify.Create) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				fw.addTree(path)
			}
		}
		return !fw.unchangedOwn(path)
	}
	return false
}

// unchangedOwn reports whether path still holds what the last run wrote.
func (fw *fileWatch) unchangedOwn(path string) bool {
	digest, ok := fw.own[path]
	if !ok {
		return false
	}
	data, err := os.ReadFile(path)
	return err == nil && docstore.Digest(string(data)) == digest
}

func isConfigName(name string) bool {
	for _, n := range config.Candidates {
		if name == n {
			return true
		}
	}
	return false
}

// reloadConfig re-reads the configuration. An invalid configuration is
// logged and the previous one stays in effect.
func (w *Workspace) reloadConfig() {
	cfg, source, err := config.NewCUEParser().Load(w.Root, w.configPath)
	if err != nil {
		w.logger.Error().Err(err).Msg("Configuration change rejected")
		return
	}
	w.Config = cfg
	w.ConfigSource = source
	w.policies = policyCache{}
	w.logger.Info().Str("config", w.Rel(source)).Msg("Configuration reloaded")
}
