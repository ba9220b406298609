package templates

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/stepengine/internal/observability"
)

// Registry holds builtin templates and templates loaded from local
// directories. Local templates shadow builtins with the same id.
type Registry struct {
	logger   *observability.Logger
	dirs     []string
	debounce time.Duration
	onReload func(count int, err error)

	mu      sync.RWMutex
	builtin map[string]*AgentTemplate
	local   map[string]*AgentTemplate

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDirs sets the directories scanned for local templates.
func WithDirs(dirs ...string) RegistryOption {
	return func(r *Registry) {
		r.dirs = append(r.dirs, dirs...)
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithWatchDebounce sets how long file events are coalesced before a reload.
func WithWatchDebounce(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.debounce = d
	}
}

// WithReloadHook is called after every reload triggered by the watcher.
func WithReloadHook(fn func(count int, err error)) RegistryOption {
	return func(r *Registry) {
		r.onReload = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		debounce: 250 * time.Millisecond,
		builtin:  make(map[string]*AgentTemplate),
		local:    make(map[string]*AgentTemplate),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = observability.NewNopLogger()
	}
	r.logger = r.logger.WithFields("component", "templates")
	return r
}

// Register adds a builtin template.
func (r *Registry) Register(tmpl *AgentTemplate) error {
	if tmpl == nil {
		return fmt.Errorf("template is nil")
	}
	if err := ValidateTemplate(tmpl); err != nil {
		return err
	}
	if tmpl.Source == "" {
		tmpl.Source = SourceBuiltin
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtin[tmpl.ID]; exists {
		return fmt.Errorf("template %s already registered", tmpl.ID)
	}
	r.builtin[tmpl.ID] = tmpl
	return nil
}

// Load scans the configured directories and replaces the local template
// set. Files that fail to parse are skipped and reported in the returned
// error; the valid ones are still loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	local := make(map[string]*AgentTemplate)
	var errs []error

	for _, dir := range r.dirs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		found, err := scanDir(dir)
		errs = append(errs, err)
		for _, tmpl := range found {
			if prev, dup := local[tmpl.ID]; dup {
				r.logger.Warn(ctx, "duplicate template id ignored", "id", tmpl.ID, "path", tmpl.Path, "kept", prev.Path)
				continue
			}
			local[tmpl.ID] = tmpl
		}
	}

	r.mu.Lock()
	r.local = local
	r.mu.Unlock()

	r.logger.Info(ctx, "loaded templates", "count", len(local))
	return len(local), errors.Join(errs...)
}

func scanDir(dir string) ([]*AgentTemplate, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var found []*AgentTemplate
	var errs []error
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTemplateFile(d.Name()) {
			return nil
		}
		tmpl, err := ParseTemplateFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		found = append(found, tmpl)
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, errors.Join(errs...)
}

func isTemplateFile(name string) bool {
	return name == TemplateFilename || strings.HasSuffix(name, TemplateSuffix)
}

// Get returns the template for id, preferring local templates.
func (r *Registry) Get(id string) (*AgentTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tmpl, ok := r.local[id]; ok {
		return tmpl, true
	}
	tmpl, ok := r.builtin[id]
	return tmpl, ok
}

// Resolve looks id up in the per-call template set first, then the registry.
func (r *Registry) Resolve(id string, local map[string]*AgentTemplate) (*AgentTemplate, bool) {
	if tmpl, ok := local[id]; ok && tmpl != nil {
		return tmpl, true
	}
	return r.Get(id)
}

// List returns every visible template sorted by id.
func (r *Registry) List() []*AgentTemplate {
	r.mu.RLock()
	merged := make(map[string]*AgentTemplate, len(r.builtin)+len(r.local))
	for id, tmpl := range r.builtin {
		merged[id] = tmpl
	}
	for id, tmpl := range r.local {
		merged[id] = tmpl
	}
	r.mu.RUnlock()

	out := make([]*AgentTemplate, 0, len(merged))
	for _, tmpl := range merged {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartWatching reloads local templates when files under the configured
// directories change.
func (r *Registry) StartWatching(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range r.dirs {
		if err := addTree(watcher, dir); err != nil {
			r.logger.Warn(ctx, "failed to watch templates dir", "dir", dir, "error", err)
		}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	r.watcher = watcher
	r.watchCancel = cancel
	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

func addTree(w *fsnotify.Watcher, root string) error {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Close stops the watcher.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	r.watchWg.Wait()
	return err
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			n, err := r.Load(context.Background())
			if err != nil {
				r.logger.Warn(context.Background(), "template reload reported errors", "error", err)
			}
			if r.onReload != nil {
				r.onReload(n, err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, event.Name)
				}
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn(ctx, "template watch error", "error", err)
		}
	}
}
