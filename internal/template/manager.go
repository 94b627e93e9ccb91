package template

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

// debounceDelay coalesces editor save bursts into one reload.
const debounceDelay = 300 * time.Millisecond

// Manager owns the live template set. Lookups read an atomic snapshot;
// reloads build a fresh set and swap it in. A file that fails to parse is
// rejected with a log line while its previous good version stays live.
type Manager struct {
	dir    string
	logger *slog.Logger

	templates atomic.Pointer[map[string]*Template]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	debouncer *time.Timer
	closed    bool
}

// NewManager loads every template in dir. An empty dir means templating is
// unavailable; lookups will fail until a directory is configured.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{dir: dir, logger: logger}
	empty := make(map[string]*Template)
	m.templates.Store(&empty)

	if dir != "" {
		if _, err := m.Reload(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Reload re-scans the directory and swaps the template set. It returns the
// number of live templates. Individual files that fail to parse keep their
// previous version; only an unreadable directory is fatal.
func (m *Manager) Reload() (int, error) {
	if m.dir == "" {
		return 0, fmt.Errorf("no template directory configured")
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir: %w", err)
	}

	old := *m.templates.Load()
	next := make(map[string]*Template)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".txt" && ext != ".md" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		path := filepath.Join(m.dir, entry.Name())

		if prev, ok := next[name]; ok {
			m.logger.Warn("template name collision, later file wins",
				"name", name, "kept", path, "shadowed", prev.Path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Error("template unreadable, keeping previous version",
				"name", name, "path", path, "error", err)
			if prev, ok := old[name]; ok {
				next[name] = prev
			}
			continue
		}

		tpl, err := Parse(name, string(data))
		if err != nil {
			m.logger.Error("template rejected, keeping previous version",
				"name", name, "path", path, "error", err)
			if prev, ok := old[name]; ok {
				next[name] = prev
			}
			continue
		}
		tpl.Path = path
		tpl.LoadedAt = time.Now()
		next[name] = tpl
	}

	m.templates.Store(&next)
	return len(next), nil
}

// Get returns one template by name.
func (m *Manager) Get(name string) (*Template, bool) {
	t, ok := (*m.templates.Load())[name]
	return t, ok
}

// List returns the live template names, sorted.
func (m *Manager) List() []string {
	set := *m.templates.Load()
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info describes one loaded template for listing surfaces.
type Info struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Placeholders []string  `json:"placeholders,omitempty"`
	Size         int       `json:"size"`
	LoadedAt     time.Time `json:"loadedAt"`
}

// Infos describes the live templates, sorted by name.
func (m *Manager) Infos() []Info {
	set := *m.templates.Load()
	out := make([]Info, 0, len(set))
	for _, t := range set {
		out = append(out, Info{
			Name:         t.Name,
			Path:         t.Path,
			Placeholders: t.Placeholders,
			Size:         len(t.Source),
			LoadedAt:     t.LoadedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Render renders a template by name.
func (m *Manager) Render(name string, vars map[string]any) (string, error) {
	t, ok := m.Get(name)
	if !ok {
		return "", muxerrors.Newf(muxerrors.KindConfig, "unknown template %q", name)
	}
	return t.Render(vars)
}

// Watch reloads on file changes until ctx is done or Close is called.
func (m *Manager) Watch(ctx context.Context) error {
	if m.dir == "" {
		return fmt.Errorf("no template directory configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch template dir: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		watcher.Close()
		return fmt.Errorf("template manager is closed")
	}
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	relevant := fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".txt" && ext != ".md" {
				continue
			}
			if event.Op&relevant == 0 {
				continue
			}
			m.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("template watcher error", "error", err)
		}
	}
}

func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.debouncer != nil {
		m.debouncer.Stop()
	}
	m.debouncer = time.AfterFunc(debounceDelay, func() {
		n, err := m.Reload()
		if err != nil {
			m.logger.Error("template reload failed", "error", err)
			return
		}
		m.logger.Info("templates reloaded", "count", n)
	})
}

// Close stops watching. The last template set stays lookupable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.debouncer != nil {
		m.debouncer.Stop()
		m.debouncer = nil
	}
	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}
