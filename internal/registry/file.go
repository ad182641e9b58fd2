package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// FileRegistry serves routes from a JSON object of agent type to URL, e.g.
//
//	{"writer": "http://localhost:9001/run", "reviewer": "http://localhost:9002/run"}
//
// A failed reload keeps the last table that loaded successfully.
type FileRegistry struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[string]string
}

var _ Resolver = (*FileRegistry)(nil)

func NewFileRegistry(path string, logger *slog.Logger) *FileRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileRegistry{path: path, logger: logger, routes: map[string]string{}}
}

// Reload re-reads the file and swaps the route table.
func (f *FileRegistry) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read %q: %w", f.path, err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %q: %w", f.path, err)
	}
	routes := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == "" {
			return fmt.Errorf("%q: empty url for agent type %q", f.path, k)
		}
		routes[normalizeAgentType(k)] = v
	}
	f.mu.Lock()
	f.routes = routes
	f.mu.Unlock()
	f.logger.Info("agent routes loaded", "path", f.path, "routes", len(routes))
	return nil
}

func (f *FileRegistry) Resolve(_ context.Context, agentType string) (string, error) {
	f.mu.RLock()
	url, ok := f.routes[normalizeAgentType(agentType)]
	f.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", agentType, ErrUnknownAgent)
	}
	return url, nil
}

// Len returns the number of loaded routes.
func (f *FileRegistry) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.routes)
}

// Watch reloads the table whenever the file changes, until ctx is done. The
// parent directory is watched so editors that replace the file are handled.
func (f *FileRegistry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path, err := filepath.Abs(f.path)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(defaultWatchDebounce)
				fire = timer.C
			case <-fire:
				fire = nil
				if err := f.Reload(); err != nil {
					f.logger.Warn("agent routes reload failed, keeping previous table", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn("agent routes watcher error", "error", err)
			}
		}
	}()
	return nil
}
