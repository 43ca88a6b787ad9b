package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/educredentials/badgekit/pkg/observability"
)

// App is a per-tenant front-end configuration. The login flow selects one via
// session/state and uses its URLs as redirect targets.
type App struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	UIBaseURL        string `yaml:"ui_base_url"`
	LoginCompleteURL string `yaml:"login_complete_url"`
	EmailFrom        string `yaml:"email_from,omitempty"`
}

// appsFile is the on-disk registry format
type appsFile struct {
	Apps []App `yaml:"apps"`
}

// AppRegistry holds the front-end apps, hot-reloaded when the backing file
// changes.
type AppRegistry struct {
	mu        sync.RWMutex
	apps      map[string]*App
	path      string
	defaultID string
}

// LoadAppRegistry reads the registry file and returns a registry with the
// given default app fallback.
func LoadAppRegistry(path, defaultID string) (*AppRegistry, error) {
	r := &AppRegistry{
		apps:      make(map[string]*App),
		path:      path,
		defaultID: defaultID,
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// reload re-reads the backing file, replacing the registry contents
func (r *AppRegistry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read app registry: %w", err)
	}

	var file appsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse app registry: %w", err)
	}
	if len(file.Apps) == 0 {
		return fmt.Errorf("app registry is empty")
	}

	apps := make(map[string]*App, len(file.Apps))
	for i := range file.Apps {
		app := file.Apps[i]
		if app.ID == "" {
			return fmt.Errorf("app registry entry %d has no id", i)
		}
		apps[app.ID] = &app
	}

	r.mu.Lock()
	r.apps = apps
	r.mu.Unlock()
	return nil
}

// Get returns the app for id, falling back to the default app when the id is
// unknown or empty. Returns nil only if the default app is missing too.
func (r *AppRegistry) Get(id string) *App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if app, ok := r.apps[id]; ok {
		return app
	}
	return r.apps[r.defaultID]
}

// Default returns the fallback app
func (r *AppRegistry) Default() *App {
	return r.Get(r.defaultID)
}

// Len returns the number of registered apps
func (r *AppRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

// Watch reloads the registry when the backing file is rewritten. Blocks until
// the context is canceled; run it in its own goroutine.
func (r *AppRegistry) Watch(ctx context.Context, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are handled
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch app registry: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Clean(event.Name) == filepath.Clean(r.path) {
				if err := r.reload(); err != nil {
					logger.WithError(err).Warn("app registry reload failed, keeping previous registry")
					continue
				}
				logger.WithField("apps", r.Len()).Info("app registry reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("app registry watch error")
		}
	}
}
