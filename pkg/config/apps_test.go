package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/educredentials/badgekit/pkg/observability"
)

const testAppsYAML = `apps:
  - id: default
    name: Edubadges
    ui_base_url: https://badges.example.edu
    login_complete_url: https://badges.example.edu/auth/login
  - id: welcome
    name: Welcome
    ui_base_url: https://welcome.example.edu
    login_complete_url: https://welcome.example.edu/auth/login
`

func writeApps(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppRegistry(t *testing.T) {
	registry, err := LoadAppRegistry(writeApps(t, testAppsYAML), "default")
	require.NoError(t, err)

	assert.Equal(t, 2, registry.Len())
	assert.Equal(t, "Welcome", registry.Get("welcome").Name)
	assert.Equal(t, "Edubadges", registry.Default().Name)
}

func TestGetFallsBackToDefault(t *testing.T) {
	registry, err := LoadAppRegistry(writeApps(t, testAppsYAML), "default")
	require.NoError(t, err)

	app := registry.Get("unknown")
	require.NotNil(t, app)
	assert.Equal(t, "default", app.ID)

	assert.Equal(t, "default", registry.Get("").ID)
}

func TestLoadAppRegistryRejectsEmptyFile(t *testing.T) {
	_, err := LoadAppRegistry(writeApps(t, "apps: []\n"), "default")
	assert.Error(t, err)
}

func TestLoadAppRegistryRejectsMissingID(t *testing.T) {
	_, err := LoadAppRegistry(writeApps(t, "apps:\n  - name: NoID\n"), "default")
	assert.Error(t, err)
}

func TestWatchReloadsOnRewrite(t *testing.T) {
	path := writeApps(t, testAppsYAML)
	registry, err := LoadAppRegistry(path, "default")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := observability.NewLogger(observability.ErrorLevel, bytes.NewBuffer(nil))
	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.Watch(ctx, logger)
	}()

	// Give the watcher time to register before rewriting
	time.Sleep(100 * time.Millisecond)

	updated := testAppsYAML + `  - id: fresh
    name: Fresh
    ui_base_url: https://fresh.example.edu
    login_complete_url: https://fresh.example.edu/auth/login
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return registry.Len() == 3
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "Fresh", registry.Get("fresh").Name)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchKeepsRegistryOnBadRewrite(t *testing.T) {
	path := writeApps(t, testAppsYAML)
	registry, err := LoadAppRegistry(path, "default")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := observability.NewLogger(observability.ErrorLevel, bytes.NewBuffer(nil))
	go registry.Watch(ctx, logger)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("apps: []\n"), 0o644))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 2, registry.Len())
}
