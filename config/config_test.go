package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/collab/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateHome points the global config lookup at an empty directory.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("COLLAB_HOME", "")
	return home
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 12*time.Second, cfg.Presence.StaleAfter())
	assert.Equal(t, 60*time.Second, cfg.Presence.RetainFor())
	assert.Equal(t, DefaultServerURL, cfg.Server.URL)
	assert.Equal(t, 2.0, cfg.Reconnect.Multiplier)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromWithoutProjectFileUsesDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleAfterMs, cfg.Presence.StaleAfterMs)
}

// TestHierarchicalMerging tests the three-level configuration merge:
// global -> project -> override
func TestHierarchicalMerging(t *testing.T) {
	home := isolateHome(t)
	globalDir := filepath.Join(home, ".config", "collab")
	require.NoError(t, os.MkdirAll(globalDir, 0755))

	global := `
server:
  url: ws://global.example/socket/websocket
  token: global-token
presence:
  stale_after_ms: 20000
`
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "collab.yml"), []byte(global), 0644))

	projectDir := t.TempDir()
	project := `
version: "1.0"
server:
  url: ws://project.example/socket/websocket
presence:
  retain_for_ms: 90000
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "collab.yml"), []byte(project), 0644))

	override := `
presence:
  stale_after_ms: 15000
`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "collab.override.yml"), []byte(override), 0644))

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	cfg, err := LoadFromWithLogger(projectDir, logger)
	require.NoError(t, err)

	assert.Equal(t, "ws://project.example/socket/websocket", cfg.Server.URL)
	assert.Equal(t, "global-token", cfg.Server.Token)
	assert.Equal(t, 15000, cfg.Presence.StaleAfterMs)
	assert.Equal(t, 90000, cfg.Presence.RetainForMs)
	assert.Equal(t, DefaultHeartbeatMs, cfg.Presence.HeartbeatMs)

	var logCfg struct {
		Level string `yaml:"level"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "debug", logCfg.Level)
}

func TestLoadTOML(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	content := `
version = "1.0"

[server]
url = "wss://collab.example/socket/websocket"

[presence]
stale_after_ms = 8000

[logging]
level = "warn"
`
	path := filepath.Join(dir, "collab.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://collab.example/socket/websocket", cfg.Server.URL)
	assert.Equal(t, 8000, cfg.Presence.StaleAfterMs)

	var logCfg struct {
		Level string `yaml:"level"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "warn", logCfg.Level)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("COLLAB_TEST_TOKEN", "secret")
	cfg, err := LoadFromBytes([]byte(`
server:
  token: ${COLLAB_TEST_TOKEN}
  url: ${COLLAB_TEST_MISSING:-ws://fallback/socket/websocket}
`))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, "ws://fallback/socket/websocket", cfg.Server.URL)
}

func TestValidationRejectsInconsistentPresence(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
presence:
  stale_after_ms: 70000
  retain_for_ms: 60000
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
}

func TestSchemaRejectsNegativeThreshold(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
presence:
  stale_after_ms: -5
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
}

func TestRejectsNonWebsocketURL(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
server:
  url: http://example.com
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "stale_after_ms")
	assert.Contains(t, string(data), "Collab Configuration")
}

func TestFindConfigFileWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "collab.yml"), []byte("version: \"1.0\"\n"), 0644))

	path, err := FindConfigFile(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "collab.yml"), path)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collab.yml")
	require.NoError(t, os.WriteFile(path, []byte("presence:\n  stale_after_ms: 12000\n"), 0644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, 10*time.Millisecond, nil, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Replace atomically so the watcher never reads a truncated file.
	tmp := filepath.Join(dir, "collab.yml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("presence:\n  stale_after_ms: 9000\n"), 0644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9000, cfg.Presence.StaleAfterMs)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
