package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/rradsmoke/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setFlags sets the flags for the duration of the test.
func setFlags(t *testing.T, plugin, backend, repoRoot string) {
	oldPlugin, oldBackend, oldRepoRoot, oldColor := *flagPlugin, *flagBackend, *flagRepoRoot, *flagColor
	*flagPlugin, *flagBackend, *flagRepoRoot, *flagColor = plugin, backend, repoRoot, false
	t.Cleanup(func() {
		*flagPlugin, *flagBackend, *flagRepoRoot, *flagColor = oldPlugin, oldBackend, oldRepoRoot, oldColor
	})
}

func TestConfig(t *testing.T) {
	root := t.TempDir()
	setFlags(t, "/opt/plugin.so", "", root)
	cfg, err := config()
	require.NoError(t, err)
	assert.Equal(t, plugins.Config{
		BackendName: plugins.DefaultBackendName,
		PluginPath:  "/opt/plugin.so",
		RepoRoot:    root,
		Priority:    plugins.DefaultPriority,
	}, cfg)

	setFlags(t, "~/plugin.so", "mine", root)
	cfg, err = config()
	require.NoError(t, err)
	assert.Equal(t, "mine", cfg.BackendName)
	assert.False(t, strings.HasPrefix(cfg.PluginPath, "~"))
	assert.Equal(t, "plugin.so", filepath.Base(cfg.PluginPath))
}

func TestEnvOr(t *testing.T) {
	t.Setenv(plugins.EnvBackendName, "from_env")
	assert.Equal(t, "from_env", envOr(plugins.EnvBackendName, plugins.DefaultBackendName))
	require.NoError(t, os.Unsetenv(plugins.EnvBackendName))
	assert.Equal(t, plugins.DefaultBackendName, envOr(plugins.EnvBackendName, plugins.DefaultBackendName))
}

func TestRunMissingPlugin(t *testing.T) {
	setFlags(t, "/nonexistent/path", plugins.DefaultBackendName, t.TempDir())
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(&stdout, &stderr))
	assert.Empty(t, stdout.String())
	msg := strings.TrimSpace(stderr.String())
	assert.True(t, strings.HasPrefix(msg, "PJRT integration smoke test failed: "), msg)
	assert.Contains(t, msg, "/nonexistent/path")
}

func TestRunNoCandidate(t *testing.T) {
	root := t.TempDir()
	setFlags(t, "", plugins.DefaultBackendName, root)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(&stdout, &stderr))
	assert.Contains(t, stderr.String(), plugins.CandidatePaths(root)[0])
	assert.Contains(t, stderr.String(), plugins.BuildTarget)
}
