// Package plugins locates a prebuilt PJRT plugin shared library and registers it under a backend name.
//
// Typical use:
//
//	cfg := plugins.ConfigFromEnv()
//	backendName, err := plugins.Initialize(registry, cfg)
//
// The registry is any implementation of Registry, e.g. the one in github.com/gomlx/rradsmoke/backends/pjrt.
package plugins

import (
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// EnvPluginPath is the environment variable with an explicit path to the plugin shared library.
	EnvPluginPath = "PJRT_PLUGIN"

	// EnvBackendName is the environment variable with the backend name to register the plugin under.
	EnvBackendName = "RRAD_JAX_BACKEND"

	// EnvRepoRoot overrides the repository root used to search for conventional build outputs.
	EnvRepoRoot = "RRAD_REPO_ROOT"

	// DefaultBackendName is used when no backend name is configured.
	DefaultBackendName = "rrad_cpu"

	// DefaultPriority is the priority the plugin is registered with.
	DefaultPriority = 500
)

// Config holds the resolved configuration for Initialize.
//
// It is resolved once (see ConfigFromEnv, or the rrad_smoke command-line flags) and passed
// explicitly, instead of being read from the environment at registration time.
type Config struct {
	// BackendName to register the plugin under. Empty means DefaultBackendName.
	BackendName string

	// PluginPath is an explicit path to the plugin. If empty, the conventional build
	// outputs under RepoRoot are searched.
	PluginPath string

	// RepoRoot anchors the conventional build outputs. Empty means DefaultRepoRoot().
	RepoRoot string

	// Priority given to the registration. Zero means DefaultPriority.
	Priority int
}

// ConfigFromEnv returns the Config defined by the environment variables EnvBackendName,
// EnvPluginPath and EnvRepoRoot.
func ConfigFromEnv() Config {
	cfg := Config{
		BackendName: DefaultBackendName,
		PluginPath:  os.Getenv(EnvPluginPath),
		Priority:    DefaultPriority,
	}
	if name, found := os.LookupEnv(EnvBackendName); found {
		cfg.BackendName = name
	}
	cfg.RepoRoot = DefaultRepoRoot()
	return cfg
}

// WithDefaults returns a copy of cfg with the empty fields filled with their defaults.
// PluginPath is left as is: an empty one means "search the conventional locations".
func (cfg Config) WithDefaults() Config {
	if cfg.BackendName == "" {
		cfg.BackendName = DefaultBackendName
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = DefaultRepoRoot()
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	return cfg
}

// Initialize resolves the plugin library path, registers it with registry under the configured
// backend name and returns that name.
//
// It is not idempotent: calling it twice for the same backend name on the same registry is not supported.
func Initialize(registry Registry, cfg Config) (string, error) {
	if registry == nil {
		return "", errors.New("plugins.Initialize: nil Registry")
	}
	cfg = cfg.WithDefaults()
	libraryPath := ResolveLibraryPath(cfg.RepoRoot, cfg.PluginPath)
	klog.V(1).Infof("PJRT plugin for backend %q resolved to %q", cfg.BackendName, libraryPath)
	if err := Register(registry, cfg.BackendName, libraryPath, cfg.Priority); err != nil {
		return "", err
	}
	return cfg.BackendName, nil
}
