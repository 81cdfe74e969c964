package plugins

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry is the plugin registry of the numeric framework: it maps a backend name to a plugin library.
//
// Registrations are process-wide and can't be undone.
type Registry interface {
	// RegisterPlugin registers the plugin at libraryPath under the backend name.
	// Options are passed along to the plugin when a client is created, and may be nil.
	RegisterPlugin(name string, priority int, libraryPath string, options map[string]any) error
}

var (
	// ErrPluginNotFound is returned by Register when the plugin library doesn't exist.
	ErrPluginNotFound = errors.New("PJRT plugin library not found")

	// ErrEmptyBackendName is returned by Register when no backend name is given.
	ErrEmptyBackendName = errors.New("empty backend name")
)

// BuildTarget is the build target that produces the plugin, used in error messages.
const BuildTarget = "//xla/pjrt/c:" + PluginBaseName + ".so"

// Register the plugin at libraryPath under the backend name, with the given priority.
//
// It returns an error wrapping ErrPluginNotFound if libraryPath doesn't exist, and otherwise
// calls registry.RegisterPlugin exactly once, with no options.
func Register(registry Registry, name, libraryPath string, priority int) error {
	if name == "" {
		return errors.Wrapf(ErrEmptyBackendName, "can't register PJRT plugin %q", libraryPath)
	}
	info, err := os.Stat(libraryPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(ErrPluginNotFound, "no file at %q, build %s first", libraryPath, BuildTarget)
		}
		return errors.Wrapf(err, "failed to access PJRT plugin library %q", libraryPath)
	}
	if info.IsDir() {
		return errors.Wrapf(ErrPluginNotFound, "%q is a directory, build %s first", libraryPath, BuildTarget)
	}
	klog.V(1).Infof("Registering PJRT plugin %q (%s) as backend %q with priority %d",
		libraryPath, humanize.Bytes(uint64(info.Size())), name, priority)
	if err := registry.RegisterPlugin(name, priority, libraryPath, nil); err != nil {
		return errors.WithMessagef(err, "failed to register PJRT plugin %q as backend %q", libraryPath, name)
	}
	return nil
}
