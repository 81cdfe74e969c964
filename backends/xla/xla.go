// Package xla implements the plugin registry and the numeric framework used by the smoke checks
// on top of XLA/PJRT (github.com/gomlx/gopjrt).
//
// Registry implements plugins.Registry: it loads the PJRT plugin (a shared library) and keeps it under a
// backend name. Runtime implements smoke.Framework: it creates a PJRT client for the selected backend and
// compiles the computations with xlabuilder.
package xla

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/pjrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrAlreadyRegistered is returned if a backend name is registered a second time.
	ErrAlreadyRegistered = errors.New("backend already registered")

	// ErrNotRegistered is returned when selecting a backend name that was never registered.
	ErrNotRegistered = errors.New("backend not registered")
)

// Registration of a PJRT plugin under a backend name.
type Registration struct {
	Name        string
	Priority    int
	LibraryPath string

	// Options are passed to the plugin when creating a client.
	Options pjrt.NamedValuesMap

	// Plugin is the loaded plugin.
	Plugin *pjrt.Plugin
}

// Registry of PJRT plugins, keyed by backend name. It is safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	registrations map[string]*Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{registrations: make(map[string]*Registration)}
}

// RegisterPlugin loads the PJRT plugin at libraryPath and registers it under the backend name.
//
// Loading checks the plugin's PJRT C API version and initializes it. Registering the same name twice
// returns ErrAlreadyRegistered: registration is not idempotent.
func (r *Registry) RegisterPlugin(name string, priority int, libraryPath string, options map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, found := r.registrations[name]; found {
		return errors.Wrapf(ErrAlreadyRegistered, "backend %q (plugin %q)", name, previous.LibraryPath)
	}
	absPath, err := filepath.Abs(libraryPath)
	if err != nil {
		return errors.Wrapf(err, "backend %q: invalid plugin path %q", name, libraryPath)
	}
	plugin, err := pjrt.GetPlugin(absPath)
	if err != nil {
		return errors.WithMessagef(err, "backend %q: failed to load PJRT plugin %q", name, absPath)
	}
	klog.V(1).Infof("Backend %q: loaded %s", name, plugin)
	if klog.V(2).Enabled() {
		klog.Infof("Backend %q: plugin attributes %+v", name, plugin.Attributes())
	}
	r.registrations[name] = &Registration{
		Name:        name,
		Priority:    priority,
		LibraryPath: absPath,
		Options:     pjrt.NamedValuesMap(options),
		Plugin:      plugin,
	}
	return nil
}

// Lookup returns the registration for the backend name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	registration, found := r.registrations[name]
	return registration, found
}

// Names returns the registered backend names, highest priority first.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Registration, 0, len(r.registrations))
	for _, registration := range r.registrations {
		all = append(all, registration)
	}
	slices.SortFunc(all, func(a, b *Registration) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.Name, b.Name)
	})
	names := make([]string, len(all))
	for i, registration := range all {
		names[i] = registration.Name
	}
	return names
}
