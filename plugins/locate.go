package plugins

import (
	"os"
	"path/filepath"

	"github.com/gomlx/rradsmoke/internal/fsutil"
	"k8s.io/klog/v2"
)

// PluginBaseName is the base name (without extension) of the PJRT CPU plugin produced by the XLA build.
const PluginBaseName = "pjrt_c_api_cpu_plugin"

// repoRootMarker is the directory that identifies the repository root: the XLA checkout holding the build outputs.
const repoRootMarker = "xla"

// SharedLibraryExtensions are the shared-library extensions probed, in order.
var SharedLibraryExtensions = []string{".so", ".dylib"}

// CandidatePaths returns the conventional build-output locations of the plugin under repoRoot, in probing order.
func CandidatePaths(repoRoot string) []string {
	dir := filepath.Join(repoRoot, "xla", "bazel-bin", "xla", "pjrt", "c")
	candidates := make([]string, 0, len(SharedLibraryExtensions))
	for _, ext := range SharedLibraryExtensions {
		candidates = append(candidates, filepath.Join(dir, PluginBaseName+ext))
	}
	return candidates
}

// ResolveLibraryPath returns the path of the plugin shared library.
//
// If override is not empty it is returned as is. Otherwise, it returns the first of CandidatePaths(repoRoot)
// that exists. If none exist it returns the first candidate anyway: it is not a valid path, but it makes
// for a meaningful "not found" error message later, at registration.
func ResolveLibraryPath(repoRoot, override string) string {
	if override != "" {
		return override
	}
	candidates := CandidatePaths(repoRoot)
	for _, candidate := range candidates {
		exists, err := fsutil.FileExists(candidate)
		if err != nil {
			klog.Warningf("Ignoring PJRT plugin candidate: %v", err)
			continue
		}
		if exists {
			return candidate
		}
	}
	return candidates[0]
}

// DefaultRepoRoot returns the repository root used to anchor CandidatePaths.
//
// It is EnvRepoRoot if set, otherwise the closest ancestor of the current directory that has
// an "xla" sub-directory, and finally the current directory itself.
func DefaultRepoRoot() string {
	if root := os.Getenv(EnvRepoRoot); root != "" {
		return root
	}
	cwd, err := os.Getwd()
	if err != nil {
		klog.Warningf("Failed to get current directory, using %q as repository root: %v", ".", err)
		return "."
	}
	if root, found := fsutil.FindAncestorWith(cwd, repoRootMarker); found {
		return root
	}
	return cwd
}
