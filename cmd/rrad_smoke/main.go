// rrad_smoke registers a PJRT plugin as a backend and runs the smoke checks against it.
//
// Usage:
//
//	rrad_smoke [--plugin <path>] [--backend <name>] [--repo_root <dir>]
//
// The plugin defaults to $PJRT_PLUGIN, or to the XLA build output under the repository root. The backend
// name defaults to $RRAD_JAX_BACKEND, or "rrad_cpu". It exits with 0 if all checks pass, 1 otherwise.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/rradsmoke/backends/xla"
	"github.com/gomlx/rradsmoke/internal/fsutil"
	"github.com/gomlx/rradsmoke/plugins"
	"github.com/gomlx/rradsmoke/smoke"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagPlugin = flag.String("plugin", os.Getenv(plugins.EnvPluginPath),
		fmt.Sprintf("Path to PJRT plugin shared library (defaults to $%s).", plugins.EnvPluginPath))
	flagBackend = flag.String("backend", envOr(plugins.EnvBackendName, plugins.DefaultBackendName),
		fmt.Sprintf("Backend name to register and select (defaults to $%s).", plugins.EnvBackendName))
	flagRepoRoot = flag.String("repo_root", "",
		fmt.Sprintf("Repository root where to search for the plugin build output, if --plugin is not given. "+
			"Defaults to $%s, or the closest parent directory with an \"xla\" sub-directory.", plugins.EnvRepoRoot))
	flagPriority = flag.Int("priority", plugins.DefaultPriority, "Priority of the plugin registration.")
	flagList     = flag.Bool("list", false, "List the checks, in the order they are run, and exit.")
	flagColor    = flag.Bool("color", true, "Color the final result line, if the terminal supports it.")
)

func envOr(key, defaultValue string) string {
	if value, found := os.LookupEnv(key); found {
		return value
	}
	return defaultValue
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagList {
		_ = must.M1(fmt.Println(strings.Join(smoke.Checks(), "\n")))
		return
	}
	os.Exit(run(os.Stdout, os.Stderr))
}

// config resolves the flags into the plugins.Config, once.
func config() (plugins.Config, error) {
	pluginPath, err := fsutil.ReplaceTildeInDir(*flagPlugin)
	if err != nil {
		return plugins.Config{}, err
	}
	return plugins.Config{
		BackendName: *flagBackend,
		PluginPath:  pluginPath,
		RepoRoot:    *flagRepoRoot,
		Priority:    *flagPriority,
	}.WithDefaults(), nil
}

func run(stdout, stderr io.Writer) int {
	cfg, err := config()
	if err == nil {
		registry := xla.NewRegistry()
		framework := xla.New(registry)
		err = smoke.Run(cfg, registry, framework, stdout)
		framework.Finalize()
	}
	if err != nil {
		klog.V(1).Infof("Smoke test error: %+v", err)
		_, _ = fmt.Fprintln(stderr, styled(stderr, failStyle, fmt.Sprintf("PJRT integration smoke test failed: %v", err)))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, styled(stdout, passStyle, "PJRT integration smoke test passed"))
	return 0
}

var (
	passStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
)

// styled renders text with style for w. It's plain text if w is not a terminal or --color=false.
func styled(w io.Writer, style lipgloss.Style, text string) string {
	renderer := lipgloss.NewRenderer(w)
	if !*flagColor {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return style.Renderer(renderer).Render(text)
}
