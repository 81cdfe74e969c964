package smoke

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/rradsmoke/plugins"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry accepts any registration.
type fakeRegistry struct {
	names []string
}

func (r *fakeRegistry) RegisterPlugin(name string, _ int, _ string, _ map[string]any) error {
	r.names = append(r.names, name)
	return nil
}

// fakeScalar is how fakeFramework traces scalars: as a function of the input.
type fakeScalar func(x float32) float32

type fakeTracer struct{}

func (fakeTracer) Constant(value float32) Scalar {
	return fakeScalar(func(float32) float32 { return value })
}

func (fakeTracer) Add(x, y Scalar) Scalar {
	fx, fy := x.(fakeScalar), y.(fakeScalar)
	return fakeScalar(func(v float32) float32 { return fx(v) + fy(v) })
}

func (fakeTracer) Mul(x, y Scalar) Scalar {
	fx, fy := x.(fakeScalar), y.(fakeScalar)
	return fakeScalar(func(v float32) float32 { return fx(v) * fy(v) })
}

// fakeFramework evaluates everything on the host. Its fields allow injecting faults.
type fakeFramework struct {
	selected   string
	numDevices int
	addOffset  int32
	devicesErr error
	pmapPanic  any
	jitScale   float32
}

func (f *fakeFramework) SelectPlatform(name string) error {
	if f.selected != "" {
		return errors.Errorf("platform already selected: %q", f.selected)
	}
	f.selected = name
	return nil
}

func (f *fakeFramework) Devices() ([]Device, error) {
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	devices := make([]Device, f.numDevices)
	for i := range devices {
		devices[i] = Device{Num: i, HardwareID: i, Description: "fake cpu"}
	}
	return devices, nil
}

func (f *fakeFramework) Add(x, y int32) (int32, error) { return x + y + f.addOffset, nil }

func (f *fakeFramework) Sum(xs []int32) (int32, error) {
	var total int32
	for _, x := range xs {
		total += x
	}
	return total, nil
}

func (f *fakeFramework) JIT(_ string, fn ScalarFn) (Compiled, error) {
	traced := fn(fakeTracer{}, fakeScalar(func(x float32) float32 { return x })).(fakeScalar)
	return func(x float32) (float32, error) {
		y := traced(x)
		if f.jitScale != 0 {
			y *= f.jitScale
		}
		return y, nil
	}, nil
}

func (f *fakeFramework) PMapAddPSum(xs []int32) ([]int32, error) {
	if f.pmapPanic != nil {
		panic(f.pmapPanic)
	}
	total, _ := f.Sum(xs)
	out := make([]int32, len(xs))
	for i, x := range xs {
		out[i] = x + total
	}
	return out, nil
}

// pluginConfig returns a Config pointing to an existing (fake) plugin file.
func pluginConfig(t *testing.T) plugins.Config {
	path := filepath.Join(t.TempDir(), "pjrt_c_api_cpu_plugin.so")
	must.M(os.WriteFile(path, []byte("fake plugin"), 0o644))
	return plugins.Config{PluginPath: path, RepoRoot: t.TempDir()}
}

func TestChecks(t *testing.T) {
	assert.Equal(t, []string{"devices", "add", "jit", "pmap"}, Checks())
}

func TestRun(t *testing.T) {
	for _, numDevices := range []int{1, 4} {
		registry := &fakeRegistry{}
		fw := &fakeFramework{numDevices: numDevices}
		var out bytes.Buffer
		require.NoError(t, Run(pluginConfig(t), registry, fw, &out))
		assert.Equal(t, []string{plugins.DefaultBackendName}, registry.names)
		assert.Equal(t, plugins.DefaultBackendName, fw.selected)
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 4)
		assert.Equal(t, fmt.Sprintf("backend=rrad_cpu device_count=%d", numDevices), lines[0])
		assert.Equal(t, []string{"add test passed", "jit test passed", "pmap test passed"}, lines[1:])
	}
}

func TestRunBackendName(t *testing.T) {
	cfg := pluginConfig(t)
	cfg.BackendName = "custom"
	fw := &fakeFramework{numDevices: 1}
	var out bytes.Buffer
	require.NoError(t, Run(cfg, &fakeRegistry{}, fw, &out))
	assert.Equal(t, "custom", fw.selected)
	assert.True(t, strings.HasPrefix(out.String(), "backend=custom device_count=1\n"))
}

func TestRunFailures(t *testing.T) {
	t.Run("missing plugin", func(t *testing.T) {
		cfg := plugins.Config{PluginPath: "/nonexistent/path"}
		fw := &fakeFramework{numDevices: 1}
		var out bytes.Buffer
		err := Run(cfg, &fakeRegistry{}, fw, &out)
		require.Error(t, err)
		assert.True(t, errors.Is(err, plugins.ErrPluginNotFound))
		assert.Contains(t, err.Error(), "/nonexistent/path")
		assert.Empty(t, fw.selected)
		assert.Empty(t, out.String())
	})

	t.Run("devices", func(t *testing.T) {
		devicesErr := errors.New("client lost")
		fw := &fakeFramework{devicesErr: devicesErr}
		err := Run(pluginConfig(t), &fakeRegistry{}, fw, &bytes.Buffer{})
		assert.True(t, errors.Is(err, devicesErr))
	})

	t.Run("add", func(t *testing.T) {
		var out bytes.Buffer
		err := Run(pluginConfig(t), &fakeRegistry{}, &fakeFramework{numDevices: 1, addOffset: 1}, &out)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCheckFailed))
		assert.Contains(t, err.Error(), "got 3")
		assert.NotContains(t, out.String(), "add test passed")
	})

	t.Run("jit", func(t *testing.T) {
		var out bytes.Buffer
		err := Run(pluginConfig(t), &fakeRegistry{}, &fakeFramework{numDevices: 1, jitScale: 3}, &out)
		assert.True(t, errors.Is(err, ErrCheckFailed))
		assert.Contains(t, out.String(), "add test passed")
		assert.NotContains(t, out.String(), "jit test passed")
	})

	t.Run("no devices", func(t *testing.T) {
		var out bytes.Buffer
		err := Run(pluginConfig(t), &fakeRegistry{}, &fakeFramework{}, &out)
		assert.True(t, errors.Is(err, ErrNoDevices))
		// Zero devices is only fatal when the pmap check needs them.
		assert.Contains(t, out.String(), "device_count=0")
		assert.Contains(t, out.String(), "jit test passed")
	})

	t.Run("panic", func(t *testing.T) {
		panicErr := errors.New("collective failed")
		err := Run(pluginConfig(t), &fakeRegistry{}, &fakeFramework{numDevices: 2, pmapPanic: panicErr}, &bytes.Buffer{})
		assert.True(t, errors.Is(err, panicErr))

		err = Run(pluginConfig(t), &fakeRegistry{}, &fakeFramework{numDevices: 2, pmapPanic: "boom"}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("nil framework", func(t *testing.T) {
		assert.Error(t, Run(pluginConfig(t), &fakeRegistry{}, nil, &bytes.Buffer{}))
	})
}
