// Package smoke runs the smoke checks of a PJRT plugin registered as a backend.
//
// The sequence is fixed, and it stops at the first failure:
//
//  1. Register the plugin (see plugins.Initialize) and select it as the active platform.
//  2. "devices": enumerate the devices.
//  3. "add": 1 + 1 == 2, eagerly.
//  4. "jit": compiled x -> x*2 at 1.0 == 2.0.
//  5. "pmap": map over all devices adding the all-reduced sum.
package smoke

import (
	"fmt"
	"io"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rradsmoke/plugins"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrCheckFailed is returned when a check produces an unexpected value.
	ErrCheckFailed = errors.New("check failed")

	// ErrNoDevices is returned by the "pmap" check if the platform has no devices to map over.
	ErrNoDevices = errors.New("no devices available")
)

// check is one named step of the smoke sequence.
type check struct {
	name string
	run  func(s *session) error
}

// session holds the state shared by the checks of one Run.
type session struct {
	backendName string
	fw          Framework
	out         io.Writer
	devices     []Device
}

func (s *session) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

var checks = []check{
	{name: "devices", run: checkDevices},
	{name: "add", run: checkAdd},
	{name: "jit", run: checkJIT},
	{name: "pmap", run: checkPMap},
}

// Checks returns the names of the checks, in the order they are run.
func Checks() []string {
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.name)
	}
	return names
}

// Run registers the plugin configured in cfg with registry, selects it in fw and runs the checks,
// writing their progress to out.
//
// It returns the first error, including panics raised by the registry or the framework.
func Run(cfg plugins.Config, registry plugins.Registry, fw Framework, out io.Writer) (err error) {
	exception := exceptions.Try(func() {
		err = run(cfg, registry, fw, out)
	})
	if exception != nil {
		err = panicToError(exception)
	}
	return
}

func panicToError(exception any) error {
	if err, ok := exception.(error); ok {
		return errors.WithMessage(err, "panic")
	}
	return errors.Errorf("panic: %v", exception)
}

func run(cfg plugins.Config, registry plugins.Registry, fw Framework, out io.Writer) error {
	if fw == nil {
		return errors.New("smoke.Run: nil Framework")
	}
	backendName, err := plugins.Initialize(registry, cfg)
	if err != nil {
		return err
	}
	if err := fw.SelectPlatform(backendName); err != nil {
		return errors.WithMessagef(err, "failed to select backend %q", backendName)
	}
	s := &session{backendName: backendName, fw: fw, out: out}
	for _, c := range checks {
		klog.V(1).Infof("Running check %q on backend %q", c.name, backendName)
		if err := c.run(s); err != nil {
			return errors.WithMessagef(err, "%s test", c.name)
		}
	}
	return nil
}

func checkDevices(s *session) error {
	devices, err := s.fw.Devices()
	if err != nil {
		return err
	}
	s.devices = devices
	for _, d := range devices {
		klog.V(1).Infof("Device #%d: hardwareId=%d, %s", d.Num, d.HardwareID, d.Description)
	}
	s.printf("backend=%s device_count=%d\n", s.backendName, len(devices))
	return nil
}

func checkAdd(s *session) error {
	got, err := s.fw.Add(1, 1)
	if err != nil {
		return err
	}
	if got != 2 {
		return errors.Wrapf(ErrCheckFailed, "add(1, 1): got %d, wanted 2", got)
	}
	s.printf("add test passed\n")
	return nil
}

func checkJIT(s *session) error {
	double, err := s.fw.JIT("x*2", func(t Tracer, x Scalar) Scalar {
		return t.Mul(x, t.Constant(2))
	})
	if err != nil {
		return err
	}
	got, err := double(1)
	if err != nil {
		return err
	}
	if got != 2 {
		return errors.Wrapf(ErrCheckFailed, "jit(x*2)(1.0): got %g, wanted 2.0", got)
	}
	s.printf("jit test passed\n")
	return nil
}

func checkPMap(s *session) error {
	if len(s.devices) == 0 {
		return errors.Wrapf(ErrNoDevices, "backend %q", s.backendName)
	}
	xs := make([]int32, len(s.devices))
	for i := range xs {
		xs[i] = int32(i)
	}
	got, err := s.fw.PMapAddPSum(xs)
	if err != nil {
		return err
	}
	total, err := s.fw.Sum(xs)
	if err != nil {
		return err
	}
	want := make([]int32, len(xs))
	for i, x := range xs {
		want[i] = x + total
	}
	if !slices.Equal(got, want) {
		return errors.Wrapf(ErrCheckFailed, "pmap(x + psum(x)) over %v: got %v, wanted %v", xs, got, want)
	}
	s.printf("pmap test passed\n")
	return nil
}
