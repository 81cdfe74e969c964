package xla

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/pjrt"
	"github.com/gomlx/gopjrt/xlabuilder"
	"github.com/gomlx/rradsmoke/smoke"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoPlatform is returned if Runtime is used before SelectPlatform.
var ErrNoPlatform = errors.New("no platform selected")

// Runtime implements smoke.Framework with a PJRT client of a backend of a Registry.
type Runtime struct {
	registry *Registry

	mu           sync.Mutex
	registration *Registration
	client       *pjrt.Client

	// addExec is the compiled scalar int32 addition, shared by Add and PMapAddPSum.
	addExec *pjrt.LoadedExecutable
}

var _ smoke.Framework = (*Runtime)(nil)

// New returns a Runtime that selects its platform from the backends of registry.
func New(registry *Registry) *Runtime {
	if registry == nil {
		exceptions.Panicf("xla.New: nil Registry")
	}
	return &Runtime{registry: registry}
}

// SelectPlatform creates the PJRT client for the backend registered under name.
// It can only be called once.
func (r *Runtime) SelectPlatform(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registration != nil {
		return errors.Errorf("platform %q already selected, can't select %q", r.registration.Name, name)
	}
	registration, found := r.registry.Lookup(name)
	if !found {
		return errors.Wrapf(ErrNotRegistered, "backend %q, registered backends: %q", name, r.registry.Names())
	}
	client, err := registration.Plugin.NewClient(registration.Options)
	if err != nil {
		return errors.WithMessagef(err, "backend %q: failed to create PJRT client", name)
	}
	klog.V(1).Infof("Backend %q: client %s", name, client)
	r.registration = registration
	r.client = client
	return nil
}

// Name of the selected backend, or "" if none was selected yet.
func (r *Runtime) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registration == nil {
		return ""
	}
	return r.registration.Name
}

// Client returns the PJRT client of the selected platform.
func (r *Runtime) Client() (*pjrt.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockedClient()
}

func (r *Runtime) lockedClient() (*pjrt.Client, error) {
	if r.client == nil {
		return nil, errors.WithStack(ErrNoPlatform)
	}
	return r.client, nil
}

// Finalize destroys the PJRT client. The Runtime can't be used afterward.
func (r *Runtime) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addExec != nil {
		if err := r.addExec.Destroy(); err != nil {
			klog.Warningf("Failure while destroying PJRT executable: %+v", err)
		}
		r.addExec = nil
	}
	if r.client != nil {
		if err := r.client.Destroy(); err != nil {
			klog.Warningf("Failure while destroying PJRT client: %+v", err)
		}
		r.client = nil
	}
}

// Devices lists the addressable devices of the selected platform.
func (r *Runtime) Devices() ([]smoke.Device, error) {
	client, err := r.Client()
	if err != nil {
		return nil, err
	}
	pDevices := client.AddressableDevices()
	devices := make([]smoke.Device, 0, len(pDevices))
	for num, device := range pDevices {
		d := smoke.Device{Num: num, HardwareID: device.LocalHardwareId()}
		desc, err := device.GetDescription()
		if err != nil {
			return nil, errors.WithMessagef(err, "backend %q: failed to describe device #%d", r.Name(), num)
		}
		d.Description = desc.DebugString()
		devices = append(devices, d)
	}
	return devices, nil
}

// Add x and y on the first device.
func (r *Runtime) Add(x, y int32) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, err := r.lockedClient()
	if err != nil {
		return 0, err
	}
	exec, err := r.lockedAddExec()
	if err != nil {
		return 0, err
	}
	return executeScalar[int32](client, exec, 0, x, y)
}

// lockedAddExec returns the compiled int32 scalar addition, compiling it on first use.
func (r *Runtime) lockedAddExec() (*pjrt.LoadedExecutable, error) {
	if r.addExec != nil {
		return r.addExec, nil
	}
	builder := xlabuilder.New("add")
	shape := xlabuilder.MakeShape(dtypes.Int32)
	x, err := xlabuilder.Parameter(builder, "x", 0, shape)
	if err != nil {
		return nil, errors.WithMessage(err, "add: Parameter(x)")
	}
	y, err := xlabuilder.Parameter(builder, "y", 1, shape)
	if err != nil {
		return nil, errors.WithMessage(err, "add: Parameter(y)")
	}
	sum, err := xlabuilder.Add(x, y)
	if err != nil {
		return nil, errors.WithMessage(err, "add: Add(x, y)")
	}
	exec, err := compile(r.client, "add", builder, sum)
	if err != nil {
		return nil, err
	}
	r.addExec = exec
	return exec, nil
}

// Sum reduces xs on the first device.
func (r *Runtime) Sum(xs []int32) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, err := r.lockedClient()
	if err != nil {
		return 0, err
	}
	return sum(client, xs)
}

// sum compiles and executes a ReduceSum of xs on the first device.
func sum(client *pjrt.Client, xs []int32) (int32, error) {
	name := fmt.Sprintf("sum_%d", len(xs))
	builder := xlabuilder.New(name)
	x, err := xlabuilder.Parameter(builder, "x", 0, xlabuilder.MakeShape(dtypes.Int32, len(xs)))
	if err != nil {
		return 0, errors.WithMessage(err, "sum: Parameter(x)")
	}
	total, err := xlabuilder.ReduceSum(x, 0)
	if err != nil {
		return 0, errors.WithMessage(err, "sum: ReduceSum(x)")
	}
	exec, err := compile(client, name, builder, total)
	if err != nil {
		return 0, err
	}
	defer destroyExec(exec)
	input, err := client.BufferFromHost().
		FromFlatDataWithDimensions(xs, []int{len(xs)}).
		ToDeviceNum(0).
		Done()
	if err != nil {
		return 0, errors.WithMessage(err, "sum: failed to transfer input to device")
	}
	defer destroyBuffers(input)
	output, err := execute(exec, 0, input)
	if err != nil {
		return 0, err
	}
	defer destroyBuffers(output)
	value, err := pjrt.BufferToScalar[int32](output)
	if err != nil {
		return 0, errors.WithMessage(err, "sum: failed to transfer result to host")
	}
	return value, nil
}

// compile the computation defined by builder, with output as its result.
func compile(client *pjrt.Client, name string, builder *xlabuilder.XlaBuilder, output *xlabuilder.Op) (*pjrt.LoadedExecutable, error) {
	comp, err := builder.Build(output)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build XLA computation %q", name)
	}
	exec, err := client.Compile().WithComputation(comp).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile %q", name)
	}
	return exec, nil
}

// execute exec on deviceNum and returns its only output.
func execute(exec *pjrt.LoadedExecutable, deviceNum int, inputs ...*pjrt.Buffer) (*pjrt.Buffer, error) {
	outputs, err := exec.Execute(inputs...).OnDevicesByNum(deviceNum).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute %q on device #%d", exec.Name, deviceNum)
	}
	if len(outputs) != 1 {
		destroyBuffers(outputs...)
		return nil, errors.Errorf("executing %q on device #%d: got %d outputs, wanted 1", exec.Name, deviceNum, len(outputs))
	}
	return outputs[0], nil
}

// executeScalar transfers the scalar inputs to deviceNum, executes exec there and transfers back its scalar result.
func executeScalar[T dtypes.Supported](client *pjrt.Client, exec *pjrt.LoadedExecutable, deviceNum int, inputs ...T) (T, error) {
	var zero T
	buffers := make([]*pjrt.Buffer, 0, len(inputs))
	defer func() { destroyBuffers(buffers...) }()
	for _, input := range inputs {
		buffer, err := pjrt.ScalarToBufferOnDeviceNum(client, deviceNum, input)
		if err != nil {
			return zero, errors.WithMessagef(err, "failed to transfer %v to device #%d", input, deviceNum)
		}
		buffers = append(buffers, buffer)
	}
	output, err := execute(exec, deviceNum, buffers...)
	if err != nil {
		return zero, err
	}
	defer destroyBuffers(output)
	value, err := pjrt.BufferToScalar[T](output)
	if err != nil {
		return zero, errors.WithMessagef(err, "failed to transfer result of %q to host", exec.Name)
	}
	return value, nil
}

func destroyBuffers(buffers ...*pjrt.Buffer) {
	for _, buffer := range buffers {
		if buffer == nil {
			continue
		}
		if err := buffer.Destroy(); err != nil {
			klog.Warningf("Failure while destroying PJRT buffer: %+v", err)
		}
	}
}

func destroyExec(exec *pjrt.LoadedExecutable) {
	if err := exec.Destroy(); err != nil {
		klog.Warningf("Failure while destroying PJRT executable %q: %+v", exec.Name, err)
	}
}
