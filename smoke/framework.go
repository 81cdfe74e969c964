package smoke

// Device describes one addressable device of the selected platform.
type Device struct {
	// Num is the index of the device among the addressable devices.
	Num int

	// HardwareID is the plugin's local hardware id for the device.
	HardwareID int

	// Description is a human-readable description, as given by the plugin.
	Description string
}

// Scalar is a float32 scalar value traced inside a function being compiled by Framework.JIT.
// Its concrete type is owned by the Framework.
type Scalar any

// Tracer builds the operations of a function being compiled by Framework.JIT.
type Tracer interface {
	Constant(value float32) Scalar
	Add(x, y Scalar) Scalar
	Mul(x, y Scalar) Scalar
}

// ScalarFn is a float32 scalar function, traced once through a Tracer.
type ScalarFn func(t Tracer, x Scalar) Scalar

// Compiled is a function compiled by Framework.JIT, ready to execute.
type Compiled func(x float32) (float32, error)

// Framework is the numeric framework the smoke checks are run against.
//
// SelectPlatform must be called before any other method, and at most once.
type Framework interface {
	// SelectPlatform makes the backend registered under name the active platform.
	SelectPlatform(name string) error

	// Devices lists the addressable devices of the active platform.
	Devices() ([]Device, error)

	// Add two integer scalars, eagerly.
	Add(x, y int32) (int32, error)

	// Sum reduces xs, eagerly.
	Sum(xs []int32) (int32, error)

	// JIT traces and compiles fn.
	JIT(name string, fn ScalarFn) (Compiled, error)

	// PMapAddPSum maps xs over the devices, one element per device, and each device
	// returns its element plus the sum of all elements, all-reduced across the devices.
	PMapAddPSum(xs []int32) ([]int32, error)
}
