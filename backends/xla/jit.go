package xla

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/xlabuilder"
	"github.com/gomlx/rradsmoke/smoke"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tracer implements smoke.Tracer with xlabuilder ops.
// The first error is kept, and all following operations are no-ops.
type tracer struct {
	builder *xlabuilder.XlaBuilder
	err     error
}

var _ smoke.Tracer = (*tracer)(nil)

func (t *tracer) op(s smoke.Scalar) *xlabuilder.Op {
	if t.err != nil {
		return nil
	}
	op, ok := s.(*xlabuilder.Op)
	if !ok || op == nil {
		t.err = errors.Errorf("jit: traced value of type %T is not an XLA op", s)
		return nil
	}
	return op
}

// Constant implements smoke.Tracer.
func (t *tracer) Constant(value float32) smoke.Scalar {
	if t.err != nil {
		return (*xlabuilder.Op)(nil)
	}
	op, err := xlabuilder.Constant(t.builder, xlabuilder.NewScalarLiteral(value))
	if err != nil {
		t.err = errors.WithMessagef(err, "jit: Constant(%g)", value)
	}
	return op
}

// Add implements smoke.Tracer.
func (t *tracer) Add(x, y smoke.Scalar) smoke.Scalar {
	return t.binary("Add", xlabuilder.Add, x, y)
}

// Mul implements smoke.Tracer.
func (t *tracer) Mul(x, y smoke.Scalar) smoke.Scalar {
	return t.binary("Mul", xlabuilder.Mul, x, y)
}

func (t *tracer) binary(opName string, fn func(x, y *xlabuilder.Op) (*xlabuilder.Op, error), x, y smoke.Scalar) smoke.Scalar {
	xOp, yOp := t.op(x), t.op(y)
	if t.err != nil {
		return (*xlabuilder.Op)(nil)
	}
	op, err := fn(xOp, yOp)
	if err != nil {
		t.err = errors.WithMessagef(err, "jit: %s", opName)
	}
	return op
}

// JIT traces fn over a float32 scalar parameter and compiles it for the selected platform.
// The returned function executes on the first device.
func (r *Runtime) JIT(name string, fn smoke.ScalarFn) (smoke.Compiled, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, err := r.lockedClient()
	if err != nil {
		return nil, err
	}
	t := &tracer{builder: xlabuilder.New(name)}
	x, err := xlabuilder.Parameter(t.builder, "x", 0, xlabuilder.MakeShape(dtypes.Float32))
	if err != nil {
		return nil, errors.WithMessagef(err, "jit %q: Parameter(x)", name)
	}
	output := t.op(fn(t, x))
	if t.err != nil {
		return nil, errors.WithMessagef(t.err, "jit %q", name)
	}
	exec, err := compile(client, name, t.builder, output)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Compiled %q for backend %q", name, r.registration.Name)
	return func(x float32) (float32, error) {
		return executeScalar[float32](client, exec, 0, x)
	}, nil
}
