package xla

import (
	"github.com/gomlx/gopjrt/pjrt"
	"github.com/pkg/errors"
)

// PMapAddPSum places xs[i] on device i, all-reduces the sum of the elements, and returns,
// for each device, its element plus the sum.
//
// There must be at most as many elements as addressable devices.
//
// The all-reduce is a compiled ReduceSum of the shards gathered on the first device, and the result is
// broadcast back to each device, where a compiled addition runs on the device's shard: the xlabuilder API
// doesn't expose replica-aware collectives, so this stands in for a single SPMD program with a psum.
func (r *Runtime) PMapAddPSum(xs []int32) ([]int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, err := r.lockedClient()
	if err != nil {
		return nil, err
	}
	numDevices := len(client.AddressableDevices())
	if len(xs) > numDevices {
		return nil, errors.Errorf("pmap over %d elements, but backend %q has only %d devices",
			len(xs), r.registration.Name, numDevices)
	}
	addExec, err := r.lockedAddExec()
	if err != nil {
		return nil, err
	}

	// Shards: one element per device.
	shards := make([]*pjrt.Buffer, 0, len(xs))
	defer func() { destroyBuffers(shards...) }()
	for deviceNum, x := range xs {
		shard, err := pjrt.ScalarToBufferOnDeviceNum(client, deviceNum, x)
		if err != nil {
			return nil, errors.WithMessagef(err, "pmap: failed to transfer shard to device #%d", deviceNum)
		}
		shards = append(shards, shard)
	}

	// All-reduce.
	gathered := make([]int32, len(shards))
	for deviceNum, shard := range shards {
		gathered[deviceNum], err = pjrt.BufferToScalar[int32](shard)
		if err != nil {
			return nil, errors.WithMessagef(err, "pmap: failed to gather shard from device #%d", deviceNum)
		}
	}
	total, err := sum(client, gathered)
	if err != nil {
		return nil, errors.WithMessage(err, "pmap: all-reduce")
	}

	// Map: x + psum(x) on each device.
	results := make([]int32, len(shards))
	for deviceNum, shard := range shards {
		totalOnDevice, err := pjrt.ScalarToBufferOnDeviceNum(client, deviceNum, total)
		if err != nil {
			return nil, errors.WithMessagef(err, "pmap: failed to broadcast sum to device #%d", deviceNum)
		}
		output, err := execute(addExec, deviceNum, shard, totalOnDevice)
		destroyBuffers(totalOnDevice)
		if err != nil {
			return nil, errors.WithMessage(err, "pmap")
		}
		results[deviceNum], err = pjrt.BufferToScalar[int32](output)
		destroyBuffers(output)
		if err != nil {
			return nil, errors.WithMessagef(err, "pmap: failed to transfer result from device #%d", deviceNum)
		}
	}
	return results, nil
}
