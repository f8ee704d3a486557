package flowlines

import (
	"fmt"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
)

// Workgroup sizes. These match the @workgroup_size of the compute shaders.
const (
	WorkgroupSize     = gpucore.LineWorkgroupSize
	GridWorkgroupSize = gpucore.GridWorkgroupSize
)

// WorkgroupCount returns ceil(n / wg).
func WorkgroupCount(n, wg uint32) uint32 {
	if n == 0 || wg == 0 {
		return 0
	}
	return (n + wg - 1) / wg
}

// Workgroups returns the dispatch size of k for p.
func Workgroups(k gpucore.Kernel, p Params) [3]uint32 {
	switch k {
	case gpucore.KernelDiscretize:
		gw, gh := p.GridSize()
		return [3]uint32{WorkgroupCount(gw, GridWorkgroupSize), WorkgroupCount(gh, GridWorkgroupSize), 1}
	case gpucore.KernelInit, gpucore.KernelUpdate:
		return [3]uint32{WorkgroupCount(p.NumLines, WorkgroupSize), 1, 1}
	default:
		return [3]uint32{}
	}
}

// Dispatcher records and submits the compute kernels of one tick.
type Dispatcher struct {
	dispatches uint64
}

// Dispatches returns the number of kernel dispatches submitted so far.
func (d *Dispatcher) Dispatches() uint64 { return d.dispatches }

// Dispatch uploads the parameter and iteration uniforms, records one
// dispatch per kernel in order and submits them as a single command
// buffer. The iteration is always taken from the argument, so
// re-dispatching the same iteration writes the same geometry.
//
// A missing binding set returns errNoBindingSet without touching the
// device.
func (d *Dispatcher) Dispatch(dev gpucore.Device, set BindingSet, bufs *Buffers, kernels []gpucore.Kernel, p Params, iteration uint32) error {
	if len(kernels) == 0 {
		return nil
	}
	if !set.Valid() || bufs == nil || set.Generation != bufs.Generation {
		return errNoBindingSet
	}

	if err := dev.WriteBuffer(bufs.Params, 0, p.Uniforms().Encode()); err != nil {
		return fmt.Errorf("flowlines: upload params: %w", err)
	}
	if err := dev.WriteBuffer(bufs.Iteration, 0, field.EncodeIteration(iteration)); err != nil {
		return fmt.Errorf("flowlines: upload iteration: %w", err)
	}

	enc, err := dev.BeginCommands("flowlines_compute")
	if err != nil {
		return fmt.Errorf("flowlines: begin compute commands: %w", err)
	}
	var recorded uint64
	for _, k := range kernels {
		wg := Workgroups(k, p)
		if wg[0] == 0 || wg[1] == 0 {
			continue
		}
		enc.Dispatch(k, set.ID, wg[0], wg[1], wg[2])
		recorded++
		Logger().Debug("flowlines: dispatch",
			"kernel", k.String(),
			"iteration", iteration,
			"workgroups", wg)
	}

	cb, err := enc.Finish()
	if err != nil {
		enc.Discard()
		return fmt.Errorf("flowlines: finish compute commands: %w", err)
	}
	if err := dev.Submit(cb); err != nil {
		return fmt.Errorf("flowlines: submit %v: %w", kernels, err)
	}
	d.dispatches += recorded
	return nil
}
