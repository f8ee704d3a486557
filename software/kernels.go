package software

import (
	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
)

// fieldFor returns the field for u, reusing the last one when the
// uniforms are unchanged.
func (d *Device) fieldFor(u field.Uniforms) *field.Field {
	if d.field == nil || d.field.Uniforms() != u {
		d.field = field.New(u)
	}
	return d.field
}

// runDispatch executes one kernel over the workgroups of a dispatch. Line
// kernels get one work item per workgroup of LineWorkgroupSize lines;
// Discretize gets one per workgroup row of the grid.
func (d *Device) runDispatch(k gpucore.Kernel, set *bindingSet, groups [3]uint32) {
	params := d.buffers[set.slots[gpucore.SlotParams]]
	iter := d.buffers[set.slots[gpucore.SlotIteration]]
	u, err := field.DecodeUniforms(params.bytes())
	if err != nil {
		d.log().Warn("software: bad params uniform", "kernel", k.String(), "err", err)
		return
	}
	iteration := field.DecodeIteration(iter.bytes())

	f := d.fieldFor(u)
	grid := d.buffers[set.slots[gpucore.SlotGrid]].floats()
	verts := d.buffers[set.slots[gpucore.SlotVertices]].floats()
	indices := d.buffers[set.slots[gpucore.SlotIndices]].words

	switch k {
	case gpucore.KernelDiscretize:
		rows := min(groups[1]*gpucore.GridWorkgroupSize, u.GridH)
		d.pool.Range(rows, gpucore.GridWorkgroupSize, func(lo, hi uint32) {
			f.DiscretizeRows(grid, lo, hi)
		})
	case gpucore.KernelInit:
		lines := min(groups[0]*gpucore.LineWorkgroupSize, u.NumLines)
		d.pool.Range(lines, gpucore.LineWorkgroupSize, func(lo, hi uint32) {
			f.InitLines(grid, verts, indices, lo, hi)
		})
	case gpucore.KernelUpdate:
		lines := min(groups[0]*gpucore.LineWorkgroupSize, u.NumLines)
		d.pool.Range(lines, gpucore.LineWorkgroupSize, func(lo, hi uint32) {
			f.UpdateLines(iteration, grid, verts, indices, lo, hi)
		})
	default:
		d.log().Warn("software: not a compute kernel", "kernel", k.String())
		return
	}
	d.log().Debug("software: dispatched", "kernel", k.String(), "iteration", iteration, "groups", groups)
}
