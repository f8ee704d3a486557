package flowlines

import (
	"errors"
	"fmt"

	"github.com/gogpu/flowlines/gpucore"
)

// BindingSet is an immutable wiring of one buffer generation to a layout.
// Sets are never updated in place; a new generation replaces them.
type BindingSet struct {
	ID         gpucore.BindingSetID
	Layout     gpucore.Layout
	Generation uint64
}

// Valid reports whether the set was built.
func (s BindingSet) Valid() bool { return s.ID != gpucore.InvalidID }

// ComputeBindings returns the slot wiring shared by the compute kernels.
func ComputeBindings(b *Buffers) []gpucore.Binding {
	return []gpucore.Binding{
		{Slot: gpucore.SlotParams, Buffer: b.Params},
		{Slot: gpucore.SlotIteration, Buffer: b.Iteration},
		{Slot: gpucore.SlotGrid, Buffer: b.Grid},
		{Slot: gpucore.SlotVertices, Buffer: b.Vertices},
		{Slot: gpucore.SlotIndices, Buffer: b.Indices},
	}
}

// RenderBindings returns the slot wiring of the render kernel.
func RenderBindings(b *Buffers) []gpucore.Binding {
	return []gpucore.Binding{
		{Slot: gpucore.SlotRenderParams, Buffer: b.Params},
	}
}

// Bindings keeps the compute and render binding sets in step with the
// sizer's buffer generation.
type Bindings struct {
	compute BindingSet
	render  BindingSet
}

// Compute returns the compute binding set; ok is false if it is missing.
func (b *Bindings) Compute() (BindingSet, bool) { return b.compute, b.compute.Valid() }

// Render returns the render binding set; ok is false if it is missing.
func (b *Bindings) Render() (BindingSet, bool) { return b.render, b.render.Valid() }

// Prepare rebuilds any set whose generation differs from bufs. A set that
// fails to build stays missing and the error is returned; the caller
// treats the missing set as a skipped dispatch and retries next tick.
func (b *Bindings) Prepare(dev gpucore.Device, bufs *Buffers) error {
	if bufs == nil {
		b.Invalidate(dev)
		return nil
	}
	var errs []error
	if err := rebuild(dev, &b.compute, gpucore.LayoutCompute, bufs, ComputeBindings(bufs)); err != nil {
		errs = append(errs, err)
	}
	if err := rebuild(dev, &b.render, gpucore.LayoutRender, bufs, RenderBindings(bufs)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func rebuild(dev gpucore.Device, set *BindingSet, layout gpucore.Layout, bufs *Buffers, entries []gpucore.Binding) error {
	if set.Valid() && set.Generation == bufs.Generation {
		return nil
	}
	if set.Valid() {
		dev.DestroyBindingSet(set.ID)
		*set = BindingSet{}
	}
	id, err := dev.CreateBindingSet(layout, entries)
	if err != nil {
		return fmt.Errorf("flowlines: build %s binding set: %w", layout, err)
	}
	*set = BindingSet{ID: id, Layout: layout, Generation: bufs.Generation}
	Logger().Debug("flowlines: binding set built",
		"layout", layout.String(),
		"generation", bufs.Generation)
	return nil
}

// Invalidate destroys both sets.
func (b *Bindings) Invalidate(dev gpucore.Device) {
	for _, s := range []*BindingSet{&b.compute, &b.render} {
		if s.Valid() {
			dev.DestroyBindingSet(s.ID)
		}
		*s = BindingSet{}
	}
}
