// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package gpu

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/flowlines/gpucore"
)

type cmdKind int

const (
	cmdCopy cmdKind = iota
	cmdDispatch
	cmdDraw
)

type command struct {
	kind   cmdKind
	copy   gpucore.BufferCopy
	kernel gpucore.Kernel
	set    gpucore.BindingSetID
	groups [3]uint32
	draw   gpucore.DrawCommand
}

type encoder struct {
	label string
	cmds  []command
	done  bool
}

func (e *encoder) CopyBuffer(c gpucore.BufferCopy) {
	e.cmds = append(e.cmds, command{kind: cmdCopy, copy: c})
}

func (e *encoder) Dispatch(k gpucore.Kernel, set gpucore.BindingSetID, x, y, z uint32) {
	e.cmds = append(e.cmds, command{kind: cmdDispatch, kernel: k, set: set, groups: [3]uint32{x, y, z}})
}

func (e *encoder) Draw(cmd gpucore.DrawCommand) {
	e.cmds = append(e.cmds, command{kind: cmdDraw, draw: cmd})
}

func (e *encoder) Finish() (gpucore.CommandBuffer, error) {
	if e.done {
		return nil, fmt.Errorf("gpu: encoder %q already finished", e.label)
	}
	e.done = true
	return &commandBuffer{label: e.label, cmds: e.cmds}, nil
}

func (e *encoder) Discard() { e.done = true }

type commandBuffer struct {
	label string
	cmds  []command
}

func (c *commandBuffer) Label() string { return c.label }

// Submit translates the command buffer into one HAL command buffer,
// submits it and waits for completion. References are validated before
// anything is encoded, so a failed validation has no effect.
func (d *Device) Submit(cb gpucore.CommandBuffer) error {
	cmds, ok := cb.(*commandBuffer)
	if !ok {
		return fmt.Errorf("gpu: foreign command buffer %T", cb)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return gpucore.ErrDeviceClosed
	}
	if err := d.validate(cmds); err != nil {
		return fmt.Errorf("gpu: submit %q: %w", cmds.label, err)
	}
	err := d.encodeAndWait(cmds.label, func(enc hal.CommandEncoder) error {
		for _, c := range cmds.cmds {
			switch c.kind {
			case cmdCopy:
				enc.CopyBufferToBuffer(d.buffers[c.copy.Src].raw, d.buffers[c.copy.Dst].raw, []hal.BufferCopy{
					{SrcOffset: c.copy.SrcOffset, DstOffset: c.copy.DstOffset, Size: c.copy.Size},
				})
			case cmdDispatch:
				d.encodeDispatch(enc, c)
			case cmdDraw:
				d.encodeDraw(enc, c.draw)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gpu: submit %q: %w", cmds.label, err)
	}
	slogger().Debug("gpu: submitted", "label", cmds.label, "commands", len(cmds.cmds))
	return nil
}

func (d *Device) validate(cb *commandBuffer) error {
	for _, c := range cb.cmds {
		switch c.kind {
		case cmdCopy:
			src, dst := d.buffers[c.copy.Src], d.buffers[c.copy.Dst]
			if src == nil || dst == nil {
				return fmt.Errorf("copy %d -> %d: %w", c.copy.Src, c.copy.Dst, gpucore.ErrUnknownID)
			}
			if c.copy.SrcOffset+c.copy.Size > src.size || c.copy.DstOffset+c.copy.Size > dst.size {
				return fmt.Errorf("copy %q -> %q: %w", src.label, dst.label, gpucore.ErrOutOfRange)
			}
		case cmdDispatch:
			set, ok := d.sets[c.set]
			if !ok {
				return fmt.Errorf("dispatch %s: binding set %d: %w", c.kernel, c.set, gpucore.ErrUnknownID)
			}
			if set.layout != gpucore.LayoutCompute {
				return fmt.Errorf("dispatch %s: binding set has %s layout", c.kernel, set.layout)
			}
			if d.kernels.computePipeline(c.kernel) == nil {
				return fmt.Errorf("dispatch %s: kernel not ready", c.kernel)
			}
		case cmdDraw:
			if err := d.validateDraw(c.draw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) validateDraw(cmd gpucore.DrawCommand) error {
	if _, ok := d.targets[cmd.Target]; !ok {
		return fmt.Errorf("draw target %d: %w", cmd.Target, gpucore.ErrUnknownID)
	}
	if cmd.IndexCount == 0 {
		return nil
	}
	set, ok := d.sets[cmd.Set]
	if !ok || set.layout != gpucore.LayoutRender {
		return fmt.Errorf("draw: render binding set %d: %w", cmd.Set, gpucore.ErrUnknownID)
	}
	vb, ib := d.buffers[cmd.Vertices], d.buffers[cmd.Indices]
	if vb == nil || ib == nil {
		return fmt.Errorf("draw: geometry buffers: %w", gpucore.ErrUnknownID)
	}
	if !vb.usage.Has(gpucore.BufferUsageVertex) || !ib.usage.Has(gpucore.BufferUsageIndex) {
		return fmt.Errorf("draw: %q/%q lack vertex/index usage", vb.label, ib.label)
	}
	if uint64(cmd.IndexCount)*4 > ib.size {
		return fmt.Errorf("draw %d indices from %q: %w", cmd.IndexCount, ib.label, gpucore.ErrOutOfRange)
	}
	if d.kernels.renderPipeline() == nil {
		return fmt.Errorf("draw: render pipeline not ready")
	}
	return nil
}

func (d *Device) encodeDispatch(enc hal.CommandEncoder, c command) {
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "flowlines_" + c.kernel.String()})
	pass.SetPipeline(d.kernels.computePipeline(c.kernel))
	pass.SetBindGroup(0, d.sets[c.set].group, nil)
	pass.Dispatch(c.groups[0], c.groups[1], c.groups[2])
	pass.End()
}

// encodeDraw clears the MSAA target, draws the indexed quads when there
// are any, and resolves into the single-sample texture.
func (d *Device) encodeDraw(enc hal.CommandEncoder, cmd gpucore.DrawCommand) {
	t := d.targets[cmd.Target]
	rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "flowlines_render_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:          t.msaaView,
			ResolveTarget: t.resolveView,
			LoadOp:        gputypes.LoadOpClear,
			StoreOp:       gputypes.StoreOpStore,
			ClearValue: gputypes.Color{
				R: float64(cmd.Clear.R), G: float64(cmd.Clear.G),
				B: float64(cmd.Clear.B), A: float64(cmd.Clear.A),
			},
		}},
	})
	if cmd.IndexCount > 0 {
		rp.SetPipeline(d.kernels.renderPipeline())
		rp.SetBindGroup(0, d.sets[cmd.Set].group, nil)
		rp.SetVertexBuffer(0, d.buffers[cmd.Vertices].raw, 0)
		rp.SetIndexBuffer(d.buffers[cmd.Indices].raw, gputypes.IndexFormatUint32, 0)
		rp.DrawIndexed(cmd.IndexCount, 1, 0, 0, 0)
	}
	rp.End()
}

// WaitKernels blocks until every shader has finished compiling. Kernel
// status still has to be polled to create the pipelines.
func (d *Device) WaitKernels(ctx context.Context) error {
	return d.kernels.wait(ctx)
}

// Close releases every resource created through the device. A standalone
// device and its instance are destroyed; a shared device is left alive.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	for id, s := range d.sets {
		d.device.DestroyBindGroup(s.group)
		delete(d.sets, id)
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.raw)
		delete(d.buffers, id)
	}
	for id, t := range d.targets {
		t.destroy(d.device)
		delete(d.targets, id)
	}
	d.kernels.destroy(d.device)
	d.layouts.destroy(d.device)

	if !d.externalDevice {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.instance = nil
	d.queue = nil
	return nil
}
