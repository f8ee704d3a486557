// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package gpu

import (
	"context"
	_ "embed"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
)

//go:embed shaders/params.wgsl
var paramsShaderSource string

//go:embed shaders/compute.wgsl
var computeShaderSource string

//go:embed shaders/discretize.wgsl
var discretizeShaderSource string

//go:embed shaders/init.wgsl
var initShaderSource string

//go:embed shaders/update.wgsl
var updateShaderSource string

//go:embed shaders/render.wgsl
var renderShaderSource string

// sampleCount is the MSAA sample count of the render pipeline.
const sampleCount = 4

// kernelSource returns the full WGSL module of k.
func kernelSource(k gpucore.Kernel) string {
	switch k {
	case gpucore.KernelDiscretize:
		return paramsShaderSource + computeShaderSource + discretizeShaderSource
	case gpucore.KernelInit:
		return paramsShaderSource + computeShaderSource + initShaderSource
	case gpucore.KernelUpdate:
		return paramsShaderSource + computeShaderSource + updateShaderSource
	case gpucore.KernelRender:
		return paramsShaderSource + renderShaderSource
	}
	return ""
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

var computeSlots = []uint32{
	gpucore.SlotParams, gpucore.SlotIteration, gpucore.SlotGrid, gpucore.SlotVertices, gpucore.SlotIndices,
}

var renderSlots = []uint32{gpucore.SlotRenderParams}

// layoutSet holds the bind group and pipeline layouts of both binding
// set layouts. They do not depend on compilation and are created with the
// device.
type layoutSet struct {
	compute     hal.BindGroupLayout
	render      hal.BindGroupLayout
	computePipe hal.PipelineLayout
	renderPipe  hal.PipelineLayout
}

func createLayouts(device hal.Device) (*layoutSet, error) {
	l := &layoutSet{}
	storage := func(slot uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding: slot, Visibility: gputypes.ShaderStageCompute,
			Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}
	uniform := func(slot uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding: slot, Visibility: gputypes.ShaderStageCompute,
			Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		}
	}

	var err error
	l.compute, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "flowlines_compute_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			uniform(gpucore.SlotParams),
			uniform(gpucore.SlotIteration),
			storage(gpucore.SlotGrid),
			storage(gpucore.SlotVertices),
			storage(gpucore.SlotIndices),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create compute bind group layout: %w", err)
	}
	l.render, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "flowlines_render_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    gpucore.SlotRenderParams,
				Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
		},
	})
	if err != nil {
		l.destroy(device)
		return nil, fmt.Errorf("create render bind group layout: %w", err)
	}
	l.computePipe, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "flowlines_compute_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{l.compute},
	})
	if err != nil {
		l.destroy(device)
		return nil, fmt.Errorf("create compute pipeline layout: %w", err)
	}
	l.renderPipe, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "flowlines_render_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{l.render},
	})
	if err != nil {
		l.destroy(device)
		return nil, fmt.Errorf("create render pipeline layout: %w", err)
	}
	return l, nil
}

// forLayout returns the bind group layout and the slots a binding set of
// layout must cover.
func (l *layoutSet) forLayout(layout gpucore.Layout) (hal.BindGroupLayout, []uint32) {
	switch layout {
	case gpucore.LayoutCompute:
		return l.compute, computeSlots
	case gpucore.LayoutRender:
		return l.render, renderSlots
	}
	return nil, nil
}

func (l *layoutSet) destroy(device hal.Device) {
	if l.renderPipe != nil {
		device.DestroyPipelineLayout(l.renderPipe)
		l.renderPipe = nil
	}
	if l.computePipe != nil {
		device.DestroyPipelineLayout(l.computePipe)
		l.computePipe = nil
	}
	if l.render != nil {
		device.DestroyBindGroupLayout(l.render)
		l.render = nil
	}
	if l.compute != nil {
		device.DestroyBindGroupLayout(l.compute)
		l.compute = nil
	}
}

// kernelSet tracks the four shaders from compilation to pipeline.
//
// WGSL is compiled to SPIR-V in the background when the device is
// created. Pipelines are created on the first status poll after a
// kernel's compilation finished, which keeps every HAL call on the
// caller's goroutine.
type kernelSet struct {
	mu sync.Mutex

	done  [gpucore.KernelCount]chan struct{}
	all   chan struct{}
	spirv [gpucore.KernelCount][]uint32
	errs  [gpucore.KernelCount]error

	state    [gpucore.KernelCount]gpucore.KernelStatus
	modules  [gpucore.KernelCount]hal.ShaderModule
	compute  [gpucore.KernelCount]hal.ComputePipeline
	renderer hal.RenderPipeline
}

func compileKernels() *kernelSet {
	ks := &kernelSet{all: make(chan struct{})}
	var g errgroup.Group
	for k := range gpucore.KernelCount {
		ks.done[k] = make(chan struct{})
		g.Go(func() error {
			defer close(ks.done[k])
			words, err := compileWGSL(kernelSource(k))
			ks.mu.Lock()
			ks.spirv[k], ks.errs[k] = words, err
			ks.mu.Unlock()
			if err != nil {
				return fmt.Errorf("compile %s shader: %w", k, err)
			}
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			slogger().Warn("gpu: kernel compilation failed", "err", err)
		}
		close(ks.all)
	}()
	return ks
}

// wait blocks until every shader has finished compiling.
func (ks *kernelSet) wait(ctx context.Context) error {
	select {
	case <-ks.all:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ks *kernelSet) status(device hal.Device, layouts *layoutSet, k gpucore.Kernel) gpucore.KernelStatus {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.state[k] != gpucore.KernelPending {
		return ks.state[k]
	}
	select {
	case <-ks.done[k]:
	default:
		return gpucore.KernelPending
	}
	if err := ks.errs[k]; err != nil {
		ks.state[k] = gpucore.KernelFailed
		slogger().Warn("gpu: kernel failed", "kernel", k.String(), "err", err)
		return ks.state[k]
	}
	if err := ks.createPipeline(device, layouts, k); err != nil {
		ks.state[k] = gpucore.KernelFailed
		slogger().Warn("gpu: kernel pipeline failed", "kernel", k.String(), "err", err)
		return ks.state[k]
	}
	ks.state[k] = gpucore.KernelReady
	ks.spirv[k] = nil
	slogger().Info("gpu: kernel ready", "kernel", k.String())
	return ks.state[k]
}

func (ks *kernelSet) createPipeline(device hal.Device, layouts *layoutSet, k gpucore.Kernel) error {
	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "flowlines_" + k.String(),
		Source: hal.ShaderSource{SPIRV: ks.spirv[k]},
	})
	if err != nil {
		return fmt.Errorf("create %s shader module: %w", k, err)
	}
	ks.modules[k] = module

	if k != gpucore.KernelRender {
		pipeline, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label: "flowlines_" + k.String() + "_pipeline", Layout: layouts.computePipe,
			Compute: hal.ComputeState{Module: module, EntryPoint: "main"},
		})
		if err != nil {
			return fmt.Errorf("create %s compute pipeline: %w", k, err)
		}
		ks.compute[k] = pipeline
		return nil
	}

	premulBlend := gputypes.BlendStatePremultiplied()
	pipeline, err := device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "flowlines_render_pipeline",
		Layout: layouts.renderPipe,
		Vertex: hal.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers:    ribbonVertexLayout(),
		},
		Fragment: &hal.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    gputypes.TextureFormatBGRA8Unorm,
					Blend:     &premulBlend,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: sampleCount,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("create render pipeline: %w", err)
	}
	ks.renderer = pipeline
	return nil
}

// computePipeline returns the pipeline of a ready compute kernel, or nil.
func (ks *kernelSet) computePipeline(k gpucore.Kernel) hal.ComputePipeline {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if k < 0 || k >= gpucore.KernelCount || ks.state[k] != gpucore.KernelReady {
		return nil
	}
	return ks.compute[k]
}

// renderPipeline returns the ribbon pipeline if it is ready, or nil.
func (ks *kernelSet) renderPipeline() hal.RenderPipeline {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.state[gpucore.KernelRender] != gpucore.KernelReady {
		return nil
	}
	return ks.renderer
}

func (ks *kernelSet) destroy(device hal.Device) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.renderer != nil {
		device.DestroyRenderPipeline(ks.renderer)
		ks.renderer = nil
	}
	for k := range gpucore.KernelCount {
		if ks.compute[k] != nil {
			device.DestroyComputePipeline(ks.compute[k])
			ks.compute[k] = nil
		}
		if ks.modules[k] != nil {
			device.DestroyShaderModule(ks.modules[k])
			ks.modules[k] = nil
		}
		if ks.state[k] == gpucore.KernelReady {
			ks.state[k] = gpucore.KernelFailed
		}
	}
}

// ribbonVertexLayout describes the vertex buffer written by the compute
// kernels: position data (x, y, t, side) and color.
func ribbonVertexLayout() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{
			ArrayStride: field.VertexStride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x4, Offset: 0, ShaderLocation: 0},  // x, y, t, side
				{Format: gputypes.VertexFormatFloat32x4, Offset: 16, ShaderLocation: 1}, // color
			},
		},
	}
}
