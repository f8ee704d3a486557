// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/flowlines/gpucore"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// submitTimeout bounds every fence wait.
const submitTimeout = 5 * time.Second

// ErrNoAdapter is returned by Open when no GPU adapter is available.
var ErrNoAdapter = errors.New("gpu: no GPU adapters found")

type buffer struct {
	raw   hal.Buffer
	label string
	size  uint64
	usage gpucore.BufferUsage
}

type bindingSet struct {
	layout gpucore.Layout
	group  hal.BindGroup
	slots  map[uint32]gpucore.BufferID
}

// Device implements gpucore.Device on a wgpu HAL device.
//
// Commands are recorded on the host and translated to one HAL command
// buffer per Submit. Every Submit waits on a fence, so buffer contents are
// visible to ReadBuffer as soon as Submit returns.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	mu sync.RWMutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	adapterName    string
	externalDevice bool // true when using shared device (don't destroy on Close)

	layouts *layoutSet
	kernels *kernelSet

	buffers map[gpucore.BufferID]*buffer
	sets    map[gpucore.BindingSetID]*bindingSet
	targets map[gpucore.TargetID]*target
	nextID  atomic.Uint64

	closed bool
}

var _ gpucore.Device = (*Device)(nil)

// Open creates a standalone device on the first discrete or integrated
// Vulkan adapter, falling back to the first adapter found.
func Open() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("gpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: open device: %w", err)
	}
	d, err := newDevice(instance, openDev.Device, openDev.Queue, false)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.adapterName = selected.Info.Name
	slogger().Info("gpu: device opened", "adapter", d.adapterName)
	return d, nil
}

// OpenShared creates a device on a GPU device owned by an external
// provider (e.g., gogpu). The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue. Close leaves the
// shared device alive.
func OpenShared(provider any) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("gpu: provider HalQueue is not hal.Queue")
	}
	d, err := newDevice(nil, device, queue, true)
	if err != nil {
		return nil, err
	}
	slogger().Info("gpu: using shared GPU device")
	return d, nil
}

// newDevice creates the binding layouts and starts kernel compilation.
func newDevice(instance hal.Instance, device hal.Device, queue hal.Queue, external bool) (*Device, error) {
	layouts, err := createLayouts(device)
	if err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	d := &Device{
		instance:       instance,
		device:         device,
		queue:          queue,
		externalDevice: external,
		layouts:        layouts,
		kernels:        compileKernels(),
		buffers:        make(map[gpucore.BufferID]*buffer),
		sets:           make(map[gpucore.BindingSetID]*bindingSet),
		targets:        make(map[gpucore.TargetID]*target),
	}
	d.nextID.Store(1)
	return d, nil
}

// AdapterName returns the name of the adapter a standalone device was
// opened on. It is empty for shared devices.
func (d *Device) AdapterName() string { return d.adapterName }

func (d *Device) newID() uint64 { return d.nextID.Add(1) - 1 }

// halUsage maps buffer usage flags. Every buffer can be copied in either
// direction so ReadBuffer works on all of them.
func halUsage(u gpucore.BufferUsage) gputypes.BufferUsage {
	out := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	for _, m := range []struct {
		from gpucore.BufferUsage
		to   gputypes.BufferUsage
	}{
		{gpucore.BufferUsageIndex, gputypes.BufferUsageIndex},
		{gpucore.BufferUsageVertex, gputypes.BufferUsageVertex},
		{gpucore.BufferUsageUniform, gputypes.BufferUsageUniform},
		{gpucore.BufferUsageStorage, gputypes.BufferUsageStorage},
	} {
		if u.Has(m.from) {
			out |= m.to
		}
	}
	if u.Has(gpucore.BufferUsageMapRead) {
		// Mappable buffers may only be copy destinations.
		out = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	}
	return out
}

// CreateBuffer implements gpucore.Device. Sizes must be a multiple of 4.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 || desc.Size%4 != 0 {
		return gpucore.InvalidID, fmt.Errorf("gpu: buffer %q: size %d must be a positive multiple of 4", desc.Label, desc.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: halUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("gpu: create buffer %q: %w", desc.Label, err)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{raw: raw, label: desc.Label, size: desc.Size, usage: desc.Usage}
	slogger().Debug("gpu: buffer created", "label", desc.Label, "size", desc.Size)
	return id, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		d.device.DestroyBuffer(b.raw)
		delete(d.buffers, id)
	}
}

// WriteBuffer implements gpucore.Device. offset and len(data) must be
// multiples of 4.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("gpu: write buffer %d: %w", id, gpucore.ErrUnknownID)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("gpu: write buffer %q: %w", b.label, gpucore.ErrOutOfRange)
	}
	if offset%4 != 0 || len(data)%4 != 0 {
		return fmt.Errorf("gpu: write buffer %q: unaligned write at %d (+%d)", b.label, offset, len(data))
	}
	d.queue.WriteBuffer(b.raw, offset, data)
	return nil
}

// ReadBuffer implements gpucore.Device. The range is copied to a staging
// buffer and read back after a fence wait.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return gpucore.ErrDeviceClosed
	}
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("gpu: read buffer %d: %w", id, gpucore.ErrUnknownID)
	}
	if offset+uint64(len(dst)) > b.size {
		return fmt.Errorf("gpu: read buffer %q: %w", b.label, gpucore.ErrOutOfRange)
	}
	if len(dst) == 0 {
		return nil
	}
	if offset%4 != 0 {
		return fmt.Errorf("gpu: read buffer %q: unaligned offset %d", b.label, offset)
	}

	// Buffer sizes are multiples of 4, so the rounded range stays inside.
	size := (uint64(len(dst)) + 3) &^ 3
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label + "_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("gpu: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	err = d.encodeAndWait("readback", func(enc hal.CommandEncoder) error {
		enc.CopyBufferToBuffer(b.raw, staging, []hal.BufferCopy{
			{SrcOffset: offset, DstOffset: 0, Size: size},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("gpu: read buffer %q: %w", b.label, err)
	}
	readback := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, readback); err != nil {
		return fmt.Errorf("gpu: read buffer %q: readback: %w", b.label, err)
	}
	copy(dst, readback)
	return nil
}

// KernelStatus implements gpucore.Device. A kernel is pending until its
// shader has compiled; the first poll after that creates its pipeline.
func (d *Device) KernelStatus(k gpucore.Kernel) gpucore.KernelStatus {
	if k < 0 || k >= gpucore.KernelCount {
		return gpucore.KernelFailed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return gpucore.KernelFailed
	}
	return d.kernels.status(d.device, d.layouts, k)
}

// CreateBindingSet implements gpucore.Device. The bindings must cover
// every slot of the layout.
func (d *Device) CreateBindingSet(layout gpucore.Layout, bindings []gpucore.Binding) (gpucore.BindingSetID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	halLayout, slots := d.layouts.forLayout(layout)
	if halLayout == nil {
		return gpucore.InvalidID, fmt.Errorf("gpu: unknown layout %s", layout)
	}

	set := &bindingSet{layout: layout, slots: make(map[uint32]gpucore.BufferID, len(bindings))}
	for _, b := range bindings {
		if _, ok := d.buffers[b.Buffer]; !ok {
			return gpucore.InvalidID, fmt.Errorf("gpu: %s binding slot %d: %w", layout, b.Slot, gpucore.ErrUnknownID)
		}
		set.slots[b.Slot] = b.Buffer
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(slots))
	for _, slot := range slots {
		id, ok := set.slots[slot]
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("gpu: %s binding slot %d missing", layout, slot)
		}
		buf := d.buffers[id]
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  slot,
			Resource: gputypes.BufferBinding{Buffer: buf.raw.NativeHandle(), Offset: 0, Size: buf.size},
		})
	}

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "flowlines_" + layout.String(),
		Layout:  halLayout,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("gpu: create %s bind group: %w", layout, err)
	}
	set.group = group
	id := gpucore.BindingSetID(d.newID())
	d.sets[id] = set
	return id, nil
}

// DestroyBindingSet implements gpucore.Device.
func (d *Device) DestroyBindingSet(id gpucore.BindingSetID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sets[id]; ok {
		d.device.DestroyBindGroup(s.group)
		delete(d.sets, id)
	}
}

// BeginCommands implements gpucore.Device.
func (d *Device) BeginCommands(label string) (gpucore.CommandEncoder, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}
	return &encoder{label: label}, nil
}

// encodeAndWait records a HAL command buffer with fn, submits it and waits
// for the fence.
func (d *Device) encodeAndWait(label string, fn func(hal.CommandEncoder) error) error {
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label + "_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	if err := fn(enc); err != nil {
		enc.DiscardEncoding()
		return err
	}
	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fenceOK, err := d.device.Wait(fence, 1, submitTimeout)
	if err != nil || !fenceOK {
		return fmt.Errorf("wait for GPU: ok=%v err=%w", fenceOK, err)
	}
	return nil
}

// SetLogger sets the logger of the gpu package. A nil logger discards
// output.
func (d *Device) SetLogger(l *slog.Logger) { setLogger(l) }
