// Package software implements gpucore.Device on the CPU.
//
// Buffers live in host memory. Compute dispatches run the kernels of
// internal/field on a worker pool, one work item per workgroup row or
// line range. Draws rasterize the ribbon quads with golang.org/x/image/vector
// into a supersampled image that is resolved to the target size, which
// stands in for the multisampled render target of a GPU.
package software

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
	"github.com/gogpu/flowlines/internal/parallel"
)

type buffer struct {
	label string
	usage gpucore.BufferUsage
	words []uint32
}

// bytes views the buffer as little-endian bytes. Every supported host is
// little-endian.
func (b *buffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(b.words))), len(b.words)*4)
}

func (b *buffer) floats() []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b.words))), len(b.words))
}

type bindingSet struct {
	layout gpucore.Layout
	slots  map[uint32]gpucore.BufferID
}

// Device is a CPU gpucore.Device.
//
// Thread safety: Device is safe for concurrent use. Submit holds the write
// lock for the whole command buffer, so submissions are serialized.
type Device struct {
	mu sync.RWMutex

	buffers map[gpucore.BufferID]*buffer
	sets    map[gpucore.BindingSetID]*bindingSet
	targets map[gpucore.TargetID]*target
	nextID  atomic.Uint64

	workers int
	pool    *parallel.WorkerPool
	logger  atomic.Pointer[slog.Logger]

	// Last field built for a dispatch, reused while the uniforms match.
	field *field.Field

	closed bool
}

var _ gpucore.Device = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithWorkers sets the number of kernel worker goroutines. 0 means
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(d *Device) { d.workers = n }
}

// New creates a software device.
func New(opts ...Option) *Device {
	d := &Device{
		buffers: make(map[gpucore.BufferID]*buffer),
		sets:    make(map[gpucore.BindingSetID]*bindingSet),
		targets: make(map[gpucore.TargetID]*target),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = parallel.NewWorkerPool(d.workers)
	d.nextID.Store(1)
	d.logger.Store(slog.New(slog.DiscardHandler))
	return d
}

// SetLogger sets the device logger. A nil logger discards output.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	d.logger.Store(l)
}

func (d *Device) log() *slog.Logger { return d.logger.Load() }

func (d *Device) newID() uint64 { return d.nextID.Add(1) - 1 }

// CreateBuffer implements gpucore.Device. Sizes must be a multiple of 4.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 || desc.Size%4 != 0 {
		return gpucore.InvalidID, fmt.Errorf("software: buffer %q: size %d must be a positive multiple of 4", desc.Label, desc.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{label: desc.Label, usage: desc.Usage, words: make([]uint32, desc.Size/4)}
	d.log().Debug("software: buffer created", "label", desc.Label, "size", desc.Size)
	return id, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, id)
}

// WriteBuffer implements gpucore.Device.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("software: write buffer %d: %w", id, gpucore.ErrUnknownID)
	}
	raw := b.bytes()
	if offset+uint64(len(data)) > uint64(len(raw)) {
		return fmt.Errorf("software: write buffer %q: %w", b.label, gpucore.ErrOutOfRange)
	}
	copy(raw[offset:], data)
	return nil
}

// ReadBuffer implements gpucore.Device.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("software: read buffer %d: %w", id, gpucore.ErrUnknownID)
	}
	raw := b.bytes()
	if offset+uint64(len(dst)) > uint64(len(raw)) {
		return fmt.Errorf("software: read buffer %q: %w", b.label, gpucore.ErrOutOfRange)
	}
	copy(dst, raw[offset:])
	return nil
}

// KernelStatus implements gpucore.Device. CPU kernels are always ready.
func (d *Device) KernelStatus(k gpucore.Kernel) gpucore.KernelStatus {
	if k < 0 || k >= gpucore.KernelCount {
		return gpucore.KernelFailed
	}
	return gpucore.KernelReady
}

// CreateBindingSet implements gpucore.Device.
func (d *Device) CreateBindingSet(layout gpucore.Layout, bindings []gpucore.Binding) (gpucore.BindingSetID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := &bindingSet{layout: layout, slots: make(map[uint32]gpucore.BufferID, len(bindings))}
	for _, b := range bindings {
		if _, ok := d.buffers[b.Buffer]; !ok {
			return gpucore.InvalidID, fmt.Errorf("software: %s binding slot %d: %w", layout, b.Slot, gpucore.ErrUnknownID)
		}
		set.slots[b.Slot] = b.Buffer
	}
	id := gpucore.BindingSetID(d.newID())
	d.sets[id] = set
	return id, nil
}

// DestroyBindingSet implements gpucore.Device.
func (d *Device) DestroyBindingSet(id gpucore.BindingSetID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sets, id)
}

// CreateRenderTarget implements gpucore.Device. A sample count above 1
// selects 2x supersampling.
func (d *Device) CreateRenderTarget(width, height, samples uint32) (gpucore.TargetID, error) {
	if width == 0 || height == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: render target %dx%d: empty size", width, height)
	}
	scale := 1
	if samples > 1 {
		scale = 2
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	id := gpucore.TargetID(d.newID())
	d.targets[id] = newTarget(int(width), int(height), scale)
	d.log().Debug("software: render target created", "width", width, "height", height, "scale", scale)
	return id, nil
}

// DestroyRenderTarget implements gpucore.Device.
func (d *Device) DestroyRenderTarget(id gpucore.TargetID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.targets, id)
}

// ReadRenderTarget returns a copy of the resolved image.
func (d *Device) ReadRenderTarget(id gpucore.TargetID) (*image.RGBA, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.targets[id]
	if !ok {
		return nil, fmt.Errorf("software: read target %d: %w", id, gpucore.ErrUnknownID)
	}
	img := image.NewRGBA(t.resolved.Rect)
	copy(img.Pix, t.resolved.Pix)
	return img, nil
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

// Submit executes the command buffer in recording order. Every reference
// is validated first, so a failed submit has no effect.
func (d *Device) Submit(cb gpucore.CommandBuffer) error {
	cmds, ok := cb.(*commandBuffer)
	if !ok {
		return fmt.Errorf("software: foreign command buffer %T", cb)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.ErrDeviceClosed
	}
	if err := d.validate(cmds); err != nil {
		return fmt.Errorf("software: submit %q: %w", cmds.label, err)
	}
	for _, c := range cmds.cmds {
		switch c.kind {
		case cmdCopy:
			d.runCopy(c.copy)
		case cmdDispatch:
			d.runDispatch(c.kernel, d.sets[c.set], c.groups)
		case cmdDraw:
			d.runDraw(c.draw)
		}
	}
	d.log().Debug("software: submitted", "label", cmds.label, "commands", len(cmds.cmds))
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
			if c.copy.SrcOffset+c.copy.Size > uint64(len(src.words))*4 ||
				c.copy.DstOffset+c.copy.Size > uint64(len(dst.words))*4 {
				return fmt.Errorf("copy %q -> %q: %w", src.label, dst.label, gpucore.ErrOutOfRange)
			}
		case cmdDispatch:
			if err := d.validateDispatch(c.kernel, c.set); err != nil {
				return err
			}
		case cmdDraw:
			if err := d.validateDraw(c.draw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) validateDispatch(k gpucore.Kernel, id gpucore.BindingSetID) error {
	set, ok := d.sets[id]
	if !ok {
		return fmt.Errorf("dispatch %s: binding set %d: %w", k, id, gpucore.ErrUnknownID)
	}
	if set.layout != gpucore.LayoutCompute {
		return fmt.Errorf("dispatch %s: binding set has %s layout", k, set.layout)
	}
	for _, slot := range []uint32{gpucore.SlotParams, gpucore.SlotIteration, gpucore.SlotGrid, gpucore.SlotVertices, gpucore.SlotIndices} {
		if _, ok := d.buffers[set.slots[slot]]; !ok {
			return fmt.Errorf("dispatch %s: slot %d: %w", k, slot, gpucore.ErrUnknownID)
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
	if _, ok := d.buffers[set.slots[gpucore.SlotRenderParams]]; !ok {
		return fmt.Errorf("draw: params slot: %w", gpucore.ErrUnknownID)
	}
	vb, ib := d.buffers[cmd.Vertices], d.buffers[cmd.Indices]
	if vb == nil || ib == nil {
		return fmt.Errorf("draw: geometry buffers: %w", gpucore.ErrUnknownID)
	}
	if !vb.usage.Has(gpucore.BufferUsageVertex) || !ib.usage.Has(gpucore.BufferUsageIndex) {
		return fmt.Errorf("draw: %q/%q lack vertex/index usage", vb.label, ib.label)
	}
	if uint64(cmd.IndexCount) > uint64(len(ib.words)) {
		return fmt.Errorf("draw %d indices from %q: %w", cmd.IndexCount, ib.label, gpucore.ErrOutOfRange)
	}
	return nil
}

func (d *Device) runCopy(c gpucore.BufferCopy) {
	src, dst := d.buffers[c.Src].bytes(), d.buffers[c.Dst].bytes()
	copy(dst[c.DstOffset:c.DstOffset+c.Size], src[c.SrcOffset:c.SrcOffset+c.Size])
}

// Close implements gpucore.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.pool.Close()
	clear(d.buffers)
	clear(d.sets)
	clear(d.targets)
	return nil
}

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
		return nil, fmt.Errorf("software: encoder %q already finished", e.label)
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
