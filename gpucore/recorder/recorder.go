// Package recorder provides a gpucore.Device that records every call
// instead of executing GPU work.
//
// Buffers are backed by host memory, so writes, reads and buffer copies
// behave like a real device. Dispatches and draws are only logged. Kernel
// readiness and submit/binding failures can be scripted, which makes the
// stage machine and buffer sizing testable without a GPU.
package recorder

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/gogpu/flowlines/gpucore"
)

// ErrInjected is returned by operations whose failure was scripted with
// FailNextSubmits or FailNextBindingSets.
var ErrInjected = errors.New("recorder: injected failure")

// Op identifies a recorded call.
type Op string

// Recorded operations.
const (
	OpCreateBuffer      Op = "create_buffer"
	OpDestroyBuffer     Op = "destroy_buffer"
	OpWriteBuffer       Op = "write_buffer"
	OpReadBuffer        Op = "read_buffer"
	OpCreateBindingSet  Op = "create_binding_set"
	OpDestroyBindingSet Op = "destroy_binding_set"
	OpCreateTarget      Op = "create_target"
	OpDestroyTarget     Op = "destroy_target"
	OpCopy              Op = "copy"
	OpDispatch          Op = "dispatch"
	OpDraw              Op = "draw"
	OpSubmit            Op = "submit"
)

// Call is one recorded device or encoder call. Only the fields relevant
// to Op are set.
type Call struct {
	Op       Op
	Label    string
	Buffer   gpucore.BufferID
	Usage    gpucore.BufferUsage
	Size     uint64
	Offset   uint64
	Set      gpucore.BindingSetID
	Layout   gpucore.Layout
	Bindings []gpucore.Binding
	Target   gpucore.TargetID
	Kernel   gpucore.Kernel
	Groups   [3]uint32
	Copy     gpucore.BufferCopy
	Draw     gpucore.DrawCommand
}

type buffer struct {
	label string
	usage gpucore.BufferUsage
	data  []byte
}

type bindingSet struct {
	layout   gpucore.Layout
	bindings []gpucore.Binding
}

type target struct {
	width, height, samples uint32
	clear                  gpucore.Color
}

// Device is a recording gpucore.Device. The zero value is not usable;
// call New.
type Device struct {
	mu sync.Mutex

	nextID   uint64
	buffers  map[gpucore.BufferID]*buffer
	sets     map[gpucore.BindingSetID]*bindingSet
	targets  map[gpucore.TargetID]*target
	status   [gpucore.KernelCount]gpucore.KernelStatus
	calls    []Call
	submits  int
	closed   bool
	failSub  int
	failSets int
}

var _ gpucore.Device = (*Device)(nil)

// New returns a recorder with every kernel ready.
func New() *Device {
	d := &Device{
		nextID:  1,
		buffers: make(map[gpucore.BufferID]*buffer),
		sets:    make(map[gpucore.BindingSetID]*bindingSet),
		targets: make(map[gpucore.TargetID]*target),
	}
	for i := range d.status {
		d.status[i] = gpucore.KernelReady
	}
	return d
}

func (d *Device) newID() uint64 {
	id := d.nextID
	d.nextID++
	return id
}

func (d *Device) record(c Call) { d.calls = append(d.calls, c) }

// SetKernelStatus scripts the value returned by KernelStatus.
func (d *Device) SetKernelStatus(k gpucore.Kernel, s gpucore.KernelStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[k] = s
}

// FailNextSubmits makes the next n calls to Submit fail with ErrInjected.
func (d *Device) FailNextSubmits(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSub = n
}

// FailNextBindingSets makes the next n calls to CreateBindingSet fail.
func (d *Device) FailNextBindingSets(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSets = n
}

// Calls returns a copy of the call log.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the recorded calls with the given op, in order.
func (d *Device) CallsOf(op Op) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Call
	for _, c := range d.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ClearCalls empties the call log. Resources are kept.
func (d *Device) ClearCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Submits returns the number of successful submissions.
func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// LiveBuffers returns the number of buffers not yet destroyed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// LiveBindingSets returns the number of binding sets not yet destroyed.
func (d *Device) LiveBindingSets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sets)
}

// BufferInfo reports the size and usage of a live buffer.
func (d *Device) BufferInfo(id gpucore.BufferID) (size uint64, usage gpucore.BufferUsage, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return 0, 0, false
	}
	return uint64(len(b.data)), b.usage, true
}

// BindingSetInfo reports the layout and bindings of a live binding set.
func (d *Device) BindingSetInfo(id gpucore.BindingSetID) (gpucore.Layout, []gpucore.Binding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sets[id]
	if !ok {
		return 0, nil, false
	}
	return s.layout, append([]gpucore.Binding(nil), s.bindings...), true
}

// CreateBuffer implements gpucore.Device.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("recorder: buffer %q: size must be positive", desc.Label)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}
	d.record(Call{Op: OpCreateBuffer, Label: desc.Label, Buffer: id, Usage: desc.Usage, Size: desc.Size})
	return id, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; !ok {
		return
	}
	delete(d.buffers, id)
	d.record(Call{Op: OpDestroyBuffer, Buffer: id})
}

// WriteBuffer implements gpucore.Device.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("recorder: write buffer %d: %w", id, gpucore.ErrUnknownID)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("recorder: write buffer %q: %w", b.label, gpucore.ErrOutOfRange)
	}
	copy(b.data[offset:], data)
	d.record(Call{Op: OpWriteBuffer, Label: b.label, Buffer: id, Offset: offset, Size: uint64(len(data))})
	return nil
}

// ReadBuffer implements gpucore.Device.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("recorder: read buffer %d: %w", id, gpucore.ErrUnknownID)
	}
	if offset+uint64(len(dst)) > uint64(len(b.data)) {
		return fmt.Errorf("recorder: read buffer %q: %w", b.label, gpucore.ErrOutOfRange)
	}
	copy(dst, b.data[offset:])
	d.record(Call{Op: OpReadBuffer, Label: b.label, Buffer: id, Offset: offset, Size: uint64(len(dst))})
	return nil
}

// KernelStatus implements gpucore.Device.
func (d *Device) KernelStatus(k gpucore.Kernel) gpucore.KernelStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if k < 0 || k >= gpucore.KernelCount {
		return gpucore.KernelFailed
	}
	return d.status[k]
}

// CreateBindingSet implements gpucore.Device.
func (d *Device) CreateBindingSet(layout gpucore.Layout, bindings []gpucore.Binding) (gpucore.BindingSetID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSets > 0 {
		d.failSets--
		return gpucore.InvalidID, ErrInjected
	}
	for _, b := range bindings {
		if _, ok := d.buffers[b.Buffer]; !ok {
			return gpucore.InvalidID, fmt.Errorf("recorder: binding slot %d: %w", b.Slot, gpucore.ErrUnknownID)
		}
	}
	id := gpucore.BindingSetID(d.newID())
	cp := append([]gpucore.Binding(nil), bindings...)
	d.sets[id] = &bindingSet{layout: layout, bindings: cp}
	d.record(Call{Op: OpCreateBindingSet, Set: id, Layout: layout, Bindings: cp})
	return id, nil
}

// DestroyBindingSet implements gpucore.Device.
func (d *Device) DestroyBindingSet(id gpucore.BindingSetID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sets[id]; !ok {
		return
	}
	delete(d.sets, id)
	d.record(Call{Op: OpDestroyBindingSet, Set: id})
}

// CreateRenderTarget implements gpucore.Device.
func (d *Device) CreateRenderTarget(width, height, samples uint32) (gpucore.TargetID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if width == 0 || height == 0 {
		return gpucore.InvalidID, fmt.Errorf("recorder: render target %dx%d: empty size", width, height)
	}
	id := gpucore.TargetID(d.newID())
	d.targets[id] = &target{width: width, height: height, samples: samples}
	d.record(Call{Op: OpCreateTarget, Target: id, Size: uint64(width) * uint64(height)})
	return id, nil
}

// DestroyRenderTarget implements gpucore.Device.
func (d *Device) DestroyRenderTarget(id gpucore.TargetID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.targets[id]; !ok {
		return
	}
	delete(d.targets, id)
	d.record(Call{Op: OpDestroyTarget, Target: id})
}

// ReadRenderTarget returns an image filled with the clear color of the
// last draw into the target.
func (d *Device) ReadRenderTarget(id gpucore.TargetID) (*image.RGBA, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.targets[id]
	if !ok {
		return nil, fmt.Errorf("recorder: read target %d: %w", id, gpucore.ErrUnknownID)
	}
	img := image.NewRGBA(image.Rect(0, 0, int(t.width), int(t.height)))
	c := color.RGBA{
		R: uint8(t.clear.R * 255), G: uint8(t.clear.G * 255),
		B: uint8(t.clear.B * 255), A: uint8(t.clear.A * 255),
	}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img, nil
}

// BeginCommands implements gpucore.Device.
func (d *Device) BeginCommands(label string) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}
	return &encoder{label: label}, nil
}

// Submit records the command buffer's calls and executes its copies.
func (d *Device) Submit(cb gpucore.CommandBuffer) error {
	rec, ok := cb.(*commandBuffer)
	if !ok {
		return fmt.Errorf("recorder: foreign command buffer %T", cb)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSub > 0 {
		d.failSub--
		return ErrInjected
	}
	if err := d.validate(rec); err != nil {
		return err
	}
	for _, c := range rec.calls {
		switch c.Op {
		case OpCopy:
			src := d.buffers[c.Copy.Src].data
			dst := d.buffers[c.Copy.Dst].data
			copy(dst[c.Copy.DstOffset:c.Copy.DstOffset+c.Copy.Size], src[c.Copy.SrcOffset:c.Copy.SrcOffset+c.Copy.Size])
		case OpDraw:
			d.targets[c.Draw.Target].clear = c.Draw.Clear
		}
		d.record(c)
	}
	d.submits++
	d.record(Call{Op: OpSubmit, Label: rec.label})
	return nil
}

func (d *Device) validate(rec *commandBuffer) error {
	for _, c := range rec.calls {
		switch c.Op {
		case OpCopy:
			src, ok := d.buffers[c.Copy.Src]
			if !ok {
				return fmt.Errorf("recorder: copy source %d: %w", c.Copy.Src, gpucore.ErrUnknownID)
			}
			dst, ok := d.buffers[c.Copy.Dst]
			if !ok {
				return fmt.Errorf("recorder: copy destination %d: %w", c.Copy.Dst, gpucore.ErrUnknownID)
			}
			if c.Copy.SrcOffset+c.Copy.Size > uint64(len(src.data)) ||
				c.Copy.DstOffset+c.Copy.Size > uint64(len(dst.data)) {
				return fmt.Errorf("recorder: copy %q -> %q: %w", src.label, dst.label, gpucore.ErrOutOfRange)
			}
		case OpDispatch:
			if _, ok := d.sets[c.Set]; !ok {
				return fmt.Errorf("recorder: dispatch %s: binding set %d: %w", c.Kernel, c.Set, gpucore.ErrUnknownID)
			}
		case OpDraw:
			if _, ok := d.targets[c.Draw.Target]; !ok {
				return fmt.Errorf("recorder: draw target %d: %w", c.Draw.Target, gpucore.ErrUnknownID)
			}
		}
	}
	return nil
}

// Close implements gpucore.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	clear(d.buffers)
	clear(d.sets)
	clear(d.targets)
	return nil
}

type encoder struct {
	label string
	calls []Call
	done  bool
}

func (e *encoder) CopyBuffer(c gpucore.BufferCopy) {
	e.calls = append(e.calls, Call{Op: OpCopy, Copy: c, Size: c.Size})
}

func (e *encoder) Dispatch(k gpucore.Kernel, set gpucore.BindingSetID, x, y, z uint32) {
	e.calls = append(e.calls, Call{Op: OpDispatch, Kernel: k, Set: set, Groups: [3]uint32{x, y, z}})
}

func (e *encoder) Draw(cmd gpucore.DrawCommand) {
	e.calls = append(e.calls, Call{Op: OpDraw, Draw: cmd, Set: cmd.Set, Target: cmd.Target})
}

func (e *encoder) Finish() (gpucore.CommandBuffer, error) {
	if e.done {
		return nil, fmt.Errorf("recorder: encoder %q already finished", e.label)
	}
	e.done = true
	return &commandBuffer{label: e.label, calls: e.calls}, nil
}

func (e *encoder) Discard() { e.done = true }

type commandBuffer struct {
	label string
	calls []Call
}

func (c *commandBuffer) Label() string { return c.label }
