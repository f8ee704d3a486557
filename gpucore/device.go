package gpucore

import (
	"errors"
	"image"
)

// Common errors returned by Device implementations.
var (
	// ErrUnknownID is returned when an operation references a resource
	// that does not exist or was already destroyed.
	ErrUnknownID = errors.New("gpucore: unknown resource id")

	// ErrOutOfRange is returned when an offset/size pair exceeds a buffer.
	ErrOutOfRange = errors.New("gpucore: range exceeds buffer size")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("gpucore: device closed")
)

// Device is the runtime capability set the simulation consumes: buffer
// lifetime, kernel readiness, binding sets, render targets, command
// recording and submission.
//
// Implementations must be safe for use from a single tick goroutine;
// KernelStatus must never block.
type Device interface {
	// CreateBuffer allocates a zero-initialized buffer.
	CreateBuffer(desc BufferDesc) (BufferID, error)
	// DestroyBuffer releases a buffer. Unknown IDs are ignored.
	DestroyBuffer(id BufferID)
	// WriteBuffer uploads data at offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error
	// ReadBuffer downloads len(dst) bytes starting at offset. All
	// previously submitted work is complete when ReadBuffer returns.
	ReadBuffer(id BufferID, offset uint64, dst []byte) error

	// KernelStatus polls the compile/validation state of a kernel.
	KernelStatus(k Kernel) KernelStatus

	// CreateBindingSet builds an immutable binding set for a layout.
	CreateBindingSet(layout Layout, bindings []Binding) (BindingSetID, error)
	// DestroyBindingSet releases a binding set. Unknown IDs are ignored.
	DestroyBindingSet(id BindingSetID)

	// CreateRenderTarget allocates a multisampled color target of the
	// given size plus its single-sample resolve image.
	CreateRenderTarget(width, height, samples uint32) (TargetID, error)
	// DestroyRenderTarget releases a render target. Unknown IDs are ignored.
	DestroyRenderTarget(id TargetID)
	// ReadRenderTarget reads back the resolved image.
	ReadRenderTarget(id TargetID) (*image.RGBA, error)

	// BeginCommands starts recording a command buffer.
	BeginCommands(label string) (CommandEncoder, error)
	// Submit executes a finished command buffer and waits for completion.
	Submit(cb CommandBuffer) error

	// Close releases every resource owned by the device.
	Close() error
}

// CommandEncoder records copies, dispatches and draws in submission order.
// Recording methods do not fail; errors such as unknown IDs are reported
// by Finish.
type CommandEncoder interface {
	CopyBuffer(c BufferCopy)
	Dispatch(k Kernel, set BindingSetID, x, y, z uint32)
	Draw(cmd DrawCommand)
	// Finish ends recording. The encoder must not be used afterwards.
	Finish() (CommandBuffer, error)
	// Discard abandons recording.
	Discard()
}

// CommandBuffer is a finished, submittable recording.
type CommandBuffer interface {
	Label() string
}
