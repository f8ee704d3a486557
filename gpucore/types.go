package gpucore

import "fmt"

// Resource IDs
//
// These opaque IDs represent device resources. Each Device implementation
// maintains a mapping between IDs and its backend resources.
// IDs are uint64 to accommodate various backend handle sizes.

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// BindingSetID is an opaque handle to an immutable binding set.
type BindingSetID uint64

// TargetID is an opaque handle to a multisampled render target and its
// single-sample resolve image.
type TargetID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageMapRead indicates the buffer can be mapped for reading.
	BufferUsageMapRead BufferUsage = 1 << 0

	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 2

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 3

	// BufferUsageIndex indicates the buffer can be used as an index buffer.
	BufferUsageIndex BufferUsage = 1 << 4

	// BufferUsageVertex indicates the buffer can be used as a vertex buffer.
	BufferUsageVertex BufferUsage = 1 << 5

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 6

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 7
)

// Has reports whether all bits of flag are set in u.
func (u BufferUsage) Has(flag BufferUsage) bool { return u&flag == flag }

// Kernel names one of the device programs the simulation drives.
// Discretize, Init and Update are compute kernels; Render is the
// vertex/fragment program used by the render handoff.
type Kernel int

const (
	// KernelDiscretize samples the flow field onto the grid buffer.
	KernelDiscretize Kernel = iota
	// KernelInit seeds every line with its first two points.
	KernelInit
	// KernelUpdate appends one point and one quad to every line.
	KernelUpdate
	// KernelRender draws the ribbon geometry.
	KernelRender

	// KernelCount is the number of kernels.
	KernelCount
)

var kernelNames = [KernelCount]string{
	KernelDiscretize: "discretize",
	KernelInit:       "init",
	KernelUpdate:     "update",
	KernelRender:     "render",
}

// String returns the kernel name.
func (k Kernel) String() string {
	if k >= 0 && k < KernelCount {
		return kernelNames[k]
	}
	return fmt.Sprintf("Kernel(%d)", int(k))
}

// KernelStatus is the compile/validation state of a kernel.
type KernelStatus int

const (
	// KernelPending means compilation has not completed yet.
	KernelPending KernelStatus = iota
	// KernelReady means the kernel can be dispatched.
	KernelReady
	// KernelFailed means compilation or validation failed permanently.
	KernelFailed
)

// String returns a human readable status.
func (s KernelStatus) String() string {
	switch s {
	case KernelPending:
		return "pending"
	case KernelReady:
		return "ready"
	case KernelFailed:
		return "failed"
	default:
		return fmt.Sprintf("KernelStatus(%d)", int(s))
	}
}

// Layout selects one of the two binding layouts shared by the kernels.
type Layout int

const (
	// LayoutCompute is shared by Discretize, Init and Update.
	LayoutCompute Layout = iota
	// LayoutRender is used by the Render kernel.
	LayoutRender
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutCompute:
		return "compute"
	case LayoutRender:
		return "render"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Binding slots of LayoutCompute. These match the @binding(N)
// annotations of the compute shaders.
const (
	SlotParams    uint32 = 0
	SlotIteration uint32 = 1
	SlotGrid      uint32 = 2
	SlotVertices  uint32 = 3
	SlotIndices   uint32 = 4
)

// Binding slots of LayoutRender.
const (
	SlotRenderParams uint32 = 0
)

// Workgroup sizes of the compute kernels. Every device covers
// groups*size invocations per dimension.
const (
	// LineWorkgroupSize is the 1-D workgroup size of Init and Update.
	LineWorkgroupSize = 64
	// GridWorkgroupSize is the edge of the 2-D Discretize workgroup.
	GridWorkgroupSize = 8
)

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Binding attaches a whole buffer to a slot.
type Binding struct {
	Slot   uint32
	Buffer BufferID
}

// BufferCopy describes a buffer-to-buffer copy.
type BufferCopy struct {
	Src       BufferID
	SrcOffset uint64
	Dst       BufferID
	DstOffset uint64
	Size      uint64
}

// Color is a linear RGBA color with components in [0, 1].
type Color struct {
	R, G, B, A float32
}

// DrawCommand describes one indexed triangle-list draw into a render
// target. The target is cleared to Clear before drawing and resolved to its
// single-sample image afterwards. IndexCount 0 performs only the clear.
type DrawCommand struct {
	Target     TargetID
	Clear      Color
	Set        BindingSetID
	Vertices   BufferID
	Indices    BufferID
	IndexCount uint32
}
