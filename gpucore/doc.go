// Package gpucore defines the device abstraction used by the flowlines
// simulation.
//
// The [Device] interface covers exactly what the staged simulation needs
// from a GPU runtime: buffers, kernel readiness polling, immutable binding
// sets, a multisampled render target, and command recording. Three
// implementations live in this module:
//   - internal/gpu (exposed through package gpu): gogpu/wgpu HAL, Vulkan
//     or a shared device from a host application
//   - software: CPU kernels and an antialiased rasterizer
//   - gpucore/recorder: a test double that records every call
//
// # Resource Management
//
// Resources are referenced through opaque uint64 IDs ([BufferID],
// [BindingSetID], [TargetID]). [InvalidID] (zero) never names a live
// resource. Destroy methods ignore unknown IDs so teardown paths can be
// written without bookkeeping.
//
// # Kernels
//
// Kernels are named by [Kernel] rather than created by the caller: the
// device owns compilation and reports progress through [Device.KernelStatus],
// which never blocks.
package gpucore
