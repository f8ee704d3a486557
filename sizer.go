package flowlines

import (
	"fmt"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
)

// VertexBufferSize returns the vertex buffer size in bytes:
// 16 floats (two 8-float ribbon vertices) per point, max_iterations+1
// points per line.
func VertexBufferSize(p Params) uint64 {
	return 16 * 4 * uint64(p.NumLines) * (uint64(p.MaxIterations) + 1)
}

// IndexBufferSize returns the index buffer size in bytes: one 6-index quad
// per consecutive point pair, max_iterations-1 quads per line.
func IndexBufferSize(p Params) uint64 {
	if p.MaxIterations < 2 {
		return 0
	}
	return 6 * 4 * uint64(p.NumLines) * (uint64(p.MaxIterations) - 1)
}

// GridBufferSize returns the field grid size in bytes, one float per cell.
// Without grid mode only a placeholder is allocated.
func GridBufferSize(p Params) uint64 {
	if !p.UseGrid {
		return minBufferSize
	}
	w, h := p.GridSize()
	return 4 * uint64(w) * uint64(h)
}

// minBufferSize keeps every bound buffer non-empty, so the grid can stay
// bound when grid mode is off.
const minBufferSize = 4

// Buffers is one generation of compute-side buffers. Every field is
// replaced together; a new Generation means every ID is new.
type Buffers struct {
	Params    gpucore.BufferID
	Iteration gpucore.BufferID
	Grid      gpucore.BufferID
	Vertices  gpucore.BufferID
	Indices   gpucore.BufferID

	VertexBytes uint64
	IndexBytes  uint64
	GridBytes   uint64

	Generation uint64
}

// IDs returns the buffer IDs in binding slot order.
func (b *Buffers) IDs() []gpucore.BufferID {
	return []gpucore.BufferID{b.Params, b.Iteration, b.Grid, b.Vertices, b.Indices}
}

// Sizer owns the compute buffers and reallocates them only when they are
// missing, invalidated, or no longer match the parameter sizes.
type Sizer struct {
	bufs       *Buffers
	generation uint64
}

// Buffers returns the current generation, or nil before the first Ensure
// and after Invalidate.
func (s *Sizer) Buffers() *Buffers { return s.bufs }

// Generation returns the number of allocations performed so far.
func (s *Sizer) Generation() uint64 { return s.generation }

// Ensure allocates buffers for p if needed and reports whether a new
// generation was created. On error no buffers are held.
func (s *Sizer) Ensure(dev gpucore.Device, p Params) (bool, error) {
	vb, ib, gb := VertexBufferSize(p), IndexBufferSize(p), GridBufferSize(p)
	if b := s.bufs; b != nil {
		if b.VertexBytes == vb && b.IndexBytes == ib && b.GridBytes == gb {
			return false, nil
		}
		s.Invalidate(dev)
	}

	bufs := &Buffers{VertexBytes: vb, IndexBytes: ib, GridBytes: gb}
	specs := []struct {
		target *gpucore.BufferID
		label  string
		size   uint64
		usage  gpucore.BufferUsage
	}{
		{&bufs.Params, "flowlines_params", field.UniformSize, gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst},
		{&bufs.Iteration, "flowlines_iteration", field.IterationUniformSize, gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst},
		{&bufs.Grid, "flowlines_grid", gb, gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc},
		{&bufs.Vertices, "flowlines_vertices", vb, gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc},
		{&bufs.Indices, "flowlines_indices", ib, gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc},
	}

	for _, spec := range specs {
		size := max(spec.size, minBufferSize)
		id, err := dev.CreateBuffer(gpucore.BufferDesc{Label: spec.label, Size: size, Usage: spec.usage})
		if err != nil {
			destroyBuffers(dev, bufs.IDs())
			return false, fmt.Errorf("flowlines: allocate %s (%d bytes): %w", spec.label, size, err)
		}
		*spec.target = id
	}

	s.generation++
	bufs.Generation = s.generation
	s.bufs = bufs

	Logger().Debug("flowlines: buffers allocated",
		"generation", bufs.Generation,
		"vertex_bytes", vb,
		"index_bytes", ib,
		"grid_bytes", gb)
	return true, nil
}

// Invalidate destroys every buffer. The next Ensure allocates a new
// generation.
func (s *Sizer) Invalidate(dev gpucore.Device) {
	if s.bufs == nil {
		return
	}
	destroyBuffers(dev, s.bufs.IDs())
	s.bufs = nil
}

func destroyBuffers(dev gpucore.Device, ids []gpucore.BufferID) {
	for _, id := range ids {
		if id != gpucore.InvalidID {
			dev.DestroyBuffer(id)
		}
	}
}
