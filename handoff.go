package flowlines

import (
	"fmt"
	"math"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
)

// SampleCount is the multisample count of the render target.
const SampleCount = 4

// DrawIndexCount returns the number of indices drawable at iteration:
// 6 * num_lines * max(iteration-1, 0), never more than the allocation.
func DrawIndexCount(p Params, iteration uint32) uint32 {
	if iteration < 2 {
		return 0
	}
	quads := min(iteration, p.MaxIterations) - 1
	return field.IndicesPerQuad * p.NumLines * quads
}

// WrittenVertexBytes returns the byte length of the vertex prefix written
// by the kernels at iteration: two vertices per point, iteration points
// per line.
func WrittenVertexBytes(p Params, iteration uint32) uint64 {
	points := uint64(min(iteration, p.MaxIterations+1))
	return points * uint64(p.NumLines) * field.VerticesPerPoint * field.VertexStride
}

// TargetSize returns the render target size for the viewport, in whole
// pixels and at least 1x1.
func TargetSize(p Params) (w, h uint32) {
	px := func(v float32) uint32 { return max(uint32(math.Round(float64(v))), 1) }
	return px(p.ViewportWidth), px(p.ViewportHeight)
}

// Handoff owns the render-side geometry copies and the multisampled
// render target. Compute buffers are never bound for drawing directly;
// each frame copies the written prefix first.
type Handoff struct {
	vertices    gpucore.BufferID
	indices     gpucore.BufferID
	vertexBytes uint64
	indexBytes  uint64
	generation  uint64

	target        gpucore.TargetID
	width, height uint32
}

// Target returns the render target, or InvalidID before the first frame.
func (h *Handoff) Target() gpucore.TargetID { return h.target }

// Buffers returns the render-side vertex and index buffers.
func (h *Handoff) Buffers() (vertices, indices gpucore.BufferID) { return h.vertices, h.indices }

// Prepare allocates the render copies for the buffer generation and the
// render target for the viewport, replacing whichever is stale.
func (h *Handoff) Prepare(dev gpucore.Device, bufs *Buffers, p Params) error {
	if bufs != nil && (h.vertices == gpucore.InvalidID || h.generation != bufs.Generation) {
		h.releaseCopies(dev)
		vb, err := dev.CreateBuffer(gpucore.BufferDesc{
			Label: "flowlines_render_vertices",
			Size:  bufs.VertexBytes,
			Usage: gpucore.BufferUsageVertex | gpucore.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("flowlines: allocate render vertices: %w", err)
		}
		ib, err := dev.CreateBuffer(gpucore.BufferDesc{
			Label: "flowlines_render_indices",
			Size:  max(bufs.IndexBytes, minBufferSize),
			Usage: gpucore.BufferUsageIndex | gpucore.BufferUsageCopyDst,
		})
		if err != nil {
			dev.DestroyBuffer(vb)
			return fmt.Errorf("flowlines: allocate render indices: %w", err)
		}
		h.vertices, h.indices = vb, ib
		h.vertexBytes, h.indexBytes = bufs.VertexBytes, bufs.IndexBytes
		h.generation = bufs.Generation
	}

	w, hgt := TargetSize(p)
	if h.target != gpucore.InvalidID && h.width == w && h.height == hgt {
		return nil
	}
	if h.target != gpucore.InvalidID {
		dev.DestroyRenderTarget(h.target)
		h.target = gpucore.InvalidID
	}
	t, err := dev.CreateRenderTarget(w, hgt, SampleCount)
	if err != nil {
		return fmt.Errorf("flowlines: create %dx%d render target: %w", w, hgt, err)
	}
	h.target, h.width, h.height = t, w, hgt
	return nil
}

// Encode records the prefix copies and the draw for one frame and returns
// the number of indices drawn. With drawReady false, or before any
// geometry exists, only the clear is recorded.
func (h *Handoff) Encode(enc gpucore.CommandEncoder, bufs *Buffers, set BindingSet, p Params, iteration uint32, drawReady bool) uint32 {
	count := uint32(0)
	if drawReady && bufs != nil && h.generation == bufs.Generation && set.Valid() {
		count = DrawIndexCount(p, iteration)
	}
	if count > 0 {
		vbytes := min(WrittenVertexBytes(p, iteration), h.vertexBytes)
		ibytes := min(uint64(count)*4, h.indexBytes)
		enc.CopyBuffer(gpucore.BufferCopy{Src: bufs.Vertices, Dst: h.vertices, Size: vbytes})
		enc.CopyBuffer(gpucore.BufferCopy{Src: bufs.Indices, Dst: h.indices, Size: ibytes})
	}
	enc.Draw(gpucore.DrawCommand{
		Target:     h.target,
		Clear:      p.Background,
		Set:        set.ID,
		Vertices:   h.vertices,
		Indices:    h.indices,
		IndexCount: count,
	})
	return count
}

func (h *Handoff) releaseCopies(dev gpucore.Device) {
	if h.vertices != gpucore.InvalidID {
		dev.DestroyBuffer(h.vertices)
	}
	if h.indices != gpucore.InvalidID {
		dev.DestroyBuffer(h.indices)
	}
	h.vertices, h.indices = gpucore.InvalidID, gpucore.InvalidID
	h.vertexBytes, h.indexBytes, h.generation = 0, 0, 0
}

// Invalidate drops the geometry copies. The render target survives until
// the viewport changes.
func (h *Handoff) Invalidate(dev gpucore.Device) { h.releaseCopies(dev) }

// Close releases everything.
func (h *Handoff) Close(dev gpucore.Device) {
	h.releaseCopies(dev)
	if h.target != gpucore.InvalidID {
		dev.DestroyRenderTarget(h.target)
		h.target = gpucore.InvalidID
	}
	h.width, h.height = 0, 0
}
