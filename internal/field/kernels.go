package field

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// VertexSlot returns the index of the first ribbon vertex of point p of
// line l. Points are stored iteration-major so the written prefix of the
// vertex buffer is contiguous.
func VertexSlot(numLines, line, point uint32) uint32 {
	return (point*numLines + line) * VerticesPerPoint
}

// QuadSlot returns the index of the first index of the quad joining points
// step and step+1 of line l.
func QuadSlot(numLines, line, step uint32) uint32 {
	return (step*numLines + line) * IndicesPerQuad
}

// Discretize writes one angle per grid cell. The result depends only on
// the uniforms, so repeated calls produce identical grids.
func (f *Field) Discretize(grid []float32) { f.DiscretizeRows(grid, 0, f.u.GridH) }

// DiscretizeRows fills grid rows [y0, y1).
func (f *Field) DiscretizeRows(grid []float32, y0, y1 uint32) {
	u := f.u
	for gy := y0; gy < min(y1, u.GridH); gy++ {
		for gx := uint32(0); gx < u.GridW; gx++ {
			i := gy*u.GridW + gx
			if int(i) >= len(grid) {
				return
			}
			grid[i] = float32(f.Angle(f.CellCenter(gx, gy)))
		}
	}
}

// Init seeds every line: it writes points 0 and 1 and quad 0.
func (f *Field) Init(grid, verts []float32, indices []uint32) {
	f.InitLines(grid, verts, indices, 0, f.u.NumLines)
}

// InitLines seeds lines [lo, hi).
func (f *Field) InitLines(grid, verts []float32, indices []uint32, lo, hi uint32) {
	for line := lo; line < min(hi, f.u.NumLines); line++ {
		p0 := f.SeedPosition(line)
		a0 := f.Sample(grid, p0)
		p1 := r2.Add(p0, f.Step(a0))
		dir := Direction(a0)

		f.writePoint(verts, line, 0, p0, dir)
		f.writePoint(verts, line, 1, p1, dir)
		f.writeQuad(indices, line, 0)
	}
}

// Update runs one integration step. iteration is the value of the
// iteration counter after the step, so the kernel writes point
// iteration-1 from point iteration-2 and the quad between them.
// Iterations outside [3, max_iterations] are ignored.
func (f *Field) Update(iteration uint32, grid, verts []float32, indices []uint32) {
	f.UpdateLines(iteration, grid, verts, indices, 0, f.u.NumLines)
}

// UpdateLines runs one integration step for lines [lo, hi).
func (f *Field) UpdateLines(iteration uint32, grid, verts []float32, indices []uint32, lo, hi uint32) {
	u := f.u
	if iteration < 3 || iteration > u.MaxIterations {
		return
	}
	prev := iteration - 2
	for line := lo; line < min(hi, u.NumLines); line++ {
		p := Center(verts, u.NumLines, line, prev)
		a := f.Sample(grid, p)
		next := r2.Add(p, f.Step(a))
		f.writePoint(verts, line, prev+1, next, Direction(a))
		f.writeQuad(indices, line, prev)
	}
}

// Center returns the center line position of point p of line l.
func Center(verts []float32, numLines, line, point uint32) r2.Vec {
	i := int(VertexSlot(numLines, line, point)) * FloatsPerVertex
	if i+2*FloatsPerVertex > len(verts) {
		return r2.Vec{}
	}
	a := r2.Vec{X: float64(verts[i]), Y: float64(verts[i+1])}
	b := r2.Vec{X: float64(verts[i+FloatsPerVertex]), Y: float64(verts[i+FloatsPerVertex+1])}
	return r2.Scale(0.5, r2.Add(a, b))
}

func (f *Field) writePoint(verts []float32, line, point uint32, center, dir r2.Vec) {
	u := f.u
	i := int(VertexSlot(u.NumLines, line, point)) * FloatsPerVertex
	if i+2*FloatsPerVertex > len(verts) {
		return
	}
	half := float64(u.LineWidth) / 2
	normal := r2.Scale(half, r2.Vec{X: -dir.Y, Y: dir.X})
	t := float32(0)
	if u.MaxIterations > 1 {
		t = float32(point) / float32(u.MaxIterations-1)
	}
	c := lerpColor(u.ColorA, u.ColorB, t)

	for side := 0; side < VerticesPerPoint; side++ {
		sign := float64(1 - 2*side)
		pos := r2.Add(center, r2.Scale(sign, normal))
		v := verts[i+side*FloatsPerVertex : i+(side+1)*FloatsPerVertex]
		v[0], v[1], v[2], v[3] = float32(pos.X), float32(pos.Y), t, float32(sign)
		v[4], v[5], v[6], v[7] = c[0], c[1], c[2], c[3]
	}
}

func (f *Field) writeQuad(indices []uint32, line, step uint32) {
	n := f.u.NumLines
	q := QuadSlot(n, line, step)
	if int(q)+IndicesPerQuad > len(indices) {
		return
	}
	a0 := VertexSlot(n, line, step)
	b0 := VertexSlot(n, line, step+1)
	a1, b1 := a0+1, b0+1
	copy(indices[q:q+IndicesPerQuad], []uint32{a0, a1, b0, a1, b1, b0})
}

func lerpColor(a, b [4]float32, t float32) [4]float32 {
	t = float32(math.Max(0, math.Min(1, float64(t))))
	var out [4]float32
	for i := range out {
		out[i] = a[i] + (b[i]-a[i])*t
	}
	return out
}
