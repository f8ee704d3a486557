package software

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
)

// target is a render target: a supersampled color buffer and the image it
// resolves to.
type target struct {
	scale    int
	samples  *image.RGBA
	resolved *image.RGBA
	raster   vector.Rasterizer
}

func newTarget(width, height, scale int) *target {
	return &target{
		scale:    scale,
		samples:  image.NewRGBA(image.Rect(0, 0, width*scale, height*scale)),
		resolved: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

type point struct{ x, y float32 }

func toNRGBA(c [4]float32) color.NRGBA {
	ch := func(v float32) uint8 {
		return uint8(math.Round(float64(max(0, min(1, v))) * 255))
	}
	return color.NRGBA{R: ch(c[0]), G: ch(c[1]), B: ch(c[2]), A: ch(c[3])}
}

func (t *target) clear(c gpucore.Color) {
	src := image.NewUniform(toNRGBA([4]float32{c.R, c.G, c.B, c.A}))
	xdraw.Draw(t.samples, t.samples.Bounds(), src, image.Point{}, xdraw.Src)
}

// resolve downsamples the color buffer into the resolved image.
func (t *target) resolve() {
	if t.scale == 1 {
		copy(t.resolved.Pix, t.samples.Pix)
		return
	}
	xdraw.ApproxBiLinear.Scale(t.resolved, t.resolved.Bounds(), t.samples, t.samples.Bounds(), xdraw.Src, nil)
}

// runDraw clears the target, draws the indexed ribbon quads and resolves.
func (d *Device) runDraw(cmd gpucore.DrawCommand) {
	t := d.targets[cmd.Target]
	t.clear(cmd.Clear)
	if cmd.IndexCount > 0 {
		set := d.sets[cmd.Set]
		u, err := field.DecodeUniforms(d.buffers[set.slots[gpucore.SlotRenderParams]].bytes())
		if err != nil {
			d.log().Warn("software: bad render params", "err", err)
		} else {
			verts := d.buffers[cmd.Vertices].floats()
			indices := d.buffers[cmd.Indices].words[:cmd.IndexCount]
			t.drawRibbons(verts, indices, u)
		}
	}
	t.resolve()
}

// drawRibbons fills the triangles of indices. Each 6-index quad
// (a0, a1, b0, a1, b1, b0) is filled as one polygon so the shared diagonal
// leaves no seam.
func (t *target) drawRibbons(verts []float32, indices []uint32, u field.Uniforms) {
	b := t.samples.Bounds()
	sx := float32(b.Dx()) / u.ViewportW
	sy := float32(b.Dy()) / u.ViewportH

	vertex := func(i uint32) (point, [4]float32, bool) {
		o := int(i) * field.FloatsPerVertex
		if o+field.FloatsPerVertex > len(verts) {
			return point{}, [4]float32{}, false
		}
		v := verts[o : o+field.FloatsPerVertex]
		return point{v[0] * sx, v[1] * sy}, [4]float32{v[4], v[5], v[6], v[7]}, true
	}

	fill := func(ids ...uint32) {
		pts := make([]point, 0, len(ids))
		var sum [4]float32
		for _, id := range ids {
			p, c, ok := vertex(id)
			if !ok {
				return
			}
			pts = append(pts, p)
			for k := range sum {
				sum[k] += c[k]
			}
		}
		for k := range sum {
			sum[k] /= float32(len(ids))
		}
		t.fillPolygon(pts, toNRGBA(sum))
	}

	n := len(indices)
	q := 0
	for ; q+field.IndicesPerQuad <= n; q += field.IndicesPerQuad {
		i := indices[q : q+field.IndicesPerQuad]
		a0, a1, b0, b1 := i[0], i[1], i[2], i[4]
		fill(a0, b0, b1, a1)
	}
	for ; q+3 <= n; q += 3 {
		fill(indices[q], indices[q+1], indices[q+2])
	}
}

// fillPolygon composites a polygon over the color buffer. The rasterizer
// only covers the polygon's bounding box, clipped to the buffer.
func (t *target) fillPolygon(pts []point, c color.NRGBA) {
	if len(pts) < 3 || c.A == 0 {
		return
	}
	b := t.samples.Bounds()
	minX, minY := float32(math.Inf(1)), float32(math.Inf(1))
	maxX, maxY := float32(math.Inf(-1)), float32(math.Inf(-1))
	for _, p := range pts {
		minX, maxX = min(minX, p.x), max(maxX, p.x)
		minY, maxY = min(minY, p.y), max(maxY, p.y)
	}
	x0 := max(int(math.Floor(float64(minX))), b.Min.X)
	y0 := max(int(math.Floor(float64(minY))), b.Min.Y)
	x1 := min(int(math.Ceil(float64(maxX))), b.Max.X)
	y1 := min(int(math.Ceil(float64(maxY))), b.Max.Y)
	if x0 >= x1 || y0 >= y1 {
		return
	}

	clipped := clipPolygon(pts, float32(x0), float32(y0), float32(x1), float32(y1))
	if len(clipped) < 3 {
		return
	}

	r := &t.raster
	r.Reset(x1-x0, y1-y0)
	r.MoveTo(clipped[0].x-float32(x0), clipped[0].y-float32(y0))
	for _, p := range clipped[1:] {
		r.LineTo(p.x-float32(x0), p.y-float32(y0))
	}
	r.ClosePath()
	r.Draw(t.samples, image.Rect(x0, y0, x1, y1), image.NewUniform(c), image.Point{})
}

// clipPolygon clips pts to the rectangle [x0, x1] x [y0, y1]
// (Sutherland-Hodgman).
func clipPolygon(pts []point, x0, y0, x1, y1 float32) []point {
	edges := []struct {
		inside func(point) bool
		cross  func(a, b point) point
	}{
		{func(p point) bool { return p.x >= x0 }, func(a, b point) point { return atX(a, b, x0) }},
		{func(p point) bool { return p.x <= x1 }, func(a, b point) point { return atX(a, b, x1) }},
		{func(p point) bool { return p.y >= y0 }, func(a, b point) point { return atY(a, b, y0) }},
		{func(p point) bool { return p.y <= y1 }, func(a, b point) point { return atY(a, b, y1) }},
	}
	out := pts
	for _, e := range edges {
		if len(out) == 0 {
			break
		}
		in := out
		out = make([]point, 0, len(in)+2)
		prev := in[len(in)-1]
		for _, cur := range in {
			switch {
			case e.inside(cur) && e.inside(prev):
				out = append(out, cur)
			case e.inside(cur):
				out = append(out, e.cross(prev, cur), cur)
			case e.inside(prev):
				out = append(out, e.cross(prev, cur))
			}
			prev = cur
		}
	}
	return out
}

func atX(a, b point, x float32) point {
	t := (x - a.x) / (b.x - a.x)
	return point{x, a.y + t*(b.y-a.y)}
}

func atY(a, b point, y float32) point {
	t := (y - a.y) / (b.y - a.y)
	return point{a.x + t*(b.x-a.x), y}
}
