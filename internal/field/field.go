// Package field implements the procedural flow field and the three
// compute kernels on the CPU.
//
// The functions here define the reference behavior of the Discretize,
// Init and Update kernels: the software device runs them directly and the
// WGSL kernels of internal/gpu follow the same buffer layout. Positions are
// in viewport pixels with the origin at the top-left corner.
package field

import (
	"math"

	"github.com/ojrac/opensimplex-go"
	"gonum.org/v1/gonum/spatial/r2"
)

// Field evaluates the flow direction for one set of uniforms.
type Field struct {
	u     Uniforms
	noise opensimplex.Noise
}

// New returns the field described by u. The noise is seeded from u.Seed,
// so two fields with equal uniforms are identical.
func New(u Uniforms) *Field {
	return &Field{u: u, noise: opensimplex.New(int64(u.Seed))}
}

// Uniforms returns the uniforms the field was built from.
func (f *Field) Uniforms() Uniforms { return f.u }

// Angle evaluates the analytic field direction at p in radians.
func (f *Field) Angle(p r2.Vec) float64 {
	u := f.u
	scale := float64(u.NoiseScale)
	n := f.noise.Eval2((p.X+float64(u.OffsetX))*scale, (p.Y+float64(u.OffsetY))*scale)
	a := n * 2 * math.Pi

	if u.AngleModStrength != 0 {
		a += float64(u.AngleModStrength) * math.Sin(float64(u.AngleModFreq)*a)
	}
	if u.NumAngles > 0 {
		step := 2 * math.Pi / float64(u.NumAngles)
		a = math.Round(a/step) * step
	}
	return a
}

// GridOrigin returns the viewport position of grid cell (0, 0).
func (f *Field) GridOrigin() r2.Vec {
	m := float64(f.u.GridMargin)
	return r2.Vec{X: -m, Y: -m}
}

// CellCenter returns the viewport position sampled for grid cell (gx, gy).
func (f *Field) CellCenter(gx, gy uint32) r2.Vec {
	d := float64(f.u.GridPointDistance)
	return r2.Add(f.GridOrigin(), r2.Vec{X: float64(gx) * d, Y: float64(gy) * d})
}

// Sample returns the field direction at p, reading the nearest grid cell
// in grid mode and evaluating the analytic field otherwise.
func (f *Field) Sample(grid []float32, p r2.Vec) float64 {
	u := f.u
	if !u.UseGrid || u.GridW == 0 || u.GridH == 0 || len(grid) < int(u.GridW*u.GridH) {
		return f.Angle(p)
	}
	rel := r2.Sub(p, f.GridOrigin())
	d := float64(u.GridPointDistance)
	gx := clampCell(math.Round(rel.X/d), u.GridW)
	gy := clampCell(math.Round(rel.Y/d), u.GridH)
	return float64(grid[gy*u.GridW+gx])
}

func clampCell(v float64, n uint32) uint32 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v >= float64(n) {
		return n - 1
	}
	return uint32(v)
}

// Step returns the displacement for one integration step along angle.
// The displacement has length step_size, clamped to max_particle_speed
// when that is positive.
func (f *Field) Step(angle float64) r2.Vec {
	v := r2.Scale(float64(f.u.StepSize), Direction(angle))
	if maxSpeed := float64(f.u.MaxSpeed); maxSpeed > 0 {
		if n := r2.Norm(v); n > maxSpeed {
			v = r2.Scale(maxSpeed/n, v)
		}
	}
	return v
}

// Direction returns the unit vector for angle.
func Direction(angle float64) r2.Vec {
	s, c := math.Sincos(angle)
	return r2.Vec{X: c, Y: s}
}

// SeedPosition returns the deterministic start position of line inside
// the viewport.
func (f *Field) SeedPosition(line uint32) r2.Vec {
	h := Hash(f.u.Seed ^ Hash(line))
	x := float64(h) / float64(math.MaxUint32)
	y := float64(Hash(h)) / float64(math.MaxUint32)
	return r2.Vec{X: x * float64(f.u.ViewportW), Y: y * float64(f.u.ViewportH)}
}

// Hash is the PCG hash used for per-line seeds. The WGSL kernels use the
// same function.
func Hash(v uint32) uint32 {
	state := v*747796405 + 2891336453
	word := ((state >> ((state >> 28) + 4)) ^ state) * 277803737
	return (word >> 22) ^ word
}
