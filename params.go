package flowlines

import (
	"math"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
)

// Params is the per-run simulation configuration. A Simulation applies
// edits only at tick boundaries, so kernels always see one consistent
// snapshot.
//
// Fields are grouped by effect: sizing and shape fields force a reset when
// they change; appearance fields (LineWidth and the colors) apply to
// segments grown after the change; Paused and ShouldReset are control
// flags.
type Params struct {
	// Sizing.
	NumLines      uint32
	MaxIterations uint32

	// Grid and viewport.
	ViewportWidth     float32
	ViewportHeight    float32
	GridPointDistance float32
	GridMargin        float32
	UseGrid           bool

	// Field shape.
	StepSize          float32
	NumAnglesAllowed  uint32 // 0 disables angle quantization
	AngleModFrequency float32
	AngleModStrength  float32
	NoiseScale        float32
	FieldOffsetX      float32
	FieldOffsetY      float32
	MaxParticleSpeed  float32 // 0 disables the clamp
	Seed              uint32

	// Appearance.
	LineWidth  float32
	ColorA     gpucore.Color
	ColorB     gpucore.Color
	Background gpucore.Color

	// Control.
	Paused      bool
	ShouldReset bool
}

// DefaultParams returns the parameters used when no configuration is given.
func DefaultParams() Params {
	return Params{
		NumLines:          1000,
		MaxIterations:     100,
		ViewportWidth:     1280,
		ViewportHeight:    720,
		GridPointDistance: 10,
		GridMargin:        50,
		UseGrid:           true,
		StepSize:          2,
		NoiseScale:        0.004,
		Seed:              1,
		LineWidth:         1.5,
		ColorA:            gpucore.Color{R: 0.95, G: 0.55, B: 0.2, A: 0.9},
		ColorB:            gpucore.Color{R: 0.2, G: 0.45, B: 0.95, A: 0.9},
		Background:        gpucore.Color{R: 0.04, G: 0.04, B: 0.06, A: 1},
	}
}

// Validate rejects parameter sets that would produce degenerate buffer
// sizes. It returns a *ValidationError wrapping ErrInvalidParams.
func (p Params) Validate() error {
	switch {
	case p.NumLines == 0:
		return &ValidationError{Field: "num_lines", Reason: "must be greater than 0"}
	case p.MaxIterations < 2:
		return &ValidationError{Field: "max_iterations", Reason: "must be at least 2"}
	case !positive(p.ViewportWidth) || !positive(p.ViewportHeight):
		return &ValidationError{Field: "viewport", Reason: "width and height must be positive"}
	case !positive(p.StepSize):
		return &ValidationError{Field: "step_size", Reason: "must be positive"}
	case p.UseGrid && !positive(p.GridPointDistance):
		return &ValidationError{Field: "grid_point_distance", Reason: "must be positive in grid mode"}
	case p.GridMargin < 0 || !finite(p.GridMargin):
		return &ValidationError{Field: "grid_margin", Reason: "must not be negative"}
	case p.NoiseScale < 0 || !finite(p.NoiseScale):
		return &ValidationError{Field: "noise_scale", Reason: "must not be negative"}
	case p.LineWidth < 0 || !finite(p.LineWidth):
		return &ValidationError{Field: "line_width", Reason: "must not be negative"}
	case p.MaxParticleSpeed < 0 || !finite(p.MaxParticleSpeed):
		return &ValidationError{Field: "max_particle_speed", Reason: "must not be negative"}
	}

	// Vertex indices and draw counts are u32.
	vertices := uint64(p.NumLines) * (uint64(p.MaxIterations) + 1) * field.VerticesPerPoint
	if vertices > math.MaxUint32 {
		return &ValidationError{Field: "num_lines", Reason: "num_lines * max_iterations exceeds the vertex index range"}
	}
	indices := uint64(p.NumLines) * (uint64(p.MaxIterations) - 1) * field.IndicesPerQuad
	if indices > math.MaxUint32 {
		return &ValidationError{Field: "num_lines", Reason: "num_lines * max_iterations exceeds the draw index range"}
	}
	return nil
}

func positive(v float32) bool { return v > 0 && finite(v) }

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// GridSize returns the discretization grid dimensions:
// floor((viewport + 2*margin) / grid_point_distance), at least 1.
func (p Params) GridSize() (w, h uint32) {
	if !positive(p.GridPointDistance) {
		return 1, 1
	}
	cells := func(extent float32) uint32 {
		n := math.Floor(float64(extent+2*p.GridMargin) / float64(p.GridPointDistance))
		if n < 1 {
			return 1
		}
		return uint32(n)
	}
	return cells(p.ViewportWidth), cells(p.ViewportHeight)
}

// Uniforms converts the parameters to the kernel uniform block.
func (p Params) Uniforms() field.Uniforms {
	gw, gh := p.GridSize()
	return field.Uniforms{
		NumLines:          p.NumLines,
		MaxIterations:     p.MaxIterations,
		GridW:             gw,
		GridH:             gh,
		ViewportW:         p.ViewportWidth,
		ViewportH:         p.ViewportHeight,
		GridPointDistance: p.GridPointDistance,
		GridMargin:        p.GridMargin,
		StepSize:          p.StepSize,
		LineWidth:         p.LineWidth,
		NumAngles:         p.NumAnglesAllowed,
		AngleModFreq:      p.AngleModFrequency,
		AngleModStrength:  p.AngleModStrength,
		NoiseScale:        p.NoiseScale,
		OffsetX:           p.FieldOffsetX,
		OffsetY:           p.FieldOffsetY,
		MaxSpeed:          p.MaxParticleSpeed,
		UseGrid:           p.UseGrid,
		Seed:              p.Seed,
		ColorA:            colorArray(p.ColorA),
		ColorB:            colorArray(p.ColorB),
		Background:        colorArray(p.Background),
	}
}

func colorArray(c gpucore.Color) [4]float32 { return [4]float32{c.R, c.G, c.B, c.A} }

// resetKey returns p with every field that may change without a reset
// cleared.
func (p Params) resetKey() Params {
	p.LineWidth = 0
	p.ColorA, p.ColorB, p.Background = gpucore.Color{}, gpucore.Color{}, gpucore.Color{}
	p.Paused = false
	p.ShouldReset = false
	return p
}

// NeedsReset reports whether moving from old to p invalidates the
// simulation: any sizing, grid or field shape change does.
func (p Params) NeedsReset(old Params) bool {
	return p.resetKey() != old.resetKey()
}
