package field

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Byte sizes of the two uniform blocks shared by every kernel.
const (
	UniformSize          = 128
	IterationUniformSize = 16
)

// Geometry layout constants.
const (
	// FloatsPerVertex is x, y, t, side followed by r, g, b, a.
	FloatsPerVertex = 8
	// VertexStride is the byte stride of one vertex.
	VertexStride = FloatsPerVertex * 4
	// VerticesPerPoint is the number of ribbon vertices per line point.
	VerticesPerPoint = 2
	// IndicesPerQuad is the number of indices of one ribbon segment.
	IndicesPerQuad = 6
)

// Uniforms mirrors the Params uniform block of the kernels.
//
// Layout (little-endian, std140-compatible):
//
//	0   num_lines u32          4   max_iterations u32
//	8   grid_w u32             12  grid_h u32
//	16  viewport_w f32         20  viewport_h f32
//	24  grid_point_distance    28  grid_margin
//	32  step_size              36  line_width
//	40  num_angles u32         44  angle_mod_freq
//	48  angle_mod_strength     52  noise_scale
//	56  field_offset_x         60  field_offset_y
//	64  max_particle_speed     68  use_grid u32
//	72  seed u32               76  padding
//	80  color_a vec4           96  color_b vec4
//	112 background vec4
type Uniforms struct {
	NumLines      uint32
	MaxIterations uint32
	GridW         uint32
	GridH         uint32

	ViewportW         float32
	ViewportH         float32
	GridPointDistance float32
	GridMargin        float32
	StepSize          float32
	LineWidth         float32

	NumAngles        uint32
	AngleModFreq     float32
	AngleModStrength float32
	NoiseScale       float32
	OffsetX          float32
	OffsetY          float32
	MaxSpeed         float32
	UseGrid          bool
	Seed             uint32

	ColorA     [4]float32
	ColorB     [4]float32
	Background [4]float32
}

// Encode serializes the uniforms to the GPU layout.
func (u Uniforms) Encode() []byte {
	buf := make([]byte, UniformSize)
	le := binary.LittleEndian
	putF := func(off int, v float32) { le.PutUint32(buf[off:], math.Float32bits(v)) }

	le.PutUint32(buf[0:], u.NumLines)
	le.PutUint32(buf[4:], u.MaxIterations)
	le.PutUint32(buf[8:], u.GridW)
	le.PutUint32(buf[12:], u.GridH)
	putF(16, u.ViewportW)
	putF(20, u.ViewportH)
	putF(24, u.GridPointDistance)
	putF(28, u.GridMargin)
	putF(32, u.StepSize)
	putF(36, u.LineWidth)
	le.PutUint32(buf[40:], u.NumAngles)
	putF(44, u.AngleModFreq)
	putF(48, u.AngleModStrength)
	putF(52, u.NoiseScale)
	putF(56, u.OffsetX)
	putF(60, u.OffsetY)
	putF(64, u.MaxSpeed)
	if u.UseGrid {
		le.PutUint32(buf[68:], 1)
	}
	le.PutUint32(buf[72:], u.Seed)
	for i := 0; i < 4; i++ {
		putF(80+4*i, u.ColorA[i])
		putF(96+4*i, u.ColorB[i])
		putF(112+4*i, u.Background[i])
	}
	return buf
}

// DecodeUniforms parses a uniform block produced by Encode.
func DecodeUniforms(b []byte) (Uniforms, error) {
	if len(b) < UniformSize {
		return Uniforms{}, fmt.Errorf("field: uniform block is %d bytes, want %d", len(b), UniformSize)
	}
	le := binary.LittleEndian
	getF := func(off int) float32 { return math.Float32frombits(le.Uint32(b[off:])) }

	u := Uniforms{
		NumLines:          le.Uint32(b[0:]),
		MaxIterations:     le.Uint32(b[4:]),
		GridW:             le.Uint32(b[8:]),
		GridH:             le.Uint32(b[12:]),
		ViewportW:         getF(16),
		ViewportH:         getF(20),
		GridPointDistance: getF(24),
		GridMargin:        getF(28),
		StepSize:          getF(32),
		LineWidth:         getF(36),
		NumAngles:         le.Uint32(b[40:]),
		AngleModFreq:      getF(44),
		AngleModStrength:  getF(48),
		NoiseScale:        getF(52),
		OffsetX:           getF(56),
		OffsetY:           getF(60),
		MaxSpeed:          getF(64),
		UseGrid:           le.Uint32(b[68:]) != 0,
		Seed:              le.Uint32(b[72:]),
	}
	for i := 0; i < 4; i++ {
		u.ColorA[i] = getF(80 + 4*i)
		u.ColorB[i] = getF(96 + 4*i)
		u.Background[i] = getF(112 + 4*i)
	}
	return u, nil
}

// EncodeIteration serializes the iteration uniform block.
func EncodeIteration(iteration uint32) []byte {
	buf := make([]byte, IterationUniformSize)
	binary.LittleEndian.PutUint32(buf, iteration)
	return buf
}

// DecodeIteration parses the iteration uniform block.
func DecodeIteration(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
