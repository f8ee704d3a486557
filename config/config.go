// Package config loads flowlines parameters from YAML.
//
// Load starts from the embedded defaults and overlays a user file, so a
// file only needs the keys it changes. Watch reloads a file on change.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/flowlines"
	"github.com/gogpu/flowlines/gpucore"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds the simulation and run configuration.
type Config struct {
	Lines      LinesConfig      `yaml:"lines"`
	Viewport   ViewportConfig   `yaml:"viewport"`
	Grid       GridConfig       `yaml:"grid"`
	Field      FieldConfig      `yaml:"field"`
	Appearance AppearanceConfig `yaml:"appearance"`
	Run        RunConfig        `yaml:"run"`
}

// LinesConfig sizes the geometry buffers.
type LinesConfig struct {
	Count         uint32 `yaml:"count"`
	MaxIterations uint32 `yaml:"max_iterations"`
}

// ViewportConfig is the render target size in pixels.
type ViewportConfig struct {
	Width  float32 `yaml:"width"`
	Height float32 `yaml:"height"`
}

// GridConfig controls field discretization.
type GridConfig struct {
	Enabled       bool    `yaml:"enabled"`
	PointDistance float32 `yaml:"point_distance"`
	Margin        float32 `yaml:"margin"`
}

// FieldConfig shapes the procedural flow field.
type FieldConfig struct {
	StepSize          float32 `yaml:"step_size"`
	NumAngles         uint32  `yaml:"num_angles"`
	AngleModFrequency float32 `yaml:"angle_mod_frequency"`
	AngleModStrength  float32 `yaml:"angle_mod_strength"`
	NoiseScale        float32 `yaml:"noise_scale"`
	OffsetX           float32 `yaml:"offset_x"`
	OffsetY           float32 `yaml:"offset_y"`
	MaxParticleSpeed  float32 `yaml:"max_particle_speed"`
	Seed              uint32  `yaml:"seed"`
}

// AppearanceConfig holds the ribbon width and colors. Colors are
// [r, g, b] or [r, g, b, a] with components in [0, 1].
type AppearanceConfig struct {
	LineWidth  float32   `yaml:"line_width"`
	ColorA     []float32 `yaml:"color_a"`
	ColorB     []float32 `yaml:"color_b"`
	Background []float32 `yaml:"background"`
}

// RunConfig selects how cmd/flowlines runs the simulation.
type RunConfig struct {
	Backend string `yaml:"backend"`
	Ticks   int    `yaml:"ticks"`
	Workers int    `yaml:"workers"`
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration at path over the embedded defaults. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data over the embedded defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	if len(data) > 0 {
		// Unmarshal into same struct - only overwrites fields present in data
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, col := range map[string][]float32{
		"appearance.color_a":    c.Appearance.ColorA,
		"appearance.color_b":    c.Appearance.ColorB,
		"appearance.background": c.Appearance.Background,
	} {
		if n := len(col); n != 3 && n != 4 {
			return fmt.Errorf("config: %s: want 3 or 4 components, got %d", name, n)
		}
	}
	switch c.Run.Backend {
	case "software", "gpu":
	default:
		return fmt.Errorf("config: run.backend: unknown backend %q", c.Run.Backend)
	}
	return nil
}

func color(c []float32) gpucore.Color {
	out := gpucore.Color{A: 1}
	if len(c) >= 3 {
		out.R, out.G, out.B = c[0], c[1], c[2]
	}
	if len(c) == 4 {
		out.A = c[3]
	}
	return out
}

// Params converts the configuration to simulation parameters. The result
// is not validated; flowlines.New and Simulation.Update do that.
func (c *Config) Params() flowlines.Params {
	return flowlines.Params{
		NumLines:          c.Lines.Count,
		MaxIterations:     c.Lines.MaxIterations,
		ViewportWidth:     c.Viewport.Width,
		ViewportHeight:    c.Viewport.Height,
		GridPointDistance: c.Grid.PointDistance,
		GridMargin:        c.Grid.Margin,
		UseGrid:           c.Grid.Enabled,
		StepSize:          c.Field.StepSize,
		NumAnglesAllowed:  c.Field.NumAngles,
		AngleModFrequency: c.Field.AngleModFrequency,
		AngleModStrength:  c.Field.AngleModStrength,
		NoiseScale:        c.Field.NoiseScale,
		FieldOffsetX:      c.Field.OffsetX,
		FieldOffsetY:      c.Field.OffsetY,
		MaxParticleSpeed:  c.Field.MaxParticleSpeed,
		Seed:              c.Field.Seed,
		LineWidth:         c.Appearance.LineWidth,
		ColorA:            color(c.Appearance.ColorA),
		ColorB:            color(c.Appearance.ColorB),
		Background:        color(c.Appearance.Background),
	}
}

// Apply copies the configured parameters into p, keeping its control
// flags. It is the edit function for Simulation.Update.
func (c *Config) Apply(p *flowlines.Params) {
	paused, reset := p.Paused, p.ShouldReset
	*p = c.Params()
	p.Paused, p.ShouldReset = paused, reset
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
