package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/flowlines"
	"github.com/gogpu/flowlines/gpucore"
)

func TestDefaultsMatchDefaultParams(t *testing.T) {
	got := Default().Params()
	want := flowlines.DefaultParams()
	if got != want {
		t.Errorf("embedded defaults = %+v\nwant DefaultParams %+v", got, want)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadOverlaysUserFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowlines.yaml")
	data := []byte(`
lines:
  count: 7
viewport:
  width: 320
appearance:
  color_a: [1, 0, 0]
run:
  backend: gpu
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Params()
	if p.NumLines != 7 {
		t.Errorf("NumLines = %d, want 7", p.NumLines)
	}
	if p.ViewportWidth != 320 || p.ViewportHeight != 720 {
		t.Errorf("viewport = %vx%v, want 320x720", p.ViewportWidth, p.ViewportHeight)
	}
	if p.MaxIterations != flowlines.DefaultParams().MaxIterations {
		t.Errorf("MaxIterations = %d, want the default", p.MaxIterations)
	}
	if p.ColorA != (gpucore.Color{R: 1, A: 1}) {
		t.Errorf("ColorA = %+v, want opaque red", p.ColorA)
	}
	if cfg.Run.Backend != "gpu" {
		t.Errorf("backend = %q", cfg.Run.Backend)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "lines: [1, 2"},
		{"short color", "appearance:\n  background: [1, 1]\n"},
		{"unknown backend", "run:\n  backend: opencl\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load succeeded")
			}
		})
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Lines.Count = 42
	cfg.Field.Seed = 9
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.Params() != cfg.Params() {
		t.Errorf("round trip changed params:\n got %+v\nwant %+v", back.Params(), cfg.Params())
	}
}

func TestApplyKeepsControlFlags(t *testing.T) {
	cfg := Default()
	cfg.Lines.Count = 5
	p := flowlines.DefaultParams()
	p.Paused = true
	cfg.Apply(&p)
	if p.NumLines != 5 || !p.Paused {
		t.Errorf("Apply = %+v, want 5 lines and still paused", p)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.yaml")
	if err := os.WriteFile(path, []byte("lines:\n  count: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func(c *Config) { reloads <- c })
	}()

	// Rewrite until the watcher has picked the file up; the first write
	// may land before the watch is registered.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-reloads:
			if c.Lines.Count != 2 {
				// A reload raced a rewrite; wait for the next one.
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("lines:\n  count: 2\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload within 5s")
		}
	}
}
