// Package flowlines grows flow-field lines on a compute device and draws
// them as antialiased ribbons.
//
// # Overview
//
// A Simulation runs a small stage machine once per frame:
//
//	Loading -> Initializing -> Updating ... -> Finished
//
// Loading waits until every compute kernel reports ready. Initializing
// samples the noise field into a grid (when grid mode is on) and seeds a
// two-point polyline per line. Each Updating tick appends one point to
// every line by following the field. Finished stops growing and keeps
// rendering the result. Any change to a sizing or field parameter resets
// the machine to Loading.
//
// # Quick Start
//
//	dev := software.New()
//	defer dev.Close()
//
//	sim, err := flowlines.New(dev, flowlines.DefaultParams())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sim.Close()
//
//	for sim.Stage() != flowlines.StageFinished {
//		if _, err := sim.Tick(ctx); err != nil {
//			log.Fatal(err)
//		}
//		if _, err := sim.Render(ctx); err != nil {
//			log.Fatal(err)
//		}
//	}
//	img, err := sim.Frame()
//
// # Devices
//
// Simulation talks to a gpucore.Device. Three implementations exist:
//
//   - software: CPU kernels and a supersampled rasterizer
//   - gpu: WGSL kernels on a wgpu HAL device
//   - gpucore/recorder: an in-memory recorder for tests
//
// # Buffers
//
// Buffer sizes follow the parameters:
//
//	vertices: 16 * 4 * num_lines * (max_iterations + 1) bytes
//	indices:   6 * 4 * num_lines * (max_iterations - 1) bytes
//
// Buffers and binding sets are rebuilt together. Each generation gets new
// IDs, so stale bindings are never reused.
//
// # Logging
//
// The package is silent by default. Use SetLogger to enable output.
package flowlines
