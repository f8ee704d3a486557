// Command flowlines runs a flow-field line simulation and writes the
// rendered frame as a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/gogpu/flowlines"
	"github.com/gogpu/flowlines/config"
	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/trace"
	"github.com/gogpu/flowlines/software"
)

// frameInterval paces ticks in -watch mode.
const frameInterval = 16 * time.Millisecond

func main() {
	var (
		configPath  = flag.String("config", "", "YAML configuration file (embedded defaults when empty)")
		backend     = flag.String("backend", "", "device backend: software or gpu (overrides run.backend)")
		ticks       = flag.Int("ticks", -1, "ticks to run, 0 runs until finished (overrides run.ticks)")
		output      = flag.String("out", "flowlines.png", "output PNG file")
		tracePath   = flag.String("trace", "", "write a per-tick CSV trace to this file")
		watch       = flag.Bool("watch", false, "keep running and reload -config on change")
		dump        = flag.Bool("dump", false, "print geometry statistics after the run")
		writeConfig = flag.String("write-config", "", "write the effective configuration to this file and exit")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	flowlines.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *backend != "" {
		cfg.Run.Backend = *backend
	}
	if *ticks >= 0 {
		cfg.Run.Ticks = *ticks
	}
	if *writeConfig != "" {
		if err := cfg.WriteYAML(*writeConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		return
	}
	if *watch && *configPath == "" {
		log.Fatal("-watch requires -config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev, err := openDevice(ctx, cfg.Run)
	if err != nil {
		log.Fatalf("Failed to open %s device: %v", cfg.Run.Backend, err)
	}
	defer dev.Close()

	sim, err := flowlines.New(dev, cfg.Params())
	if err != nil {
		log.Fatalf("Failed to create simulation: %v", err)
	}
	defer sim.Close()

	var tw *trace.Writer
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			log.Fatalf("Failed to create trace file: %v", err)
		}
		defer f.Close()
		tw = trace.NewWriter(f)
	}

	r := &runner{sim: sim, trace: tw, output: *output}
	if *watch {
		go func() {
			err := config.Watch(ctx, *configPath, config.DefaultDebounce, func(c *config.Config) {
				if err := sim.Update(c.Apply); err != nil {
					flowlines.Logger().Warn("rejected reloaded config", "err", err)
				}
			})
			if err != nil {
				log.Fatalf("Failed to watch config: %v", err)
			}
		}()
		err = r.watch(ctx)
	} else {
		err = r.run(ctx, cfg.Run.Ticks)
	}
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}

	if tw != nil {
		log.Printf("Trace: %s", tw.Summary())
	}
	if *dump {
		if err := dumpGeometry(sim); err != nil {
			log.Fatalf("Failed to read geometry: %v", err)
		}
	}
}

func openDevice(ctx context.Context, run config.RunConfig) (gpucore.Device, error) {
	switch run.Backend {
	case "gpu":
		return openGPU(ctx)
	default:
		return software.New(software.WithWorkers(run.Workers)), nil
	}
}

type runner struct {
	sim    *flowlines.Simulation
	trace  *trace.Writer
	output string
}

func (r *runner) tick(ctx context.Context) (flowlines.TickReport, error) {
	start := time.Now()
	rep, err := r.sim.Tick(ctx)
	if err != nil {
		return rep, err
	}
	if err := r.trace.Write(trace.NewRecord(rep, time.Since(start))); err != nil {
		return rep, err
	}
	return rep, nil
}

// run ticks n times, or until Finished when n is 0, then renders once.
func (r *runner) run(ctx context.Context, n int) error {
	limit := n
	if n == 0 {
		// Loading, Initializing and one tick per iteration, with slack for
		// skipped dispatches.
		limit = int(r.sim.Params().MaxIterations) + 16
	}
	for i := 0; i < limit; i++ {
		if _, err := r.tick(ctx); err != nil {
			return err
		}
		if n == 0 && r.sim.Stage() == flowlines.StageFinished {
			break
		}
	}
	if n == 0 && r.sim.Stage() != flowlines.StageFinished {
		return fmt.Errorf("not finished after %d ticks (stage %s)", limit, r.sim.Stage())
	}
	return r.render(ctx)
}

// watch ticks until ctx is done and writes a frame each time the
// simulation finishes.
func (r *runner) watch(ctx context.Context) error {
	t := time.NewTicker(frameInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		rep, err := r.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if rep.To == flowlines.StageFinished && rep.From != flowlines.StageFinished {
			if err := r.render(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *runner) render(ctx context.Context) error {
	rep, err := r.sim.Render(ctx)
	if err != nil {
		return err
	}
	img, err := r.sim.Frame()
	if err != nil {
		return err
	}
	f, err := os.Create(r.output)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	b := img.Bounds()
	log.Printf("Frame saved to %s (%dx%d, %d quads, iteration %d)", r.output, b.Dx(), b.Dy(), rep.Quads, r.sim.Iteration())
	return nil
}

func dumpGeometry(sim *flowlines.Simulation) error {
	g, err := sim.Geometry()
	if err != nil {
		return err
	}
	fmt.Printf("iteration: %d\nlines: %d\nvertex floats: %d\nindices: %d\n",
		g.Iteration, g.NumLines, len(g.Vertices), len(g.Indices))
	return nil
}
