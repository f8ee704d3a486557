package flowlines

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/gogpu/flowlines/gpucore"
)

// Simulation is the explicit context of one flow-line run: parameters,
// stage machine, buffers, binding sets and the render handoff. It is
// driven by calling Tick and then Render once per frame.
//
// Tick, Render, Frame and Geometry are meant for a single frame goroutine.
// Update, Resize, Reset and SetPaused may be called from any goroutine;
// their edits are applied at the start of the next tick. All methods are
// safe for concurrent use.
type Simulation struct {
	mu sync.Mutex

	dev     gpucore.Device
	params  Params
	pending *Params
	// resetRequested records an explicit reset request in pending, as
	// opposed to one implied by a changed parameter.
	resetRequested bool

	stage     Stage
	iteration uint32
	ticks     uint64

	sizer      Sizer
	bindings   Bindings
	dispatcher Dispatcher
	handoff    Handoff

	closed bool
}

// TickReport describes what one tick did.
type TickReport struct {
	Tick      uint64
	From      Stage
	To        Stage
	Iteration uint32
	Kernels   []gpucore.Kernel

	// Reset is true when the tick observed the reset flag.
	Reset bool
	// Reallocated is true when the tick created a new buffer generation.
	Reallocated bool
	// Skipped is true when the dispatch was skipped because a binding set
	// was missing; the same transition is retried next tick.
	Skipped bool
}

// RenderReport describes one rendered frame.
type RenderReport struct {
	Indices uint32
	Quads   uint32
}

// Geometry is a host copy of the written geometry prefix.
type Geometry struct {
	Iteration uint32
	NumLines  uint32
	Vertices  []float32
	Indices   []uint32
}

// New creates a simulation in the Loading stage. Buffers are allocated
// lazily on the first tick. The device stays owned by the caller.
func New(dev gpucore.Device, p Params) (*Simulation, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	propagateLogger(dev)
	p.ShouldReset = false
	return &Simulation{dev: dev, params: p, stage: StageLoading}, nil
}

// Update edits the parameters through fn. The edited copy is validated;
// on failure nothing is queued and the *ValidationError is returned.
// A change to any sizing or field shape parameter, relative to the applied
// parameters, sets ShouldReset; reverting it in a later queued edit clears
// it again unless a reset was requested explicitly.
func (s *Simulation) Update(fn func(*Params)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := s.params
	if s.pending != nil {
		next = *s.pending
	}
	next.ShouldReset = s.params.ShouldReset || s.resetRequested
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	explicit := next.ShouldReset
	next.ShouldReset = explicit || next.NeedsReset(s.params)
	s.pending, s.resetRequested = &next, explicit
	return nil
}

// Resize updates the viewport and forces a reset on the next tick.
func (s *Simulation) Resize(width, height float32) error {
	return s.Update(func(p *Params) {
		p.ViewportWidth, p.ViewportHeight = width, height
		p.ShouldReset = true
	})
}

// Reset requests a reset on the next tick.
func (s *Simulation) Reset() error {
	return s.Update(func(p *Params) { p.ShouldReset = true })
}

// SetPaused pauses or resumes the stage machine.
func (s *Simulation) SetPaused(paused bool) error {
	return s.Update(func(p *Params) { p.Paused = paused })
}

// Tick advances the stage machine by at most one transition.
//
// Order of work: pending edits are applied, the reset flag is observed,
// buffers and binding sets are prepared, the kernels of the transition are
// dispatched, and only after a successful submit is the new stage
// committed. A failed dispatch returns the error and leaves the stage
// unchanged so the next tick retries the same transition.
func (s *Simulation) Tick(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TickReport{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return TickReport{}, err
	}

	s.ticks++
	if s.pending != nil {
		s.params, s.pending, s.resetRequested = *s.pending, nil, false
	}
	report := TickReport{Tick: s.ticks, From: s.stage, To: s.stage, Iteration: s.iteration}

	ready := false
	if s.stage == StageLoading && !s.params.ShouldReset {
		var err error
		if ready, err = s.kernelsReady(); err != nil {
			return report, err
		}
	}

	pl := planTick(s.stage, s.params, s.iteration, ready)
	if pl.reset {
		s.bindings.Invalidate(s.dev)
		s.sizer.Invalidate(s.dev)
		s.handoff.Invalidate(s.dev)
		s.params.ShouldReset = false
		s.stage, s.iteration = StageLoading, 0
		report.Reset = true
		report.To, report.Iteration = StageLoading, 0
		Logger().Info("flowlines: reset", "from", pl.from.String(), "tick", s.ticks)
	}

	changed, err := s.sizer.Ensure(s.dev, s.params)
	if err != nil {
		return report, err
	}
	report.Reallocated = changed
	if err := s.bindings.Prepare(s.dev, s.sizer.Buffers()); err != nil {
		Logger().Warn("flowlines: binding set rebuild failed", "err", err)
	}

	if pl.reset || !pl.advancing {
		return report, nil
	}

	set, _ := s.bindings.Compute()
	err = s.dispatcher.Dispatch(s.dev, set, s.sizer.Buffers(), pl.kernels, s.params, pl.iteration)
	if errors.Is(err, errNoBindingSet) {
		report.Skipped = true
		Logger().Debug("flowlines: dispatch skipped, no binding set", "stage", s.stage.String())
		return report, nil
	}
	if err != nil {
		return report, err
	}

	if pl.from == StageLoading && pl.to == StageInitializing {
		Logger().Info("flowlines: kernels ready, initializing", "lines", s.params.NumLines)
	}
	s.stage, s.iteration = pl.to, pl.iteration
	report.To, report.Iteration, report.Kernels = pl.to, pl.iteration, pl.kernels
	Logger().Debug("flowlines: tick",
		"tick", s.ticks,
		"from", pl.from.String(),
		"to", pl.to.String(),
		"iteration", pl.iteration)
	return report, nil
}

// kernelsReady polls the kernels needed to leave Loading. A failed kernel
// is reported as ErrKernelFailed.
func (s *Simulation) kernelsReady() (bool, error) {
	ready := true
	for _, k := range RequiredKernels(s.params.UseGrid) {
		switch s.dev.KernelStatus(k) {
		case gpucore.KernelFailed:
			return false, fmt.Errorf("%w: %s", ErrKernelFailed, k)
		case gpucore.KernelPending:
			ready = false
		}
	}
	return ready, nil
}

// Render copies the geometry written so far into the render-owned buffers
// and draws it into the multisampled target. Before the render kernel is
// ready the frame is only cleared to the background.
func (s *Simulation) Render(ctx context.Context) (RenderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return RenderReport{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return RenderReport{}, err
	}

	bufs := s.sizer.Buffers()
	if err := s.handoff.Prepare(s.dev, bufs, s.params); err != nil {
		return RenderReport{}, err
	}
	if bufs != nil {
		if err := s.dev.WriteBuffer(bufs.Params, 0, s.params.Uniforms().Encode()); err != nil {
			return RenderReport{}, fmt.Errorf("flowlines: upload params: %w", err)
		}
	}

	set, ok := s.bindings.Render()
	ready := ok && s.dev.KernelStatus(gpucore.KernelRender) == gpucore.KernelReady

	enc, err := s.dev.BeginCommands("flowlines_render")
	if err != nil {
		return RenderReport{}, fmt.Errorf("flowlines: begin render commands: %w", err)
	}
	n := s.handoff.Encode(enc, bufs, set, s.params, s.iteration, ready)
	cb, err := enc.Finish()
	if err != nil {
		enc.Discard()
		return RenderReport{}, fmt.Errorf("flowlines: finish render commands: %w", err)
	}
	if err := s.dev.Submit(cb); err != nil {
		return RenderReport{}, fmt.Errorf("flowlines: submit render: %w", err)
	}
	return RenderReport{Indices: n, Quads: n / 6}, nil
}

// Frame reads back the resolved image of the last Render.
func (s *Simulation) Frame() (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.handoff.Target() == gpucore.InvalidID {
		return nil, errors.New("flowlines: no frame rendered yet")
	}
	return s.dev.ReadRenderTarget(s.handoff.Target())
}

// Geometry reads back the written vertex and index prefix from the
// compute buffers.
func (s *Simulation) Geometry() (Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Geometry{}, ErrClosed
	}
	g := Geometry{Iteration: s.iteration, NumLines: s.params.NumLines}
	bufs := s.sizer.Buffers()
	if bufs == nil || s.iteration == 0 {
		return g, nil
	}

	raw := make([]byte, min(WrittenVertexBytes(s.params, s.iteration), bufs.VertexBytes))
	if err := s.dev.ReadBuffer(bufs.Vertices, 0, raw); err != nil {
		return g, fmt.Errorf("flowlines: read vertices: %w", err)
	}
	g.Vertices = make([]float32, len(raw)/4)
	for i := range g.Vertices {
		g.Vertices[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	raw = make([]byte, uint64(DrawIndexCount(s.params, s.iteration))*4)
	if len(raw) > 0 {
		if err := s.dev.ReadBuffer(bufs.Indices, 0, raw); err != nil {
			return g, fmt.Errorf("flowlines: read indices: %w", err)
		}
	}
	g.Indices = make([]uint32, len(raw)/4)
	for i := range g.Indices {
		g.Indices[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return g, nil
}

// Stage returns the current stage.
func (s *Simulation) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Iteration returns the current iteration counter.
func (s *Simulation) Iteration() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Params returns the parameters applied on the last tick.
func (s *Simulation) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Buffers returns a copy of the current buffer generation, or nil.
func (s *Simulation) Buffers() *Buffers {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.sizer.Buffers(); b != nil {
		cp := *b
		return &cp
	}
	return nil
}

// Dispatches returns the number of kernel dispatches submitted so far.
func (s *Simulation) Dispatches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher.Dispatches()
}

// Close releases every resource the simulation created. The device is
// not closed.
func (s *Simulation) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.handoff.Close(s.dev)
	s.bindings.Invalidate(s.dev)
	s.sizer.Invalidate(s.dev)
	s.closed = true
	return nil
}
