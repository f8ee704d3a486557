package software_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"slices"
	"testing"

	"github.com/gogpu/flowlines"
	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/internal/field"
	"github.com/gogpu/flowlines/software"
)

func newDevice(t *testing.T) *software.Device {
	t.Helper()
	dev := software.New(software.WithWorkers(4))
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func testParams() flowlines.Params {
	p := flowlines.DefaultParams()
	p.NumLines = 40
	p.MaxIterations = 20
	p.ViewportWidth, p.ViewportHeight = 160, 90
	p.GridPointDistance = 8
	p.GridMargin = 8
	p.NoiseScale = 0.01
	p.LineWidth = 2
	return p
}

func TestBufferRoundTrip(t *testing.T) {
	dev := newDevice(t)
	id, err := dev.CreateBuffer(gpucore.BufferDesc{Label: "b", Size: 16, Usage: gpucore.BufferUsageStorage})
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteBuffer(id, 4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 8)
	if err := dev.ReadBuffer(id, 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0, 0, 1, 2, 3, 4}) {
		t.Errorf("ReadBuffer = %v", got)
	}
	if err := dev.WriteBuffer(id, 12, make([]byte, 8)); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("overflowing write = %v, want ErrOutOfRange", err)
	}
	dev.DestroyBuffer(id)
	if err := dev.ReadBuffer(id, 0, got); !errors.Is(err, gpucore.ErrUnknownID) {
		t.Errorf("read after destroy = %v, want ErrUnknownID", err)
	}
}

func TestCreateBufferRejectsUnalignedSize(t *testing.T) {
	dev := newDevice(t)
	for _, size := range []uint64{0, 6} {
		if _, err := dev.CreateBuffer(gpucore.BufferDesc{Label: "bad", Size: size}); err == nil {
			t.Errorf("CreateBuffer(size=%d) succeeded", size)
		}
	}
}

func TestKernelsAlwaysReady(t *testing.T) {
	dev := newDevice(t)
	for k := range gpucore.KernelCount {
		if s := dev.KernelStatus(k); s != gpucore.KernelReady {
			t.Errorf("KernelStatus(%v) = %v", k, s)
		}
	}
	if dev.KernelStatus(gpucore.KernelCount) != gpucore.KernelFailed {
		t.Error("out-of-range kernel should report failed")
	}
}

// computeFixture builds the compute buffers and binding set for p on dev.
func computeFixture(t *testing.T, dev *software.Device, p flowlines.Params) (*flowlines.Buffers, gpucore.BindingSetID) {
	t.Helper()
	var s flowlines.Sizer
	if _, err := s.Ensure(dev, p); err != nil {
		t.Fatal(err)
	}
	bufs := s.Buffers()
	set, err := dev.CreateBindingSet(gpucore.LayoutCompute, flowlines.ComputeBindings(bufs))
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteBuffer(bufs.Params, 0, p.Uniforms().Encode()); err != nil {
		t.Fatal(err)
	}
	return bufs, set
}

func dispatch(t *testing.T, dev *software.Device, k gpucore.Kernel, set gpucore.BindingSetID, p flowlines.Params) {
	t.Helper()
	enc, err := dev.BeginCommands("test")
	if err != nil {
		t.Fatal(err)
	}
	wg := flowlines.Workgroups(k, p)
	enc.Dispatch(k, set, wg[0], wg[1], wg[2])
	cb, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Submit(cb); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestDiscretizeIsIdempotent(t *testing.T) {
	dev := newDevice(t)
	p := testParams()
	bufs, set := computeFixture(t, dev, p)

	read := func() []byte {
		raw := make([]byte, bufs.GridBytes)
		if err := dev.ReadBuffer(bufs.Grid, 0, raw); err != nil {
			t.Fatal(err)
		}
		return raw
	}

	dispatch(t, dev, gpucore.KernelDiscretize, set, p)
	first := read()
	dispatch(t, dev, gpucore.KernelDiscretize, set, p)
	if !bytes.Equal(first, read()) {
		t.Error("second Discretize changed the grid")
	}
	if bytes.Equal(first, make([]byte, len(first))) {
		t.Error("Discretize wrote nothing")
	}
}

func TestDispatchValidatesBindingSet(t *testing.T) {
	dev := newDevice(t)
	p := testParams()
	bufs, _ := computeFixture(t, dev, p)
	render, err := dev.CreateBindingSet(gpucore.LayoutRender, flowlines.RenderBindings(bufs))
	if err != nil {
		t.Fatal(err)
	}

	for _, set := range []gpucore.BindingSetID{render, 9999} {
		enc, _ := dev.BeginCommands("bad")
		enc.Dispatch(gpucore.KernelInit, set, 1, 1, 1)
		cb, _ := enc.Finish()
		if err := dev.Submit(cb); err == nil {
			t.Errorf("dispatch with set %d succeeded", set)
		}
	}
}

// TestSimulationMatchesFieldKernels runs a simulation on the device and
// compares its geometry with the CPU kernels run directly.
func TestSimulationMatchesFieldKernels(t *testing.T) {
	dev := newDevice(t)
	p := testParams()
	sim, err := flowlines.New(dev, p)
	if err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	ctx := context.Background()
	for sim.Stage() != flowlines.StageFinished {
		if _, err := sim.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	got, err := sim.Geometry()
	if err != nil {
		t.Fatal(err)
	}

	u := p.Uniforms()
	f := field.New(u)
	gw, gh := p.GridSize()
	grid := make([]float32, gw*gh)
	verts := make([]float32, flowlines.VertexBufferSize(p)/4)
	indices := make([]uint32, flowlines.IndexBufferSize(p)/4)
	f.Discretize(grid)
	f.Init(grid, verts, indices)
	for it := uint32(3); it <= p.MaxIterations; it++ {
		f.Update(it, grid, verts, indices)
	}

	wantVerts := verts[:flowlines.WrittenVertexBytes(p, p.MaxIterations)/4]
	if !slices.Equal(got.Vertices, wantVerts) {
		t.Error("vertices differ from the field kernels")
	}
	if !slices.Equal(got.Indices, indices) {
		t.Error("indices differ from the field kernels")
	}
}

func TestSingleLineGeometry(t *testing.T) {
	dev := newDevice(t)
	p := testParams()
	p.NumLines, p.MaxIterations = 1, 2
	sim, err := flowlines.New(dev, p)
	if err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	ctx := context.Background()
	for range 2 {
		if _, err := sim.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	g, err := sim.Geometry()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(g.Indices, []uint32{0, 1, 2, 1, 3, 2}) {
		t.Errorf("indices = %v, want one quad over vertices 0..3", g.Indices)
	}
	if len(g.Vertices) != 4*field.FloatsPerVertex {
		t.Fatalf("vertices = %d floats, want %d", len(g.Vertices), 4*field.FloatsPerVertex)
	}
	// Side markers alternate +1, -1.
	for v := range 4 {
		want := float32(1 - 2*(v%2))
		if side := g.Vertices[v*field.FloatsPerVertex+3]; side != want {
			t.Errorf("vertex %d side = %v, want %v", v, side, want)
		}
	}
}

func TestRenderDrawsLines(t *testing.T) {
	dev := newDevice(t)
	p := testParams()
	p.Background = gpucore.Color{A: 1}
	p.ColorA = gpucore.Color{R: 1, G: 1, B: 1, A: 1}
	p.ColorB = p.ColorA
	sim, err := flowlines.New(dev, p)
	if err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	ctx := context.Background()
	if _, err := sim.Render(ctx); err != nil {
		t.Fatal(err)
	}
	img, err := sim.Frame()
	if err != nil {
		t.Fatal(err)
	}
	if lit := countLit(img.Pix); lit != 0 {
		t.Errorf("%d lit pixels before any geometry", lit)
	}

	for sim.Stage() != flowlines.StageFinished {
		if _, err := sim.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	rr, err := sim.Render(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rr.Quads != p.NumLines*(p.MaxIterations-1) {
		t.Errorf("Quads = %d", rr.Quads)
	}
	img, err = sim.Frame()
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 90 {
		t.Errorf("frame size = %v, want 160x90", b)
	}
	if countLit(img.Pix) == 0 {
		t.Error("no line pixels in the frame")
	}
	if c := img.RGBAAt(0, 0); c.A != 255 {
		t.Errorf("frame alpha = %v, want opaque", c)
	}
}

func countLit(pix []byte) int {
	lit := 0
	for i := 0; i < len(pix); i += 4 {
		if pix[i] > 8 {
			lit++
		}
	}
	return lit
}

func TestClearColor(t *testing.T) {
	dev := newDevice(t)
	target, err := dev.CreateRenderTarget(8, 4, flowlines.SampleCount)
	if err != nil {
		t.Fatal(err)
	}
	enc, _ := dev.BeginCommands("clear")
	enc.Draw(gpucore.DrawCommand{Target: target, Clear: gpucore.Color{R: 1, G: 0, B: 0, A: 1}})
	cb, _ := enc.Finish()
	if err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	img, err := dev.ReadRenderTarget(target)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(7, 3); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("pixel = %v, want red", got)
	}
}

func TestClosedDevice(t *testing.T) {
	dev := software.New()
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.CreateBuffer(gpucore.BufferDesc{Size: 4}); !errors.Is(err, gpucore.ErrDeviceClosed) {
		t.Errorf("CreateBuffer after Close = %v", err)
	}
	if _, err := dev.BeginCommands("x"); !errors.Is(err, gpucore.ErrDeviceClosed) {
		t.Errorf("BeginCommands after Close = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
