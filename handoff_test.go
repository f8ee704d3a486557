package flowlines

import (
	"testing"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/gpucore/recorder"
)

func TestDrawIndexCount(t *testing.T) {
	p := smallParams() // 100 lines, max 50
	tests := []struct {
		iteration uint32
		want      uint32
	}{
		{0, 0},
		{1, 0},
		{2, 6 * 100},
		{5, 6 * 100 * 4},
		{50, 6 * 100 * 49},
		{60, 6 * 100 * 49},
	}
	for _, tt := range tests {
		if got := DrawIndexCount(p, tt.iteration); got != tt.want {
			t.Errorf("DrawIndexCount(%d) = %d, want %d", tt.iteration, got, tt.want)
		}
	}
	if uint64(DrawIndexCount(p, 50))*4 != IndexBufferSize(p) {
		t.Error("final draw does not cover the whole index buffer")
	}
}

func TestWrittenVertexBytes(t *testing.T) {
	p := smallParams()
	if got, want := WrittenVertexBytes(p, 2), uint64(2*100*2*32); got != want {
		t.Errorf("WrittenVertexBytes(2) = %d, want %d", got, want)
	}
	if got := WrittenVertexBytes(p, 1000); got != VertexBufferSize(p) {
		t.Errorf("WrittenVertexBytes(1000) = %d, want %d", got, VertexBufferSize(p))
	}
}

func TestTargetSize(t *testing.T) {
	p := smallParams()
	p.ViewportWidth, p.ViewportHeight = 200.4, 0.2
	w, h := TargetSize(p)
	if w != 200 || h != 1 {
		t.Errorf("TargetSize = %dx%d, want 200x1", w, h)
	}
}

type handoffFixture struct {
	dev      *recorder.Device
	sizer    *Sizer
	bindings Bindings
	handoff  Handoff
}

func newHandoffFixture(t *testing.T, p Params) *handoffFixture {
	t.Helper()
	f := &handoffFixture{dev: recorder.New()}
	f.sizer = preparedSizer(t, f.dev, p)
	if err := f.bindings.Prepare(f.dev, f.sizer.Buffers()); err != nil {
		t.Fatal(err)
	}
	if err := f.handoff.Prepare(f.dev, f.sizer.Buffers(), p); err != nil {
		t.Fatalf("Handoff.Prepare: %v", err)
	}
	return f
}

func (f *handoffFixture) frame(t *testing.T, p Params, iteration uint32, ready bool) uint32 {
	t.Helper()
	f.dev.ClearCalls()
	set, _ := f.bindings.Render()
	enc, err := f.dev.BeginCommands("test")
	if err != nil {
		t.Fatal(err)
	}
	n := f.handoff.Encode(enc, f.sizer.Buffers(), set, p, iteration, ready)
	cb, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.dev.Submit(cb); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return n
}

func TestHandoffPrepareAllocatesRenderCopies(t *testing.T) {
	p := smallParams()
	f := newHandoffFixture(t, p)

	vb, ib := f.handoff.Buffers()
	size, usage, ok := f.dev.BufferInfo(vb)
	if !ok || size != VertexBufferSize(p) || usage != gpucore.BufferUsageVertex|gpucore.BufferUsageCopyDst {
		t.Errorf("render vertices = (%d, %v, %v)", size, usage, ok)
	}
	size, usage, ok = f.dev.BufferInfo(ib)
	if !ok || size != IndexBufferSize(p) || usage != gpucore.BufferUsageIndex|gpucore.BufferUsageCopyDst {
		t.Errorf("render indices = (%d, %v, %v)", size, usage, ok)
	}
	if f.handoff.Target() == gpucore.InvalidID {
		t.Error("no render target")
	}
	for _, id := range f.sizer.Buffers().IDs() {
		if id == vb || id == ib {
			t.Error("render copy aliases a compute buffer")
		}
	}
}

func TestHandoffEncodeCopiesPrefixAndDraws(t *testing.T) {
	p := smallParams()
	f := newHandoffFixture(t, p)
	bufs := f.sizer.Buffers()

	n := f.frame(t, p, 10, true)
	if want := DrawIndexCount(p, 10); n != want {
		t.Fatalf("Encode = %d, want %d", n, want)
	}
	copies := f.dev.CallsOf(recorder.OpCopy)
	if len(copies) != 2 {
		t.Fatalf("copies = %d, want 2", len(copies))
	}
	vb, ib := f.handoff.Buffers()
	if c := copies[0].Copy; c.Src != bufs.Vertices || c.Dst != vb || c.Size != WrittenVertexBytes(p, 10) {
		t.Errorf("vertex copy = %+v", c)
	}
	if c := copies[1].Copy; c.Src != bufs.Indices || c.Dst != ib || c.Size != uint64(n)*4 {
		t.Errorf("index copy = %+v", c)
	}

	draws := f.dev.CallsOf(recorder.OpDraw)
	if len(draws) != 1 {
		t.Fatalf("draws = %d, want 1", len(draws))
	}
	d := draws[0].Draw
	if d.IndexCount != n || d.Vertices != vb || d.Indices != ib || d.Target != f.handoff.Target() {
		t.Errorf("draw = %+v", d)
	}
	if d.Clear != p.Background {
		t.Errorf("clear = %v, want %v", d.Clear, p.Background)
	}
}

func TestHandoffClearOnlyWhenNotReady(t *testing.T) {
	p := smallParams()
	f := newHandoffFixture(t, p)

	for _, tt := range []struct {
		name      string
		iteration uint32
		ready     bool
	}{
		{"render kernel pending", 10, false},
		{"no geometry yet", 0, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if n := f.frame(t, p, tt.iteration, tt.ready); n != 0 {
				t.Errorf("Encode = %d, want 0", n)
			}
			if len(f.dev.CallsOf(recorder.OpCopy)) != 0 {
				t.Error("copies recorded for a clear-only frame")
			}
			if len(f.dev.CallsOf(recorder.OpDraw)) != 1 {
				t.Error("clear draw missing")
			}
		})
	}
}

func TestHandoffFollowsGenerationAndViewport(t *testing.T) {
	p := smallParams()
	f := newHandoffFixture(t, p)
	oldVB, _ := f.handoff.Buffers()
	oldTarget := f.handoff.Target()

	// Same generation and viewport: nothing changes.
	if err := f.handoff.Prepare(f.dev, f.sizer.Buffers(), p); err != nil {
		t.Fatal(err)
	}
	if vb, _ := f.handoff.Buffers(); vb != oldVB || f.handoff.Target() != oldTarget {
		t.Fatal("Prepare replaced resources without a change")
	}

	p.NumLines = 300
	if _, err := f.sizer.Ensure(f.dev, p); err != nil {
		t.Fatal(err)
	}
	if err := f.handoff.Prepare(f.dev, f.sizer.Buffers(), p); err != nil {
		t.Fatal(err)
	}
	if vb, _ := f.handoff.Buffers(); vb == oldVB {
		t.Error("render copies not replaced for new generation")
	}
	if f.handoff.Target() != oldTarget {
		t.Error("target replaced without a viewport change")
	}

	p.ViewportWidth = 640
	if err := f.handoff.Prepare(f.dev, f.sizer.Buffers(), p); err != nil {
		t.Fatal(err)
	}
	if f.handoff.Target() == oldTarget {
		t.Error("target not replaced after viewport change")
	}

	f.handoff.Close(f.dev)
	f.sizer.Invalidate(f.dev)
	if n := f.dev.LiveBuffers(); n != 0 {
		t.Errorf("LiveBuffers after Close = %d, want 0", n)
	}
}
