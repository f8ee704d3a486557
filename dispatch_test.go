package flowlines

import (
	"errors"
	"testing"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/gpucore/recorder"
	"github.com/gogpu/flowlines/internal/field"
)

func TestWorkgroupCount(t *testing.T) {
	tests := []struct{ n, wg, want uint32 }{
		{0, 64, 0},
		{1, 64, 1},
		{64, 64, 1},
		{65, 64, 2},
		{1000, 64, 16},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := WorkgroupCount(tt.n, tt.wg); got != tt.want {
			t.Errorf("WorkgroupCount(%d, %d) = %d, want %d", tt.n, tt.wg, got, tt.want)
		}
	}
}

func TestWorkgroups(t *testing.T) {
	p := smallParams() // 22x12 grid, 100 lines
	tests := []struct {
		k    gpucore.Kernel
		want [3]uint32
	}{
		{gpucore.KernelDiscretize, [3]uint32{3, 2, 1}},
		{gpucore.KernelInit, [3]uint32{2, 1, 1}},
		{gpucore.KernelUpdate, [3]uint32{2, 1, 1}},
		{gpucore.KernelRender, [3]uint32{}},
	}
	for _, tt := range tests {
		if got := Workgroups(tt.k, p); got != tt.want {
			t.Errorf("Workgroups(%v) = %v, want %v", tt.k, got, tt.want)
		}
	}
}

type dispatchFixture struct {
	dev   *recorder.Device
	sizer *Sizer
	set   BindingSet
}

func newDispatchFixture(t *testing.T, p Params) *dispatchFixture {
	t.Helper()
	dev := recorder.New()
	s := preparedSizer(t, dev, p)
	var b Bindings
	if err := b.Prepare(dev, s.Buffers()); err != nil {
		t.Fatal(err)
	}
	set, _ := b.Compute()
	dev.ClearCalls()
	return &dispatchFixture{dev: dev, sizer: s, set: set}
}

func TestDispatchRecordsKernelsInOrder(t *testing.T) {
	p := smallParams()
	f := newDispatchFixture(t, p)
	var d Dispatcher

	kernels := []gpucore.Kernel{gpucore.KernelDiscretize, gpucore.KernelInit}
	if err := d.Dispatch(f.dev, f.set, f.sizer.Buffers(), kernels, p, InitIteration); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	calls := f.dev.CallsOf(recorder.OpDispatch)
	if len(calls) != 2 {
		t.Fatalf("dispatch calls = %d, want 2", len(calls))
	}
	for i, c := range calls {
		if c.Kernel != kernels[i] {
			t.Errorf("dispatch %d = %v, want %v", i, c.Kernel, kernels[i])
		}
		if c.Set != f.set.ID {
			t.Errorf("dispatch %d set = %d, want %d", i, c.Set, f.set.ID)
		}
		if c.Groups != Workgroups(kernels[i], p) {
			t.Errorf("dispatch %d groups = %v", i, c.Groups)
		}
	}
	if f.dev.Submits() != 1 {
		t.Errorf("Submits = %d, want 1", f.dev.Submits())
	}
	if d.Dispatches() != 2 {
		t.Errorf("Dispatches = %d, want 2", d.Dispatches())
	}
}

func TestDispatchWritesUniforms(t *testing.T) {
	p := smallParams()
	f := newDispatchFixture(t, p)
	var d Dispatcher
	bufs := f.sizer.Buffers()

	if err := d.Dispatch(f.dev, f.set, bufs, []gpucore.Kernel{gpucore.KernelUpdate}, p, 7); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, field.IterationUniformSize)
	if err := f.dev.ReadBuffer(bufs.Iteration, 0, raw); err != nil {
		t.Fatal(err)
	}
	if got := field.DecodeIteration(raw); got != 7 {
		t.Errorf("iteration uniform = %d, want 7", got)
	}

	raw = make([]byte, field.UniformSize)
	if err := f.dev.ReadBuffer(bufs.Params, 0, raw); err != nil {
		t.Fatal(err)
	}
	u, err := field.DecodeUniforms(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u != p.Uniforms() {
		t.Errorf("params uniform = %+v, want %+v", u, p.Uniforms())
	}
}

func TestDispatchWithoutBindingSet(t *testing.T) {
	p := smallParams()
	f := newDispatchFixture(t, p)
	var d Dispatcher
	kernels := []gpucore.Kernel{gpucore.KernelInit}

	tests := []struct {
		name string
		set  BindingSet
	}{
		{"missing", BindingSet{}},
		{"stale generation", BindingSet{ID: f.set.ID, Layout: f.set.Layout, Generation: f.set.Generation + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Dispatch(f.dev, tt.set, f.sizer.Buffers(), kernels, p, InitIteration)
			if !errors.Is(err, errNoBindingSet) {
				t.Fatalf("Dispatch = %v, want errNoBindingSet", err)
			}
			if n := len(f.dev.Calls()); n != 0 {
				t.Errorf("device saw %d calls", n)
			}
		})
	}
}

func TestDispatchSubmitFailure(t *testing.T) {
	p := smallParams()
	f := newDispatchFixture(t, p)
	var d Dispatcher

	f.dev.FailNextSubmits(1)
	err := d.Dispatch(f.dev, f.set, f.sizer.Buffers(), []gpucore.Kernel{gpucore.KernelInit}, p, InitIteration)
	if !errors.Is(err, recorder.ErrInjected) {
		t.Fatalf("Dispatch = %v, want ErrInjected", err)
	}
	if d.Dispatches() != 0 {
		t.Errorf("Dispatches = %d after failed submit", d.Dispatches())
	}
}

func TestDispatchNoKernels(t *testing.T) {
	p := smallParams()
	f := newDispatchFixture(t, p)
	var d Dispatcher
	if err := d.Dispatch(f.dev, f.set, f.sizer.Buffers(), nil, p, 5); err != nil {
		t.Fatal(err)
	}
	if f.dev.Submits() != 0 {
		t.Error("empty dispatch submitted")
	}
}
