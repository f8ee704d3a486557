package flowlines

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/flowlines/gpucore"
	"github.com/gogpu/flowlines/gpucore/recorder"
)

func preparedSizer(t *testing.T, dev gpucore.Device, p Params) *Sizer {
	t.Helper()
	s := &Sizer{}
	if _, err := s.Ensure(dev, p); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return s
}

func TestBindingsPrepare(t *testing.T) {
	dev := recorder.New()
	s := preparedSizer(t, dev, smallParams())
	var b Bindings

	if err := b.Prepare(dev, s.Buffers()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	compute, ok := b.Compute()
	if !ok {
		t.Fatal("compute set missing")
	}
	layout, entries, ok := dev.BindingSetInfo(compute.ID)
	if !ok || layout != gpucore.LayoutCompute {
		t.Fatalf("compute set info = %v, %v", layout, ok)
	}
	var ids []gpucore.BufferID
	for i, e := range entries {
		if e.Slot != uint32(i) {
			t.Errorf("entry %d slot = %d", i, e.Slot)
		}
		ids = append(ids, e.Buffer)
	}
	if !slices.Equal(ids, s.Buffers().IDs()) {
		t.Errorf("compute buffers = %v, want %v", ids, s.Buffers().IDs())
	}

	render, ok := b.Render()
	if !ok {
		t.Fatal("render set missing")
	}
	_, entries, _ = dev.BindingSetInfo(render.ID)
	if len(entries) != 1 || entries[0].Buffer != s.Buffers().Params {
		t.Errorf("render entries = %v", entries)
	}

	if err := b.Prepare(dev, s.Buffers()); err != nil {
		t.Fatal(err)
	}
	if n := len(dev.CallsOf(recorder.OpCreateBindingSet)); n != 2 {
		t.Errorf("CreateBindingSet calls = %d, want 2", n)
	}
}

func TestBindingsRebuildOnNewGeneration(t *testing.T) {
	dev := recorder.New()
	p := smallParams()
	s := preparedSizer(t, dev, p)
	var b Bindings
	if err := b.Prepare(dev, s.Buffers()); err != nil {
		t.Fatal(err)
	}
	old, _ := b.Compute()

	p.MaxIterations = 80
	if _, err := s.Ensure(dev, p); err != nil {
		t.Fatal(err)
	}
	if err := b.Prepare(dev, s.Buffers()); err != nil {
		t.Fatal(err)
	}
	cur, _ := b.Compute()
	if cur.ID == old.ID || cur.Generation != 2 {
		t.Errorf("compute set = %+v, want rebuilt for generation 2", cur)
	}
	if n := dev.LiveBindingSets(); n != 2 {
		t.Errorf("LiveBindingSets = %d, want 2", n)
	}
}

func TestBindingsFailureLeavesSetMissing(t *testing.T) {
	dev := recorder.New()
	s := preparedSizer(t, dev, smallParams())
	var b Bindings

	dev.FailNextBindingSets(1)
	err := b.Prepare(dev, s.Buffers())
	if !errors.Is(err, recorder.ErrInjected) {
		t.Fatalf("Prepare error = %v, want ErrInjected", err)
	}
	if _, ok := b.Compute(); ok {
		t.Error("compute set present after failure")
	}
	if _, ok := b.Render(); !ok {
		t.Error("render set should still be built")
	}

	if err := b.Prepare(dev, s.Buffers()); err != nil {
		t.Fatalf("retry Prepare: %v", err)
	}
	if _, ok := b.Compute(); !ok {
		t.Error("compute set missing after retry")
	}
}

func TestBindingsPrepareNilInvalidates(t *testing.T) {
	dev := recorder.New()
	s := preparedSizer(t, dev, smallParams())
	var b Bindings
	if err := b.Prepare(dev, s.Buffers()); err != nil {
		t.Fatal(err)
	}
	if err := b.Prepare(dev, nil); err != nil {
		t.Fatal(err)
	}
	if dev.LiveBindingSets() != 0 {
		t.Errorf("LiveBindingSets = %d, want 0", dev.LiveBindingSets())
	}
}
