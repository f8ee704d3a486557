package trace

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/flowlines"
	"github.com/gogpu/flowlines/gpucore"
)

func TestNewRecord(t *testing.T) {
	r := flowlines.TickReport{
		Tick:        3,
		From:        flowlines.StageLoading,
		To:          flowlines.StageInitializing,
		Iteration:   2,
		Kernels:     []gpucore.Kernel{gpucore.KernelDiscretize, gpucore.KernelInit},
		Reallocated: true,
	}
	rec := NewRecord(r, 1500*time.Microsecond)
	if rec.Kernels != gpucore.KernelDiscretize.String()+"+"+gpucore.KernelInit.String() {
		t.Errorf("Kernels = %q", rec.Kernels)
	}
	if rec.From != flowlines.StageLoading.String() || rec.To != flowlines.StageInitializing.String() {
		t.Errorf("stages = %s -> %s", rec.From, rec.To)
	}
	if rec.DurationMS != 1.5 {
		t.Errorf("DurationMS = %v, want 1.5", rec.DurationMS)
	}
}

func TestWriterHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := range 3 {
		if err := w.Write(Record{Tick: uint64(i + 1), DurationMS: float64(i + 1)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header + 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "tick,from,to,iteration") {
		t.Errorf("header = %q", lines[0])
	}
	if strings.Count(buf.String(), "tick,") != 1 {
		t.Error("header written more than once")
	}

	s := w.Summary()
	if s.Ticks != 3 || s.MeanMS != 2 || s.MinMS != 1 || s.MaxMS != 3 {
		t.Errorf("Summary = %+v", s)
	}
}

func TestNilWriter(t *testing.T) {
	var w *Writer
	if err := w.Write(Record{}); err != nil {
		t.Errorf("nil Write = %v", err)
	}
	if s := w.Summary(); s.Ticks != 0 {
		t.Errorf("nil Summary = %+v", s)
	}
}
