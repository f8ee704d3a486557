package gpucore

import "testing"

func TestKernelString(t *testing.T) {
	tests := []struct {
		k    Kernel
		want string
	}{
		{KernelDiscretize, "discretize"},
		{KernelInit, "init"},
		{KernelUpdate, "update"},
		{KernelRender, "render"},
		{Kernel(42), "Kernel(42)"},
		{Kernel(-1), "Kernel(-1)"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kernel(%d).String() = %q, want %q", int(tt.k), got, tt.want)
		}
	}
}

func TestKernelStatusString(t *testing.T) {
	tests := []struct {
		s    KernelStatus
		want string
	}{
		{KernelPending, "pending"},
		{KernelReady, "ready"},
		{KernelFailed, "failed"},
		{KernelStatus(9), "KernelStatus(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBufferUsageHas(t *testing.T) {
	u := BufferUsageStorage | BufferUsageCopySrc
	if !u.Has(BufferUsageStorage) {
		t.Error("expected Storage")
	}
	if !u.Has(BufferUsageStorage | BufferUsageCopySrc) {
		t.Error("expected Storage|CopySrc")
	}
	if u.Has(BufferUsageVertex) {
		t.Error("unexpected Vertex")
	}
	if u.Has(BufferUsageStorage | BufferUsageVertex) {
		t.Error("Has must require every bit")
	}
}

func TestLayoutString(t *testing.T) {
	if LayoutCompute.String() != "compute" || LayoutRender.String() != "render" {
		t.Errorf("unexpected layout names %q %q", LayoutCompute, LayoutRender)
	}
}
