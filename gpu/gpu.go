// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// Package gpu provides the hardware device for flowlines simulations.
//
// The device runs the Discretize, Init and Update kernels as WGSL compute
// shaders and draws the ribbons with a 4x MSAA render pipeline on a
// wgpu/hal device. Shaders compile in the background, so a simulation on a
// fresh device spends its first ticks in the Loading stage.
//
// Usage:
//
//	dev, err := gpu.NewDevice()
//	if err != nil {
//	    // no Vulkan adapter: fall back to software.New()
//	}
//	defer dev.Close()
//	sim, err := flowlines.New(dev, flowlines.DefaultParams())
//
// Build with -tags nogpu to exclude this package and its HAL dependencies.
package gpu

import (
	"context"
	"fmt"

	"github.com/gogpu/gpucontext"

	gpuimpl "github.com/gogpu/flowlines/internal/gpu"
)

// Device is a flowlines device backed by a GPU. It implements
// gpucore.Device.
type Device = gpuimpl.Device

// ErrNoAdapter is returned by NewDevice when no GPU adapter is available.
var ErrNoAdapter = gpuimpl.ErrNoAdapter

// NewDevice opens a standalone device on the best available Vulkan
// adapter. Close destroys it.
func NewDevice() (*Device, error) {
	return gpuimpl.Open()
}

// NewDeviceFromProvider creates a device on the GPU device of an external
// provider (e.g., gogpu). This avoids creating a separate GPU instance.
//
// The provider should be a gpucontext.DeviceProvider that also implements
// HalDevice() any and HalQueue() any for direct HAL access. Close leaves
// the provider's device alive.
func NewDeviceFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	if provider == nil {
		return nil, fmt.Errorf("gpu: nil device provider")
	}
	return gpuimpl.OpenShared(provider)
}

// WaitReady blocks until the shaders of dev have compiled or ctx is done.
func WaitReady(ctx context.Context, dev *Device) error {
	return dev.WaitKernels(ctx)
}
