//go:build !nogpu

package main

import (
	"context"
	"fmt"

	"github.com/gogpu/flowlines/gpu"
	"github.com/gogpu/flowlines/gpucore"
)

func openGPU(ctx context.Context) (gpucore.Device, error) {
	dev, err := gpu.NewDevice()
	if err != nil {
		return nil, err
	}
	if err := gpu.WaitReady(ctx, dev); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("compiling kernels: %w", err)
	}
	return dev, nil
}
