//go:build nogpu

package main

import (
	"context"
	"errors"

	"github.com/gogpu/flowlines/gpucore"
)

func openGPU(context.Context) (gpucore.Device, error) {
	return nil, errors.New("built with -tags nogpu")
}
