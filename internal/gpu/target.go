// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package gpu

import (
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/flowlines/gpucore"
)

// copyPitchAlignment is the BytesPerRow alignment of texture copies.
const copyPitchAlignment = 256

// target is an offscreen render target: an MSAA color texture and the
// single-sample texture it resolves to.
//
//   - MSAA color: sampleCount samples, BGRA8Unorm, RenderAttachment
//   - Resolve: 1x sample, BGRA8Unorm, RenderAttachment | CopySrc
type target struct {
	msaaTex     hal.Texture
	msaaView    hal.TextureView
	resolveTex  hal.Texture
	resolveView hal.TextureView
	width       uint32
	height      uint32
}

func createTarget(device hal.Device, w, h uint32, labelPrefix string) (*target, error) {
	t := &target{}
	size := hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}

	msaaTex, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         labelPrefix + "_msaa_color",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   sampleCount,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatBGRA8Unorm,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return nil, fmt.Errorf("create MSAA color texture: %w", err)
	}
	t.msaaTex = msaaTex

	msaaView, err := device.CreateTextureView(msaaTex, &hal.TextureViewDescriptor{
		Label: labelPrefix + "_msaa_color_view",
	})
	if err != nil {
		t.destroy(device)
		return nil, fmt.Errorf("create MSAA color view: %w", err)
	}
	t.msaaView = msaaView

	// Single-sample resolve target (CopySrc for readback).
	resolveTex, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         labelPrefix + "_resolve",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatBGRA8Unorm,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		t.destroy(device)
		return nil, fmt.Errorf("create resolve texture: %w", err)
	}
	t.resolveTex = resolveTex

	resolveView, err := device.CreateTextureView(resolveTex, &hal.TextureViewDescriptor{
		Label: labelPrefix + "_resolve_view",
	})
	if err != nil {
		t.destroy(device)
		return nil, fmt.Errorf("create resolve view: %w", err)
	}
	t.resolveView = resolveView

	t.width = w
	t.height = h
	return t, nil
}

func (t *target) destroy(device hal.Device) {
	if t.resolveView != nil {
		device.DestroyTextureView(t.resolveView)
		t.resolveView = nil
	}
	if t.resolveTex != nil {
		device.DestroyTexture(t.resolveTex)
		t.resolveTex = nil
	}
	if t.msaaView != nil {
		device.DestroyTextureView(t.msaaView)
		t.msaaView = nil
	}
	if t.msaaTex != nil {
		device.DestroyTexture(t.msaaTex)
		t.msaaTex = nil
	}
	t.width = 0
	t.height = 0
}

// alignedBytesPerRow returns the padded row pitch of a w pixel wide copy.
func alignedBytesPerRow(w uint32) uint32 {
	return (w*4 + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
}

// CreateRenderTarget implements gpucore.Device. samples must equal the
// sample count of the render pipeline.
func (d *Device) CreateRenderTarget(width, height, samples uint32) (gpucore.TargetID, error) {
	if width == 0 || height == 0 {
		return gpucore.InvalidID, fmt.Errorf("gpu: render target %dx%d: empty size", width, height)
	}
	if samples != sampleCount {
		return gpucore.InvalidID, fmt.Errorf("gpu: render target: %d samples unsupported, want %d", samples, sampleCount)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	t, err := createTarget(d.device, width, height, "flowlines_target")
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("gpu: %w", err)
	}
	id := gpucore.TargetID(d.newID())
	d.targets[id] = t
	slogger().Debug("gpu: render target created", "width", width, "height", height)
	return id, nil
}

// DestroyRenderTarget implements gpucore.Device.
func (d *Device) DestroyRenderTarget(id gpucore.TargetID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.targets[id]; ok {
		t.destroy(d.device)
		delete(d.targets, id)
	}
}

// ReadRenderTarget copies the resolve texture to a staging buffer and
// returns it as RGBA.
func (d *Device) ReadRenderTarget(id gpucore.TargetID) (*image.RGBA, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}
	t, ok := d.targets[id]
	if !ok {
		return nil, fmt.Errorf("gpu: read target %d: %w", id, gpucore.ErrUnknownID)
	}
	w, h := t.width, t.height
	pitch := alignedBytesPerRow(w)
	stagingSize := uint64(pitch) * uint64(h)

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "flowlines_target_staging",
		Size:  stagingSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	err = d.encodeAndWait("target_readback", func(enc hal.CommandEncoder) error {
		// After the resolve the texture is a render attachment; copies need
		// CopySrc. The barrier is a no-op on backends without layouts.
		enc.TransitionTextures([]hal.TextureBarrier{{
			Texture: t.resolveTex,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageRenderAttachment,
				NewUsage: gputypes.TextureUsageCopySrc,
			},
		}})
		enc.CopyTextureToBuffer(t.resolveTex, staging, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: pitch, RowsPerImage: h},
			TextureBase:  hal.ImageCopyTexture{Texture: t.resolveTex, MipLevel: 0},
			Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		}})
		enc.TransitionTextures([]hal.TextureBarrier{{
			Texture: t.resolveTex,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageCopySrc,
				NewUsage: gputypes.TextureUsageRenderAttachment,
			},
		}})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: read target: %w", err)
	}

	readback := make([]byte, stagingSize)
	if err := d.queue.ReadBuffer(staging, 0, readback); err != nil {
		return nil, fmt.Errorf("gpu: read target: readback: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	unpackBGRA(readback, pitch, img)
	return img, nil
}

// unpackBGRA strips the row padding of src and converts BGRA to RGBA.
func unpackBGRA(src []byte, pitch uint32, dst *image.RGBA) {
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	for y := range h {
		row := src[y*int(pitch):]
		out := dst.Pix[y*dst.Stride:]
		for x := range w {
			i := x * 4
			out[i+0] = row[i+2]
			out[i+1] = row[i+1]
			out[i+2] = row[i+0]
			out[i+3] = row[i+3]
		}
	}
}
