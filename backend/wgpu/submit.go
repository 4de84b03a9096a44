// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gputask/gpucore"
)

// copyPitchAlignment is the BytesPerRow alignment of texture copies.
const copyPitchAlignment = 256

// Submit encodes cmds into one command buffer and submits it.
//
// The device lock is held while encoding because image layout state is
// tracked per texture and must follow queue order.
func (d *Device) Submit(cmds []gpucore.Command) (gpucore.Fence, error) {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "gputask_sequence"})
	if err != nil {
		return nil, fmt.Errorf("%w: create command encoder: %w", gpucore.ErrDeviceLost, err)
	}
	if err := encoder.BeginEncoding("gputask_sequence"); err != nil {
		return nil, fmt.Errorf("%w: begin encoding: %w", gpucore.ErrDeviceLost, err)
	}

	f := &fence{dev: d}
	d.mu.Lock()
	for i, cmd := range cmds {
		if err := d.encode(encoder, cmd, f); err != nil {
			d.mu.Unlock()
			encoder.DiscardEncoding()
			f.release()
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
	}
	d.mu.Unlock()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		f.release()
		return nil, fmt.Errorf("%w: end encoding: %w", gpucore.ErrDeviceLost, err)
	}
	f.cmdBuf = cmdBuf

	hf, err := d.device.CreateFence()
	if err != nil {
		f.release()
		return nil, fmt.Errorf("%w: create fence: %w", gpucore.ErrDeviceLost, err)
	}
	f.fence = hf
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, hf, 1); err != nil {
		f.release()
		return nil, fmt.Errorf("%w: submit: %w", gpucore.ErrDeviceLost, err)
	}
	logger.Load().Debug("wgpu: submitted", "commands", len(cmds), "staging", len(f.staging))
	return f, nil
}

// encode records one command. Must be called with d.mu held.
func (d *Device) encode(encoder hal.CommandEncoder, cmd gpucore.Command, f *fence) error {
	switch c := cmd.(type) {
	case gpucore.CopyBufferCmd:
		src, dst := d.buffers[c.Src], d.buffers[c.Dst]
		if src == nil || dst == nil {
			return fmt.Errorf("%w: copy %d -> %d", gpucore.ErrInvalidID, c.Src, c.Dst)
		}
		// Both allocations are padded, so the rounded size stays in bounds.
		encoder.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: alignUp(c.Size, copyAlignment)},
		})

	case gpucore.ClearImageCmd:
		img := d.images[c.Image]
		if img == nil {
			return fmt.Errorf("%w: image %d", gpucore.ErrInvalidID, c.Image)
		}
		transition(encoder, img, gputypes.TextureUsageRenderAttachment)
		rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: "gputask_clear",
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:    img.view,
				LoadOp:  gputypes.LoadOpClear,
				StoreOp: gputypes.StoreOpStore,
				ClearValue: gputypes.Color{
					R: float64(c.Color[0]), G: float64(c.Color[1]),
					B: float64(c.Color[2]), A: float64(c.Color[3]),
				},
			}},
		})
		rp.End()

	case gpucore.CopyImageToBufferCmd:
		img, dst := d.images[c.Src], d.buffers[c.Dst]
		if img == nil || dst == nil {
			return fmt.Errorf("%w: copy image %d -> buffer %d", gpucore.ErrInvalidID, c.Src, c.Dst)
		}
		return d.encodeImageCopy(encoder, img, dst, c, f)

	case gpucore.DispatchCmd:
		p := d.pipelines[c.Pipeline]
		if p == nil {
			return fmt.Errorf("%w: pipeline %d", gpucore.ErrInvalidID, c.Pipeline)
		}
		groups := make([]hal.BindGroup, len(p.sets))
		for set := range p.sets {
			if p.empty[set] != nil {
				groups[set] = p.empty[set]
				continue
			}
			if set >= len(c.BindGroups) {
				return fmt.Errorf("%w: set %d not bound", gpucore.ErrInvalidID, set)
			}
			bg := d.bindGroups[c.BindGroups[set]]
			if bg == nil {
				return fmt.Errorf("%w: bind group %d", gpucore.ErrInvalidID, c.BindGroups[set])
			}
			for i, id := range bg.images {
				img := d.images[id]
				if img == nil {
					return fmt.Errorf("%w: image %d", gpucore.ErrInvalidID, id)
				}
				if bg.kinds[i] == gpucore.BindingSampledImage {
					transition(encoder, img, gputypes.TextureUsageTextureBinding)
				} else {
					transition(encoder, img, gputypes.TextureUsageStorageBinding)
				}
			}
			groups[set] = bg.group
		}

		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "gputask_dispatch"})
		pass.SetPipeline(p.pipe)
		for set, g := range groups {
			pass.SetBindGroup(uint32(set), g, nil) //nolint:gosec // G115: set count is bounded by MaxBindGroups
		}
		pass.Dispatch(c.Groups[0], c.Groups[1], c.Groups[2])
		pass.End()

	default:
		return fmt.Errorf("%w: command %T", gpucore.ErrUnsupported, cmd)
	}
	return nil
}

// encodeImageCopy copies img into dst as tightly packed rows. Rows whose
// pitch is not a multiple of copyPitchAlignment go through a staging buffer.
func (d *Device) encodeImageCopy(encoder hal.CommandEncoder, img *image, dst *buffer, c gpucore.CopyImageToBufferCmd, f *fence) error {
	rowBytes := c.Width * uint32(c.Format.BytesPerPixel()) //nolint:gosec // G115: bytes per pixel is tiny
	pitch := (rowBytes + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
	transition(encoder, img, gputypes.TextureUsageCopySrc)

	target := dst.buf
	if pitch != rowBytes {
		staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "gputask_image_staging",
			Size:  uint64(pitch) * uint64(c.Height),
			Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("%w: create staging buffer: %w", gpucore.ErrOutOfMemory, err)
		}
		f.staging = append(f.staging, staging)
		target = staging
	}

	encoder.CopyTextureToBuffer(img.tex, target, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: pitch, RowsPerImage: c.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: img.tex, MipLevel: 0},
		Size:         hal.Extent3D{Width: c.Width, Height: c.Height, DepthOrArrayLayers: 1},
	}})
	if target == dst.buf {
		return nil
	}

	regions := make([]hal.BufferCopy, c.Height)
	for row := range regions {
		regions[row] = hal.BufferCopy{
			SrcOffset: uint64(row) * uint64(pitch),
			DstOffset: uint64(row) * uint64(rowBytes),
			Size:      uint64(rowBytes),
		}
	}
	encoder.CopyBufferToBuffer(target, dst.buf, regions)
	return nil
}

// transition records a barrier when img is not already in usage.
func transition(encoder hal.CommandEncoder, img *image, usage gputypes.TextureUsage) {
	if img.state == usage {
		return
	}
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: img.tex,
		Usage:   hal.TextureUsageTransition{OldUsage: img.state, NewUsage: usage},
	}})
	img.state = usage
}

// fence tracks one submission and the transient objects it owns.
type fence struct {
	dev     *Device
	fence   hal.Fence
	cmdBuf  hal.CommandBuffer
	staging []hal.Buffer
	once    sync.Once
}

// Wait blocks for up to timeout.
func (f *fence) Wait(timeout time.Duration) (bool, error) {
	ok, err := f.dev.device.Wait(f.fence, 1, timeout)
	if err != nil {
		return false, fmt.Errorf("%w: %w", gpucore.ErrDeviceLost, err)
	}
	return ok, nil
}

// Destroy frees the fence, the command buffer and any staging buffers.
func (f *fence) Destroy() { f.release() }

func (f *fence) release() {
	f.once.Do(func() {
		for _, b := range f.staging {
			f.dev.device.DestroyBuffer(b)
		}
		if f.cmdBuf != nil {
			f.dev.device.FreeCommandBuffer(f.cmdBuf)
		}
		if f.fence != nil {
			f.dev.device.DestroyFence(f.fence)
		}
	})
}
