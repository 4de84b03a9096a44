// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/shader"
)

// readbackTimeout bounds the fence wait of synchronous host reads.
const readbackTimeout = 5 * time.Second

// copyAlignment is the size and offset alignment of buffer copies and
// queue writes.
const copyAlignment = 4

type buffer struct {
	buf   hal.Buffer
	size  uint64 // requested size
	alloc uint64 // size rounded up to copyAlignment
}

type image struct {
	tex    hal.Texture
	view   hal.TextureView
	width  uint32
	height uint32
	format gpucore.Format

	// state is the usage the texture was last transitioned to.
	state gputypes.TextureUsage
}

type pipeline struct {
	pipe    hal.ComputePipeline
	layout  hal.PipelineLayout
	sets    []hal.BindGroupLayout
	entries [][]gpucore.LayoutEntry

	// empty holds a bind group for every set without slots; nil otherwise.
	empty []hal.BindGroup
}

type bindGroup struct {
	group  hal.BindGroup
	images []gpucore.ImageID
	kinds  []gpucore.BindingKind
}

// Device is a HAL logical device.
//
// Device is safe for concurrent use.
type Device struct {
	adapter  *Adapter
	device   hal.Device
	queue    hal.Queue
	limits   gpucore.Limits
	external bool

	mu         sync.RWMutex
	buffers    map[gpucore.BufferID]*buffer
	images     map[gpucore.ImageID]*image
	modules    map[gpucore.ShaderModuleID]hal.ShaderModule
	pipelines  map[gpucore.PipelineID]*pipeline
	bindGroups map[gpucore.BindGroupID]*bindGroup

	nextID    atomic.Uint64
	destroyed atomic.Bool
}

func newDevice(a *Adapter, device hal.Device, queue hal.Queue, external bool) *Device {
	return &Device{
		adapter:    a,
		device:     device,
		queue:      queue,
		limits:     a.Limits(),
		external:   external,
		buffers:    make(map[gpucore.BufferID]*buffer),
		images:     make(map[gpucore.ImageID]*image),
		modules:    make(map[gpucore.ShaderModuleID]hal.ShaderModule),
		pipelines:  make(map[gpucore.PipelineID]*pipeline),
		bindGroups: make(map[gpucore.BindGroupID]*bindGroup),
	}
}

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// Limits returns the device limits.
func (d *Device) Limits() gpucore.Limits { return d.limits }

func alignUp(n, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }

// CreateBuffer creates a device buffer. Every buffer can be copied from and
// to so that host access works through staging.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 || desc.Size > d.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer size %d", gpucore.ErrOutOfMemory, desc.Size)
	}
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.Usage&gpucore.BufferUsageStorage != 0 {
		usage |= gputypes.BufferUsageStorage
	}
	if desc.Usage&gpucore.BufferUsageUniform != 0 {
		usage |= gputypes.BufferUsageUniform
	}
	alloc := alignUp(desc.Size, copyAlignment)
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  alloc,
		Usage: usage,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: create buffer: %w", gpucore.ErrOutOfMemory, err)
	}

	id := gpucore.BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = &buffer{buf: buf, size: desc.Size, alloc: alloc}
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer releases a buffer. Unknown IDs are ignored.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyBuffer(b.buf)
	}
}

func (d *Device) buffer(id gpucore.BufferID) (*buffer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", gpucore.ErrInvalidID, id)
	}
	return b, nil
}

// WriteBuffer uploads data through the queue. Unaligned ranges are widened
// to copyAlignment with a read-modify-write of the edge bytes.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	b, err := d.buffer(id)
	if err != nil {
		return err
	}
	end := offset + uint64(len(data))
	if end > b.size {
		return fmt.Errorf("%w: write [%d, %d) exceeds buffer size %d", gpucore.ErrInvalidID, offset, end, b.size)
	}
	if len(data) == 0 {
		return nil
	}

	start := offset &^ (copyAlignment - 1)
	stop := alignUp(end, copyAlignment)
	if start == offset && stop == end {
		d.queue.WriteBuffer(b.buf, offset, data)
		return nil
	}
	span := make([]byte, stop-start)
	if err := d.readRange(b, start, span); err != nil {
		return err
	}
	copy(span[offset-start:], data)
	d.queue.WriteBuffer(b.buf, start, span)
	return nil
}

// ReadBuffer copies buffer contents into dst through a MapRead staging
// buffer. It blocks until the copy completed.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	b, err := d.buffer(id)
	if err != nil {
		return err
	}
	end := offset + uint64(len(dst))
	if end > b.size {
		return fmt.Errorf("%w: read [%d, %d) exceeds buffer size %d", gpucore.ErrInvalidID, offset, end, b.size)
	}
	if len(dst) == 0 {
		return nil
	}
	start := offset &^ (copyAlignment - 1)
	span := make([]byte, alignUp(end, copyAlignment)-start)
	if err := d.readRange(b, start, span); err != nil {
		return err
	}
	copy(dst, span[offset-start:])
	return nil
}

// readRange reads an aligned range of b into dst.
func (d *Device) readRange(b *buffer, offset uint64, dst []byte) error {
	size := uint64(len(dst))
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "gputask_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: create staging buffer: %w", gpucore.ErrOutOfMemory, err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "gputask_readback"})
	if err != nil {
		return fmt.Errorf("%w: create command encoder: %w", gpucore.ErrDeviceLost, err)
	}
	if err := encoder.BeginEncoding("gputask_readback"); err != nil {
		return fmt.Errorf("%w: begin encoding: %w", gpucore.ErrDeviceLost, err)
	}
	encoder.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("%w: end encoding: %w", gpucore.ErrDeviceLost, err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("%w: create fence: %w", gpucore.ErrDeviceLost, err)
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("%w: submit: %w", gpucore.ErrDeviceLost, err)
	}
	ok, err := d.device.Wait(fence, 1, readbackTimeout)
	if err != nil || !ok {
		return fmt.Errorf("%w: wait for readback: ok=%v err=%v", gpucore.ErrDeviceLost, ok, err)
	}
	if err := d.queue.ReadBuffer(staging, 0, dst); err != nil {
		return fmt.Errorf("%w: readback: %w", gpucore.ErrDeviceLost, err)
	}
	return nil
}

// CreateImage creates a 2D texture and its default view.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	format, ok := textureFormat(desc.Format)
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: format %s", gpucore.ErrUnsupported, desc.Format)
	}
	if desc.Width == 0 || desc.Height == 0 ||
		desc.Width > d.limits.MaxImageDimension2D || desc.Height > d.limits.MaxImageDimension2D {
		return gpucore.InvalidID, fmt.Errorf("%w: image extent %dx%d", gpucore.ErrOutOfMemory, desc.Width, desc.Height)
	}

	// Clears run as render passes and image copies as texture copies.
	usage := gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	if desc.Usage&gpucore.ImageUsageStorage != 0 {
		usage |= gputypes.TextureUsageStorageBinding
	}
	if desc.Usage&gpucore.ImageUsageSampled != 0 {
		usage |= gputypes.TextureUsageTextureBinding
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: create texture: %w", gpucore.ErrOutOfMemory, err)
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:     desc.Label + "_view",
		Format:    format,
		Dimension: gputypes.TextureViewDimension2D,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return gpucore.InvalidID, fmt.Errorf("%w: create texture view: %w", gpucore.ErrOutOfMemory, err)
	}

	id := gpucore.ImageID(d.newID())
	d.mu.Lock()
	d.images[id] = &image{tex: tex, view: view, width: desc.Width, height: desc.Height, format: desc.Format}
	d.mu.Unlock()
	return id, nil
}

// DestroyImage releases an image and its view.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	img, ok := d.images[id]
	delete(d.images, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyTextureView(img.view)
		d.device.DestroyTexture(img.tex)
	}
}

// CreateShaderModule compiles WGSL to SPIR-V. The host kernel is ignored.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderDesc) (gpucore.ShaderModuleID, error) {
	words, err := shader.CompileSPIRV(desc.WGSL)
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: %s: %w", gpucore.ErrLinkFailed, desc.Label, err)
	}
	mod, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: create shader module: %w", gpucore.ErrLinkFailed, err)
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.mu.Lock()
	d.modules[id] = mod
	d.mu.Unlock()
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	mod, ok := d.modules[id]
	delete(d.modules, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyShaderModule(mod)
	}
}

// CreateComputePipeline creates one bind group layout per set, the pipeline
// layout and the pipeline.
func (d *Device) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.PipelineID, error) {
	d.mu.RLock()
	mod, ok := d.modules[desc.Module]
	d.mu.RUnlock()
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: shader module %d", gpucore.ErrInvalidID, desc.Module)
	}

	p := &pipeline{entries: desc.Sets, empty: make([]hal.BindGroup, len(desc.Sets))}
	for set, entries := range desc.Sets {
		bgl, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s_set%d", desc.Label, set),
			Entries: layoutEntries(entries),
		})
		if err != nil {
			d.destroyPipeline(p)
			return gpucore.InvalidID, fmt.Errorf("%w: create bind group layout %d: %w", gpucore.ErrLinkFailed, set, err)
		}
		p.sets = append(p.sets, bgl)

		// Sets without slots are still part of the layout and must be bound.
		if len(entries) == 0 {
			bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
				Label:  fmt.Sprintf("%s_set%d_empty", desc.Label, set),
				Layout: bgl,
			})
			if err != nil {
				d.destroyPipeline(p)
				return gpucore.InvalidID, fmt.Errorf("%w: create empty bind group %d: %w", gpucore.ErrLinkFailed, set, err)
			}
			p.empty[set] = bg
		}
	}

	layout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_layout",
		BindGroupLayouts: p.sets,
	})
	if err != nil {
		d.destroyPipeline(p)
		return gpucore.InvalidID, fmt.Errorf("%w: create pipeline layout: %w", gpucore.ErrLinkFailed, err)
	}
	p.layout = layout

	pipe, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Compute: hal.ComputeState{Module: mod, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		d.destroyPipeline(p)
		return gpucore.InvalidID, fmt.Errorf("%w: create compute pipeline: %w", gpucore.ErrLinkFailed, err)
	}
	p.pipe = pipe

	id := gpucore.PipelineID(d.newID())
	d.mu.Lock()
	d.pipelines[id] = p
	d.mu.Unlock()
	return id, nil
}

// DestroyComputePipeline releases a pipeline and its layouts.
func (d *Device) DestroyComputePipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()
	if ok {
		d.destroyPipeline(p)
	}
}

func (d *Device) destroyPipeline(p *pipeline) {
	if p.pipe != nil {
		d.device.DestroyComputePipeline(p.pipe)
	}
	if p.layout != nil {
		d.device.DestroyPipelineLayout(p.layout)
	}
	for _, bg := range p.empty {
		if bg != nil {
			d.device.DestroyBindGroup(bg)
		}
	}
	for _, bgl := range p.sets {
		d.device.DestroyBindGroupLayout(bgl)
	}
}

// CreateBindGroup binds resources to one set of a pipeline's layout.
func (d *Device) CreateBindGroup(desc *gpucore.BindGroupDesc) (gpucore.BindGroupID, error) {
	d.mu.RLock()
	p, ok := d.pipelines[desc.Pipeline]
	if !ok || int(desc.Set) >= len(p.sets) {
		d.mu.RUnlock()
		return gpucore.InvalidID, fmt.Errorf("%w: pipeline %d set %d", gpucore.ErrInvalidID, desc.Pipeline, desc.Set)
	}
	bg := &bindGroup{}
	entries := make([]gputypes.BindGroupEntry, 0, len(desc.Entries))
	for _, e := range desc.Entries {
		switch {
		case e.Buffer != gpucore.InvalidID:
			b, ok := d.buffers[e.Buffer]
			if !ok {
				d.mu.RUnlock()
				return gpucore.InvalidID, fmt.Errorf("%w: buffer %d", gpucore.ErrInvalidID, e.Buffer)
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  e.Binding,
				Resource: gputypes.BufferBinding{Buffer: b.buf.NativeHandle(), Offset: 0, Size: b.size},
			})
		case e.Image != gpucore.InvalidID:
			img, ok := d.images[e.Image]
			if !ok {
				d.mu.RUnlock()
				return gpucore.InvalidID, fmt.Errorf("%w: image %d", gpucore.ErrInvalidID, e.Image)
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  e.Binding,
				Resource: gputypes.TextureViewBinding{TextureView: img.view.NativeHandle()},
			})
			bg.images = append(bg.images, e.Image)
			bg.kinds = append(bg.kinds, slotKind(p.entries[desc.Set], e.Binding))
		}
	}
	layout := p.sets[desc.Set]
	d.mu.RUnlock()

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: create bind group: %w", gpucore.ErrLinkFailed, err)
	}
	bg.group = group

	id := gpucore.BindGroupID(d.newID())
	d.mu.Lock()
	d.bindGroups[id] = bg
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	bg, ok := d.bindGroups[id]
	delete(d.bindGroups, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyBindGroup(bg.group)
	}
}

// Destroy releases every remaining resource. The HAL device itself is
// destroyed only when this package opened it.
func (d *Device) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, bg := range d.bindGroups {
		d.device.DestroyBindGroup(bg.group)
		delete(d.bindGroups, id)
	}
	for id, p := range d.pipelines {
		d.destroyPipeline(p)
		delete(d.pipelines, id)
	}
	for id, mod := range d.modules {
		d.device.DestroyShaderModule(mod)
		delete(d.modules, id)
	}
	for id, img := range d.images {
		d.device.DestroyTextureView(img.view)
		d.device.DestroyTexture(img.tex)
		delete(d.images, id)
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	if !d.external {
		d.device.Destroy()
	}
	logger.Load().Debug("wgpu: device destroyed", "adapter", d.adapter.info.Name, "shared", d.external)
}

func textureFormat(f gpucore.Format) (gputypes.TextureFormat, bool) {
	switch f {
	case gpucore.FormatRGBA8Unorm:
		return gputypes.TextureFormatRGBA8Unorm, true
	default:
		return 0, false
	}
}

func slotKind(entries []gpucore.LayoutEntry, binding uint32) gpucore.BindingKind {
	for _, e := range entries {
		if e.Binding == binding {
			return e.Kind
		}
	}
	return 0
}

// layoutEntries lowers one set to HAL bind group layout entries.
func layoutEntries(entries []gpucore.LayoutEntry) []gputypes.BindGroupLayoutEntry {
	out := make([]gputypes.BindGroupLayoutEntry, 0, len(entries))
	for _, e := range entries {
		le := gputypes.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: gputypes.ShaderStageCompute,
		}
		switch e.Kind {
		case gpucore.BindingStorageBuffer:
			le.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
		case gpucore.BindingReadOnlyStorageBuffer:
			le.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
		case gpucore.BindingUniformBuffer:
			le.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
		case gpucore.BindingSampledImage:
			le.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case gpucore.BindingStorageImage:
			format, _ := textureFormat(e.Format)
			le.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        storageAccess(e.Access),
				Format:        format,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		}
		out = append(out, le)
	}
	return out
}

func storageAccess(a gpucore.Access) gputypes.StorageTextureAccess {
	switch a {
	case gpucore.AccessRead:
		return gputypes.StorageTextureAccessReadOnly
	case gpucore.AccessReadWrite:
		return gputypes.StorageTextureAccessReadWrite
	default:
		return gputypes.StorageTextureAccessWriteOnly
	}
}
