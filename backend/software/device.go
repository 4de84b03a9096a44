package software

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/internal/parallel"
)

type buffer struct {
	label  string
	data   []byte
	usage  gpucore.BufferUsage
	memory gpucore.MemoryType
}

type image struct {
	label  string
	data   []byte
	width  uint32
	height uint32
	format gpucore.Format
	usage  gpucore.ImageUsage
	memory gpucore.MemoryType
}

type shaderModule struct {
	label  string
	kernel gpucore.Kernel
}

type pipeline struct {
	label  string
	kernel gpucore.Kernel
	size   [3]uint32
	sets   [][]gpucore.LayoutEntry
}

type bindGroup struct {
	pipeline gpucore.PipelineID
	set      uint32
	entries  []gpucore.BindGroupEntry
}

// Device is a software logical device with one queue.
//
// Device is safe for concurrent use.
type Device struct {
	adapter *Adapter
	family  gpucore.QueueFamily
	mem     *memoryManager
	pool    *parallel.WorkerPool
	queue   *queue

	mu         sync.RWMutex
	buffers    map[gpucore.BufferID]*buffer
	images     map[gpucore.ImageID]*image
	modules    map[gpucore.ShaderModuleID]*shaderModule
	pipelines  map[gpucore.PipelineID]*pipeline
	bindGroups map[gpucore.BindGroupID]*bindGroup

	// nextID generates unique resource IDs (starts at 1; 0 is InvalidID).
	nextID atomic.Uint64

	lost      atomic.Bool
	destroyed atomic.Bool
}

func newDevice(a *Adapter, family gpucore.QueueFamily) *Device {
	d := &Device{
		adapter:    a,
		family:     family,
		mem:        newMemoryManager(a.heaps),
		pool:       parallel.NewWorkerPool(a.cfg.workers),
		buffers:    make(map[gpucore.BufferID]*buffer),
		images:     make(map[gpucore.ImageID]*image),
		modules:    make(map[gpucore.ShaderModuleID]*shaderModule),
		pipelines:  make(map[gpucore.PipelineID]*pipeline),
		bindGroups: make(map[gpucore.BindGroupID]*bindGroup),
	}
	d.queue = newQueue(d)
	return d
}

func (d *Device) newID() uint64 {
	return d.nextID.Add(1)
}

// Limits returns the device limits.
func (d *Device) Limits() gpucore.Limits { return d.adapter.cfg.limits }

// MemoryStats returns usage statistics of the device-local (heap 0) or
// host (heap 1) heap.
func (d *Device) MemoryStats(heap int) MemoryStats { return d.mem.stats(heap) }

// CreateBuffer allocates zeroed buffer memory from the heap of desc.Memory.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: create buffer %q: zero size", desc.Label)
	}
	if desc.Size > d.Limits().MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("software: create buffer %q: size %d exceeds limit %d: %w",
			desc.Label, desc.Size, d.Limits().MaxBufferSize, gpucore.ErrOutOfMemory)
	}
	if err := d.mem.alloc(desc.Memory.Heap, desc.Size); err != nil {
		return gpucore.InvalidID, fmt.Errorf("software: create buffer %q: %w", desc.Label, err)
	}

	id := gpucore.BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = &buffer{
		label:  desc.Label,
		data:   make([]byte, desc.Size),
		usage:  desc.Usage,
		memory: desc.Memory,
	}
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
		d.mem.free(b.memory.Heap, uint64(len(b.data)))
	}
}

func (d *Device) lookupBuffer(id gpucore.BufferID) (*buffer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("software: buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	return b, nil
}

// WriteBuffer copies data into a host-visible buffer.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if !b.memory.HostVisible() {
		return fmt.Errorf("software: write buffer %q: %w", b.label, gpucore.ErrNotHostVisible)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("software: write buffer %q: range [%d, %d) exceeds size %d",
			b.label, offset, offset+uint64(len(data)), len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer copies buffer contents into dst.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if !b.memory.HostVisible() {
		return fmt.Errorf("software: read buffer %q: %w", b.label, gpucore.ErrNotHostVisible)
	}
	if offset+uint64(len(dst)) > uint64(len(b.data)) {
		return fmt.Errorf("software: read buffer %q: range [%d, %d) exceeds size %d",
			b.label, offset, offset+uint64(len(dst)), len(b.data))
	}
	copy(dst, b.data[offset:])
	return nil
}

// CreateImage allocates a zeroed 2D image.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	bpp := desc.Format.BytesPerPixel()
	if bpp == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: create image %q: format %s: %w",
			desc.Label, desc.Format, gpucore.ErrUnsupported)
	}
	maxDim := d.Limits().MaxImageDimension2D
	if desc.Width == 0 || desc.Height == 0 || desc.Width > maxDim || desc.Height > maxDim {
		return gpucore.InvalidID, fmt.Errorf("software: create image %q: invalid extent %dx%d (max %d)",
			desc.Label, desc.Width, desc.Height, maxDim)
	}
	size := uint64(desc.Width) * uint64(desc.Height) * uint64(bpp)
	if err := d.mem.alloc(desc.Memory.Heap, size); err != nil {
		return gpucore.InvalidID, fmt.Errorf("software: create image %q: %w", desc.Label, err)
	}

	id := gpucore.ImageID(d.newID())
	d.mu.Lock()
	d.images[id] = &image{
		label:  desc.Label,
		data:   make([]byte, size),
		width:  desc.Width,
		height: desc.Height,
		format: desc.Format,
		usage:  desc.Usage,
		memory: desc.Memory,
	}
	d.mu.Unlock()
	return id, nil
}

// DestroyImage releases an image. Unknown IDs are ignored.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	img, ok := d.images[id]
	delete(d.images, id)
	d.mu.Unlock()
	if ok {
		d.mem.free(img.memory.Heap, uint64(len(img.data)))
	}
}

// CreateShaderModule registers a shader module. The software device needs a
// host kernel; modules without one fail with gpucore.ErrLinkFailed.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderDesc) (gpucore.ShaderModuleID, error) {
	if desc.Kernel == nil {
		return gpucore.InvalidID, fmt.Errorf("software: shader %q has no host kernel: %w",
			desc.Label, gpucore.ErrLinkFailed)
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.mu.Lock()
	d.modules[id] = &shaderModule{label: desc.Label, kernel: desc.Kernel}
	d.mu.Unlock()
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	delete(d.modules, id)
	d.mu.Unlock()
}

// CreateComputePipeline links a pipeline from a registered module.
func (d *Device) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.PipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.modules[desc.Module]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("software: pipeline %q: module %d: %w",
			desc.Label, desc.Module, gpucore.ErrInvalidID)
	}
	for _, s := range desc.WorkgroupSize {
		if s == 0 {
			return gpucore.InvalidID, fmt.Errorf("software: pipeline %q: zero workgroup size: %w",
				desc.Label, gpucore.ErrLinkFailed)
		}
	}

	sets := make([][]gpucore.LayoutEntry, len(desc.Sets))
	for i, entries := range desc.Sets {
		sets[i] = append([]gpucore.LayoutEntry(nil), entries...)
	}
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = &pipeline{
		label:  desc.Label,
		kernel: m.kernel,
		size:   desc.WorkgroupSize,
		sets:   sets,
	}
	return id, nil
}

// DestroyComputePipeline releases a pipeline.
func (d *Device) DestroyComputePipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	delete(d.pipelines, id)
	d.mu.Unlock()
}

// CreateBindGroup checks desc against the pipeline's set layout and records
// the bindings.
func (d *Device) CreateBindGroup(desc *gpucore.BindGroupDesc) (gpucore.BindGroupID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pipelines[desc.Pipeline]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("software: bind group %q: pipeline %d: %w",
			desc.Label, desc.Pipeline, gpucore.ErrInvalidID)
	}
	if int(desc.Set) >= len(p.sets) {
		return gpucore.InvalidID, fmt.Errorf("software: bind group %q: set %d not in layout", desc.Label, desc.Set)
	}
	layout := p.sets[desc.Set]
	if len(desc.Entries) != len(layout) {
		return gpucore.InvalidID, fmt.Errorf("software: bind group %q: %d entries, layout has %d",
			desc.Label, len(desc.Entries), len(layout))
	}
	for _, e := range desc.Entries {
		if err := d.checkEntryLocked(layout, e); err != nil {
			return gpucore.InvalidID, fmt.Errorf("software: bind group %q: %w", desc.Label, err)
		}
	}

	id := gpucore.BindGroupID(d.newID())
	d.bindGroups[id] = &bindGroup{
		pipeline: desc.Pipeline,
		set:      desc.Set,
		entries:  append([]gpucore.BindGroupEntry(nil), desc.Entries...),
	}
	return id, nil
}

func (d *Device) checkEntryLocked(layout []gpucore.LayoutEntry, e gpucore.BindGroupEntry) error {
	for _, le := range layout {
		if le.Binding != e.Binding {
			continue
		}
		if le.Kind.IsBuffer() {
			if _, ok := d.buffers[e.Buffer]; !ok {
				return fmt.Errorf("binding %d: buffer %d: %w", e.Binding, e.Buffer, gpucore.ErrInvalidID)
			}
			return nil
		}
		if _, ok := d.images[e.Image]; !ok {
			return fmt.Errorf("binding %d: image %d: %w", e.Binding, e.Image, gpucore.ErrInvalidID)
		}
		return nil
	}
	return fmt.Errorf("binding %d not in layout", e.Binding)
}

// DestroyBindGroup releases a bind group.
func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	delete(d.bindGroups, id)
	d.mu.Unlock()
}

// Submit queues cmds on the device queue.
func (d *Device) Submit(cmds []gpucore.Command) (gpucore.Fence, error) {
	if d.destroyed.Load() {
		return nil, fmt.Errorf("software: submit on destroyed device: %w", gpucore.ErrDeviceLost)
	}
	if d.lost.Load() {
		return nil, fmt.Errorf("software: submit: %w", gpucore.ErrDeviceLost)
	}
	for i, c := range cmds {
		if _, ok := c.(gpucore.DispatchCmd); ok && !d.family.Caps.Contains(gpucore.QueueCompute) {
			return nil, fmt.Errorf("software: command %d: dispatch on queue family %d (%s): %w",
				i, d.family.Index, d.family.Caps, gpucore.ErrUnsupported)
		}
	}
	return d.queue.submit(cmds), nil
}

// Lost reports whether the device stopped executing work.
func (d *Device) Lost() bool { return d.lost.Load() }

// Destroy drains the queue and releases every resource.
func (d *Device) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	d.queue.close()
	d.pool.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, b := range d.buffers {
		d.mem.free(b.memory.Heap, uint64(len(b.data)))
		delete(d.buffers, id)
	}
	for id, img := range d.images {
		d.mem.free(img.memory.Heap, uint64(len(img.data)))
		delete(d.images, id)
	}
	clear(d.modules)
	clear(d.pipelines)
	clear(d.bindGroups)
}
