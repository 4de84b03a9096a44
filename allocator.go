package gputask

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputask/gpucore"
)

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage = gpucore.BufferUsage

// Buffer usage flags.
const (
	BufferTransferSrc = gpucore.BufferUsageCopySrc
	BufferTransferDst = gpucore.BufferUsageCopyDst
	BufferStorage     = gpucore.BufferUsageStorage
	BufferUniform     = gpucore.BufferUsageUniform
)

// ImageUsage is a bitmask specifying how an image will be used.
type ImageUsage = gpucore.ImageUsage

// Image usage flags.
const (
	ImageTransferSrc = gpucore.ImageUsageCopySrc
	ImageTransferDst = gpucore.ImageUsageCopyDst
	ImageStorage     = gpucore.ImageUsageStorage
	ImageSampled     = gpucore.ImageUsageSampled
)

// Format is the texel format of an image.
type Format = gpucore.Format

// FormatRGBA8Unorm is 8-bit RGBA, normalized unsigned integer.
const FormatRGBA8Unorm = gpucore.FormatRGBA8Unorm

// Placement is a hint for where a resource's memory lives and how the host
// accesses it. It selects a memory type and never changes results.
type Placement uint32

// Placement flags. One of PreferDevice and PreferHost may be combined with
// one of the host access flags.
const (
	// PreferDevice favors memory that is fast for the device.
	PreferDevice Placement = 1 << 0

	// PreferHost favors memory that lives on the host.
	PreferHost Placement = 1 << 1

	// HostSequentialWrite makes the memory host visible for sequential
	// writes, such as an upload written once.
	HostSequentialWrite Placement = 1 << 2

	// HostRandomAccess makes the memory host visible and cached, for reads
	// and random access.
	HostRandomAccess Placement = 1 << 3
)

// HostAccess reports whether the placement asks for host-visible memory.
func (p Placement) HostAccess() bool {
	return p&(HostSequentialWrite|HostRandomAccess) != 0
}

func (p Placement) String() string {
	if p == 0 {
		return "None"
	}
	var s string
	for _, f := range []struct {
		flag Placement
		name string
	}{
		{PreferDevice, "PreferDevice"},
		{PreferHost, "PreferHost"},
		{HostSequentialWrite, "HostSequentialWrite"},
		{HostRandomAccess, "HostRandomAccess"},
	} {
		if p&f.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

// request translates the placement to a memory type filter.
func (p Placement) request() gpucore.MemoryRequest {
	var req gpucore.MemoryRequest
	if p&PreferDevice != 0 {
		req.Preferred |= gpucore.MemoryDeviceLocal
	}
	if p&PreferHost != 0 {
		req.NotPreferred |= gpucore.MemoryDeviceLocal
	}
	if p&HostSequentialWrite != 0 {
		req.Required |= gpucore.MemoryHostVisible
		req.NotPreferred |= gpucore.MemoryHostCached
	}
	if p&HostRandomAccess != 0 {
		req.Required |= gpucore.MemoryHostVisible | gpucore.MemoryHostCached
	}
	return req
}

// Element is a fixed-size scalar that can be stored in a buffer. Elements
// are laid out little-endian without padding.
type Element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// ResourceOption configures a buffer or image.
type ResourceOption func(*resourceConfig)

type resourceConfig struct {
	label string
}

// WithLabel sets the debug label of a resource.
func WithLabel(label string) ResourceOption {
	return func(c *resourceConfig) { c.label = label }
}

// AllocatorStats reports live allocations made through an Allocator.
type AllocatorStats struct {
	Buffers     int
	Images      int
	BufferBytes uint64
	ImageBytes  uint64
}

// Allocator creates buffers and images on a device.
//
// Allocator is safe for concurrent use.
type Allocator struct {
	dev   *Device
	types []gpucore.MemoryType

	mu    sync.Mutex
	stats AllocatorStats
}

func newAllocator(d *Device, types []gpucore.MemoryType) *Allocator {
	return &Allocator{dev: d, types: types}
}

// Stats returns the live allocation counters.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Allocator) selectMemory(op string, p Placement) (gpucore.MemoryType, error) {
	mt, ok := gpucore.SelectMemoryType(a.types, p.request())
	if !ok {
		return mt, errorf(StageAllocation, op, ErrAllocationFailure, "no memory type satisfies placement %s", p)
	}
	return mt, nil
}

// NewBuffer creates a buffer holding a copy of data. The buffer length is
// len(data), which must be positive.
//
// Initial contents are written by the host, so a placement without a host
// access flag is treated as HostSequentialWrite.
func NewBuffer[T Element](a *Allocator, data []T, usage BufferUsage, placement Placement, opts ...ResourceOption) (*Buffer, error) {
	const op = "new buffer"
	if len(data) == 0 {
		return nil, errorf(StageAllocation, op, ErrAllocationFailure, "element count must be positive")
	}
	if !placement.HostAccess() {
		placement |= HostSequentialWrite
	}
	raw, err := binary.Append(nil, binary.LittleEndian, data)
	if err != nil {
		return nil, newError(StageAllocation, op, ErrAllocationFailure, err)
	}

	b, err := a.newBuffer(op, len(data), binary.Size(data[0]), usage, placement, opts)
	if err != nil {
		return nil, err
	}
	if err := a.dev.dev.WriteBuffer(b.id, 0, raw); err != nil {
		_ = b.Release()
		return nil, driverError(StageAllocation, op, ErrAllocationFailure, err)
	}
	return b, nil
}

// NewZeroedBuffer creates a buffer of count zeroed elements.
func NewZeroedBuffer[T Element](a *Allocator, count int, usage BufferUsage, placement Placement, opts ...ResourceOption) (*Buffer, error) {
	const op = "new zeroed buffer"
	if count <= 0 {
		return nil, errorf(StageAllocation, op, ErrAllocationFailure, "element count must be positive, got %d", count)
	}
	var zero T
	return a.newBuffer(op, count, binary.Size(zero), usage, placement, opts)
}

func (a *Allocator) newBuffer(op string, count, elemSize int, usage BufferUsage, placement Placement, opts []ResourceOption) (*Buffer, error) {
	if err := a.dev.checkOpen(StageAllocation, op); err != nil {
		return nil, err
	}
	var cfg resourceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if usage == 0 {
		return nil, errorf(StageAllocation, op, ErrAllocationFailure, "buffer %q has no usage", cfg.label)
	}
	mem, err := a.selectMemory(op, placement)
	if err != nil {
		return nil, err
	}

	size := uint64(count) * uint64(elemSize) //nolint:gosec // G115: count and elemSize are positive
	id, err := a.dev.dev.CreateBuffer(&gpucore.BufferDesc{
		Label:  cfg.label,
		Size:   size,
		Usage:  usage,
		Memory: mem,
	})
	if err != nil {
		return nil, driverError(StageAllocation, op, ErrAllocationFailure, err)
	}

	a.mu.Lock()
	a.stats.Buffers++
	a.stats.BufferBytes += size
	a.mu.Unlock()

	Logger().Debug("gputask: buffer allocated",
		"label", cfg.label, "size", size, "usage", usage.String(),
		"placement", placement.String(), "memory", mem.Flags.String())

	return &Buffer{
		resource:  resource{dev: a.dev, label: cfg.label},
		id:        id,
		size:      size,
		elemSize:  elemSize,
		count:     count,
		usage:     usage,
		placement: placement,
		memory:    mem,
	}, nil
}

// Extent is the size of a 2D image in texels.
type Extent struct {
	Width  uint32
	Height uint32
}

// NewImage creates a 2D image. Its contents are undefined until cleared or
// written by a shader.
func (a *Allocator) NewImage(format Format, extent Extent, usage ImageUsage, placement Placement, opts ...ResourceOption) (*Image, error) {
	const op = "new image"
	if err := a.dev.checkOpen(StageAllocation, op); err != nil {
		return nil, err
	}
	var cfg resourceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if extent.Width == 0 || extent.Height == 0 {
		return nil, errorf(StageAllocation, op, ErrAllocationFailure,
			"image %q: extent %dx%d must be positive", cfg.label, extent.Width, extent.Height)
	}
	if format.BytesPerPixel() == 0 {
		return nil, errorf(StageAllocation, op, ErrAllocationFailure, "image %q: unsupported format %s", cfg.label, format)
	}
	if usage == 0 {
		return nil, errorf(StageAllocation, op, ErrAllocationFailure, "image %q has no usage", cfg.label)
	}
	mem, err := a.selectMemory(op, placement)
	if err != nil {
		return nil, err
	}

	id, err := a.dev.dev.CreateImage(&gpucore.ImageDesc{
		Label:  cfg.label,
		Format: format,
		Width:  extent.Width,
		Height: extent.Height,
		Usage:  usage,
		Memory: mem,
	})
	if err != nil {
		return nil, driverError(StageAllocation, op, ErrAllocationFailure, err)
	}

	img := &Image{
		resource:  resource{dev: a.dev, label: cfg.label},
		id:        id,
		format:    format,
		extent:    extent,
		usage:     usage,
		placement: placement,
	}
	a.mu.Lock()
	a.stats.Images++
	a.stats.ImageBytes += img.ByteSize()
	a.mu.Unlock()
	Logger().Debug("gputask: image allocated",
		"label", cfg.label, "width", extent.Width, "height", extent.Height,
		"format", format.String(), "usage", usage.String())
	return img, nil
}

func (a *Allocator) releasedBuffer(size uint64) {
	a.mu.Lock()
	a.stats.Buffers--
	a.stats.BufferBytes -= size
	a.mu.Unlock()
}

func (a *Allocator) releasedImage(size uint64) {
	a.mu.Lock()
	a.stats.Images--
	a.stats.ImageBytes -= size
	a.mu.Unlock()
}

// checkElement reports whether T has the buffer's element size.
func checkElement[T Element](b *Buffer) error {
	var zero T
	if size := binary.Size(zero); size != b.elemSize {
		return fmt.Errorf("element size %d does not match buffer element size %d", size, b.elemSize)
	}
	return nil
}
