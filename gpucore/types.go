package gpucore

import (
	"fmt"
	"strings"
)

// Resource IDs
//
// These opaque IDs represent device resources. Each driver maintains a
// mapping between IDs and actual backend resources.

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// ImageID is an opaque handle to a 2D device image.
type ImageID uint64

// ShaderModuleID is an opaque handle to a shader module.
type ShaderModuleID uint64

// PipelineID is an opaque handle to a compute pipeline.
type PipelineID uint64

// BindGroupID is an opaque handle to a bind group (descriptor set).
type BindGroupID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 0

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 1

	// BufferUsageStorage indicates the buffer can be bound as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 2

	// BufferUsageUniform indicates the buffer can be bound as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 3
)

// String returns the usage flags joined by '|'.
func (u BufferUsage) String() string {
	return flagString(uint32(u), []string{"CopySrc", "CopyDst", "Storage", "Uniform"})
}

// ImageUsage is a bitmask specifying how an image will be used.
type ImageUsage uint32

// Image usage flags.
const (
	// ImageUsageCopySrc indicates the image can be used as a copy source.
	ImageUsageCopySrc ImageUsage = 1 << 0

	// ImageUsageCopyDst indicates the image can be a copy or clear destination.
	ImageUsageCopyDst ImageUsage = 1 << 1

	// ImageUsageStorage indicates the image can be bound as a storage image.
	ImageUsageStorage ImageUsage = 1 << 2

	// ImageUsageSampled indicates the image can be bound as a sampled texture.
	ImageUsageSampled ImageUsage = 1 << 3
)

// String returns the usage flags joined by '|'.
func (u ImageUsage) String() string {
	return flagString(uint32(u), []string{"CopySrc", "CopyDst", "Storage", "Sampled"})
}

// Format specifies the texel format of an image.
type Format uint32

// Image formats.
const (
	// FormatRGBA8Unorm is 8-bit RGBA, normalized unsigned integer.
	FormatRGBA8Unorm Format = iota + 1
)

// BytesPerPixel returns the texel size in bytes, or 0 for an unknown format.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA8Unorm:
		return 4
	default:
		return 0
	}
}

func (f Format) String() string {
	switch f {
	case FormatRGBA8Unorm:
		return "rgba8unorm"
	default:
		return fmt.Sprintf("Format(%d)", uint32(f))
	}
}

// QueueCaps is a bitmask of capabilities advertised by a queue family.
type QueueCaps uint32

// Queue capability flags.
const (
	QueueGraphics QueueCaps = 1 << 0
	QueueCompute  QueueCaps = 1 << 1
	QueueTransfer QueueCaps = 1 << 2
)

// Contains reports whether every bit of want is present in c.
func (c QueueCaps) Contains(want QueueCaps) bool {
	return c&want == want
}

func (c QueueCaps) String() string {
	return flagString(uint32(c), []string{"Graphics", "Compute", "Transfer"})
}

// QueueFamily describes a group of queues with identical capabilities.
type QueueFamily struct {
	Index uint32
	Caps  QueueCaps
	Count uint32
}

// DeviceType classifies an adapter.
type DeviceType uint8

// Device types.
const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegratedGPU:
		return "integrated"
	case DeviceTypeDiscreteGPU:
		return "discrete"
	case DeviceTypeVirtualGPU:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}

// AdapterInfo identifies a physical device.
type AdapterInfo struct {
	Name   string
	Vendor string
	Type   DeviceType
	Driver string
}

// Limits reports the device limits the core validates against.
type Limits struct {
	// MaxBufferSize is the largest buffer size in bytes.
	MaxBufferSize uint64

	// MaxImageDimension2D is the largest width or height of an image.
	MaxImageDimension2D uint32

	// MaxWorkgroupSize is the largest local size per dimension.
	MaxWorkgroupSize [3]uint32

	// MaxWorkgroupInvocations bounds the product of the local size.
	MaxWorkgroupInvocations uint32

	// MaxWorkgroupCount is the largest dispatch count per dimension.
	MaxWorkgroupCount uint32

	// MaxBindGroups is the number of descriptor sets a pipeline may use.
	MaxBindGroups uint32
}

// DefaultLimits returns the WebGPU baseline limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:           256 << 20,
		MaxImageDimension2D:     8192,
		MaxWorkgroupSize:        [3]uint32{256, 256, 64},
		MaxWorkgroupInvocations: 256,
		MaxWorkgroupCount:       65535,
		MaxBindGroups:           4,
	}
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label  string
	Size   uint64
	Usage  BufferUsage
	Memory MemoryType
}

// ImageDesc describes a 2D image.
type ImageDesc struct {
	Label  string
	Format Format
	Width  uint32
	Height uint32
	Usage  ImageUsage
	Memory MemoryType
}

// ShaderDesc describes a shader module.
type ShaderDesc struct {
	// Label is an optional debug label.
	Label string

	// WGSL is the shader source.
	WGSL string

	// Kernel is the host implementation of the module's entry point.
	// Devices that execute shader bytecode ignore it.
	Kernel Kernel
}

// BindingKind specifies the type of a shader binding.
type BindingKind uint8

// Binding kinds.
const (
	// BindingStorageBuffer is a read-write storage buffer binding.
	BindingStorageBuffer BindingKind = iota + 1

	// BindingReadOnlyStorageBuffer is a read-only storage buffer binding.
	BindingReadOnlyStorageBuffer

	// BindingUniformBuffer is a uniform buffer binding.
	BindingUniformBuffer

	// BindingStorageImage is a storage image binding.
	BindingStorageImage

	// BindingSampledImage is a sampled texture binding.
	BindingSampledImage
)

// IsBuffer reports whether the binding refers to a buffer.
func (k BindingKind) IsBuffer() bool {
	return k == BindingStorageBuffer || k == BindingReadOnlyStorageBuffer || k == BindingUniformBuffer
}

func (k BindingKind) String() string {
	switch k {
	case BindingStorageBuffer:
		return "storage-buffer"
	case BindingReadOnlyStorageBuffer:
		return "read-only-storage-buffer"
	case BindingUniformBuffer:
		return "uniform-buffer"
	case BindingStorageImage:
		return "storage-image"
	case BindingSampledImage:
		return "sampled-image"
	default:
		return fmt.Sprintf("BindingKind(%d)", uint8(k))
	}
}

// Access is how a shader accesses a bound resource.
type Access uint8

// Access modes. The zero value is read-only.
const (
	AccessRead Access = iota
	AccessWrite
	AccessReadWrite
)

// LayoutEntry describes one binding slot of a bind group layout.
type LayoutEntry struct {
	Binding uint32
	Kind    BindingKind

	// Access matters for storage images, whose layout records it.
	Access Access

	// Format is the texel format of storage image bindings.
	Format Format
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label      string
	Module     ShaderModuleID
	EntryPoint string

	// WorkgroupSize is the local size declared by the entry point.
	WorkgroupSize [3]uint32

	// Sets holds one layout per descriptor set index. Empty sets are allowed.
	Sets [][]LayoutEntry
}

// BindGroupEntry binds one resource to a slot. Exactly one of Buffer and
// Image is set.
type BindGroupEntry struct {
	Binding uint32
	Buffer  BufferID
	Image   ImageID
}

// BindGroupDesc describes a bind group created against one set of a
// pipeline's layout.
type BindGroupDesc struct {
	Label    string
	Pipeline PipelineID
	Set      uint32
	Entries  []BindGroupEntry
}

func flagString(v uint32, names []string) string {
	if v == 0 {
		return "None"
	}
	var parts []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, name)
			v &^= 1 << i
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", v))
	}
	return strings.Join(parts, "|")
}
