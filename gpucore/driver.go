package gpucore

import (
	"errors"
	"time"
)

// Driver errors. Drivers wrap them with context; callers test with errors.Is.
var (
	// ErrNotInstalled is returned when the driver's runtime is missing.
	ErrNotInstalled = errors.New("gpucore: driver not installed")

	// ErrNoDevice is returned when a driver exposes no usable adapter.
	ErrNoDevice = errors.New("gpucore: no device")

	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("gpucore: out of memory")

	// ErrDeviceLost is returned once the device stopped executing work.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrInvalidID is returned for unknown or destroyed resource IDs.
	ErrInvalidID = errors.New("gpucore: invalid resource id")

	// ErrNotHostVisible is returned for host access to device-only memory.
	ErrNotHostVisible = errors.New("gpucore: memory not host visible")

	// ErrLinkFailed is returned when a shader or pipeline cannot be built.
	ErrLinkFailed = errors.New("gpucore: shader link failed")

	// ErrUnsupported is returned for features a driver does not implement.
	ErrUnsupported = errors.New("gpucore: unsupported")
)

// Driver is an installed device runtime.
//
// Implementations must be safe for concurrent use.
type Driver interface {
	// Name returns the driver identifier (e.g. "software", "wgpu").
	Name() string

	// Adapters enumerates the physical devices visible to the driver.
	// Returns ErrNotInstalled when the runtime is missing.
	Adapters() ([]Adapter, error)

	// Close releases the driver. Devices opened from it must be destroyed first.
	Close()
}

// Adapter is a physical device.
type Adapter interface {
	Info() AdapterInfo
	QueueFamilies() []QueueFamily
	MemoryTypes() []MemoryType
	MemoryHeaps() []MemoryHeap
	Limits() Limits

	// Open creates a logical device with a single queue from family.
	Open(family uint32) (Device, error)
}

// Device is a logical device with one queue.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - Destroying a resource referenced by pending work is undefined behavior;
//     the core prevents it
type Device interface {
	// Limits returns the limits the device was opened with.
	Limits() Limits

	CreateBuffer(desc *BufferDesc) (BufferID, error)
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a host-visible buffer at offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies buffer contents starting at offset into dst.
	ReadBuffer(id BufferID, offset uint64, dst []byte) error

	CreateImage(desc *ImageDesc) (ImageID, error)
	DestroyImage(id ImageID)

	CreateShaderModule(desc *ShaderDesc) (ShaderModuleID, error)
	DestroyShaderModule(id ShaderModuleID)

	CreateComputePipeline(desc *ComputePipelineDesc) (PipelineID, error)
	DestroyComputePipeline(id PipelineID)

	CreateBindGroup(desc *BindGroupDesc) (BindGroupID, error)
	DestroyBindGroup(id BindGroupID)

	// Submit queues cmds for asynchronous execution in slice order and
	// returns a fence that signals on completion.
	Submit(cmds []Command) (Fence, error)

	// Destroy waits for idle and releases the device.
	Destroy()
}

// Fence signals completion of one submission.
type Fence interface {
	// Wait blocks for up to timeout. It returns true once the submission
	// completed, false if the timeout elapsed first, and an error wrapping
	// ErrDeviceLost if execution failed.
	Wait(timeout time.Duration) (bool, error)

	// Destroy releases the fence.
	Destroy()
}
