// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan HAL backend

	"github.com/gogpu/gputask/backend"
	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/internal/logging"
)

// DriverName is reported in AdapterInfo.Driver.
const DriverName = "gogpu/wgpu"

func init() {
	backend.Register(backend.BackendWGPU, func() (gpucore.Driver, error) {
		return New()
	})
}

// InstanceFactory creates the HAL instance a driver enumerates adapters on.
type InstanceFactory func() (hal.Instance, error)

// VulkanInstance creates a Vulkan HAL instance.
func VulkanInstance() (hal.Instance, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", gpucore.ErrNotInstalled)
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", gpucore.ErrNotInstalled, err)
	}
	return instance, nil
}

// Option configures a driver.
type Option func(*config)

type config struct {
	instance InstanceFactory
	limits   gputypes.Limits
}

// WithInstanceFactory replaces the Vulkan instance, e.g. with the noop HAL.
func WithInstanceFactory(f InstanceFactory) Option {
	return func(c *config) { c.instance = f }
}

// WithLimits sets the limits devices are opened with.
func WithLimits(l gputypes.Limits) Option {
	return func(c *config) { c.limits = l }
}

// Driver exposes the adapters of one HAL instance.
//
// Driver is safe for concurrent use.
type Driver struct {
	mu       sync.Mutex
	instance hal.Instance // nil for shared-device drivers
	adapters []gpucore.Adapter
	closed   bool
}

// New creates a driver over a fresh HAL instance. It fails with an error
// wrapping gpucore.ErrNotInstalled when the instance cannot be created.
func New(opts ...Option) (*Driver, error) {
	cfg := config{
		instance: VulkanInstance,
		limits:   gputypes.DefaultLimits(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	instance, err := cfg.instance()
	if err != nil {
		if !errors.Is(err, gpucore.ErrNotInstalled) {
			err = fmt.Errorf("%w: %w", gpucore.ErrNotInstalled, err)
		}
		return nil, err
	}

	exposed := instance.EnumerateAdapters(nil)
	d := &Driver{instance: instance, adapters: make([]gpucore.Adapter, 0, len(exposed))}
	for i := range exposed {
		d.adapters = append(d.adapters, newAdapter(&exposed[i], cfg.limits))
	}
	logger.Load().Debug("wgpu: instance created", "adapters", len(d.adapters))
	return d, nil
}

// NewProviderDriver wraps the device of a gpucontext.DeviceProvider.
// The provider must expose its HAL objects through HalDevice and HalQueue.
func NewProviderDriver(provider gpucontext.DeviceProvider) (*Driver, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", gpucore.ErrUnsupported)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", gpucore.ErrUnsupported)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", gpucore.ErrUnsupported)
	}
	return newSharedDriver(device, queue, gputypes.DefaultLimits()), nil
}

func newSharedDriver(device hal.Device, queue hal.Queue, limits gputypes.Limits) *Driver {
	a := &Adapter{
		info:   gpucore.AdapterInfo{Name: "shared device", Driver: DriverName},
		limits: limits,
		shared: &sharedDevice{device: device, queue: queue},
	}
	return &Driver{adapters: []gpucore.Adapter{a}}
}

// Name returns "wgpu".
func (d *Driver) Name() string { return backend.BackendWGPU }

// Adapters returns the adapters found when the driver was created.
func (d *Driver) Adapters() ([]gpucore.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: driver closed", gpucore.ErrNotInstalled)
	}
	return d.adapters, nil
}

// Close destroys the HAL instance. Shared devices are left alone.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}

// logger is shared by every device the driver opens.
var logger logging.Slot

// SetLogger sets the logger for the wgpu driver.
func (d *Driver) SetLogger(l *slog.Logger) {
	logger.Store(l)
}

type sharedDevice struct {
	device hal.Device
	queue  hal.Queue
}

// Adapter is one HAL adapter.
type Adapter struct {
	exposed *hal.ExposedAdapter
	shared  *sharedDevice
	info    gpucore.AdapterInfo
	limits  gputypes.Limits
}

func newAdapter(exposed *hal.ExposedAdapter, limits gputypes.Limits) *Adapter {
	info := gpucore.AdapterInfo{Name: exposed.Info.Name, Driver: DriverName}
	switch exposed.Info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		info.Type = gpucore.DeviceTypeDiscreteGPU
	case gputypes.DeviceTypeIntegratedGPU:
		info.Type = gpucore.DeviceTypeIntegratedGPU
	default:
		info.Type = gpucore.DeviceTypeOther
	}
	return &Adapter{exposed: exposed, info: info, limits: limits}
}

// Info identifies the adapter.
func (a *Adapter) Info() gpucore.AdapterInfo { return a.info }

// QueueFamilies returns a single universal family.
func (a *Adapter) QueueFamilies() []gpucore.QueueFamily {
	return []gpucore.QueueFamily{{
		Index: 0,
		Caps:  gpucore.QueueGraphics | gpucore.QueueCompute | gpucore.QueueTransfer,
		Count: 1,
	}}
}

// MemoryTypes returns the synthesized memory types. Indices are stable.
func (a *Adapter) MemoryTypes() []gpucore.MemoryType {
	return []gpucore.MemoryType{
		{Index: 0, Heap: 0, Flags: gpucore.MemoryDeviceLocal},
		{Index: 1, Heap: 1, Flags: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent | gpucore.MemoryHostCached},
		{Index: 2, Heap: 1, Flags: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent},
	}
}

// MemoryHeaps reports one device and one host heap. The HAL does not
// expose heap sizes; the buffer size limit stands in for both.
func (a *Adapter) MemoryHeaps() []gpucore.MemoryHeap {
	return []gpucore.MemoryHeap{
		{Size: a.limits.MaxBufferSize, DeviceLocal: true},
		{Size: a.limits.MaxBufferSize},
	}
}

// Limits converts the HAL limits.
func (a *Adapter) Limits() gpucore.Limits {
	return convertLimits(a.limits)
}

// Open opens a logical device. Family must be 0.
func (a *Adapter) Open(family uint32) (gpucore.Device, error) {
	if family != 0 {
		return nil, fmt.Errorf("%w: queue family %d", gpucore.ErrNoDevice, family)
	}
	if a.shared != nil {
		return newDevice(a, a.shared.device, a.shared.queue, true), nil
	}
	openDev, err := a.exposed.Adapter.Open(gputypes.Features(0), a.limits)
	if err != nil {
		return nil, fmt.Errorf("%w: open device: %w", gpucore.ErrNoDevice, err)
	}
	logger.Load().Info("wgpu: device opened", "adapter", a.info.Name)
	return newDevice(a, openDev.Device, openDev.Queue, false), nil
}

// convertLimits maps the HAL limits the core validates against. Limits
// the HAL struct does not carry keep the WebGPU baseline.
func convertLimits(l gputypes.Limits) gpucore.Limits {
	out := gpucore.DefaultLimits()
	if l.MaxBufferSize > 0 {
		out.MaxBufferSize = l.MaxBufferSize
	}
	if l.MaxTextureDimension2D > 0 {
		out.MaxImageDimension2D = l.MaxTextureDimension2D
	}
	if l.MaxComputeWorkgroupSizeX > 0 {
		out.MaxWorkgroupSize = [3]uint32{
			l.MaxComputeWorkgroupSizeX,
			l.MaxComputeWorkgroupSizeY,
			l.MaxComputeWorkgroupSizeZ,
		}
	}
	return out
}

var (
	_ gpucore.Driver  = (*Driver)(nil)
	_ gpucore.Adapter = (*Adapter)(nil)
	_ gpucore.Device  = (*Device)(nil)
)
