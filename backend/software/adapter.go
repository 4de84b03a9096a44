package software

import (
	"fmt"

	"github.com/gogpu/gputask/gpucore"
)

// Adapter is the software physical device.
type Adapter struct {
	cfg   config
	heaps []gpucore.MemoryHeap
	types []gpucore.MemoryType
}

func newAdapter(cfg config) *Adapter {
	//nolint:gosec // G115: budgets are positive megabyte counts
	heaps := []gpucore.MemoryHeap{
		heapDevice: {Size: uint64(cfg.deviceHeapMB) << 20, DeviceLocal: true},
		heapHost:   {Size: uint64(cfg.hostHeapMB) << 20},
	}
	types := []gpucore.MemoryType{
		{Index: 0, Heap: heapDevice, Flags: gpucore.MemoryDeviceLocal},
		{Index: 1, Heap: heapHost, Flags: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent},
		{Index: 2, Heap: heapHost, Flags: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent | gpucore.MemoryHostCached},
		{Index: 3, Heap: heapDevice, Flags: gpucore.MemoryDeviceLocal | gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent},
	}
	return &Adapter{cfg: cfg, heaps: heaps, types: types}
}

// Info describes the adapter.
func (a *Adapter) Info() gpucore.AdapterInfo {
	return gpucore.AdapterInfo{
		Name:   AdapterName,
		Vendor: "gogpu",
		Type:   gpucore.DeviceTypeCPU,
		Driver: "software",
	}
}

// QueueFamilies returns the advertised queue families.
func (a *Adapter) QueueFamilies() []gpucore.QueueFamily {
	return append([]gpucore.QueueFamily(nil), a.cfg.families...)
}

// MemoryTypes returns the memory types of the adapter.
func (a *Adapter) MemoryTypes() []gpucore.MemoryType {
	return append([]gpucore.MemoryType(nil), a.types...)
}

// MemoryHeaps returns the heaps with their budgets as sizes.
func (a *Adapter) MemoryHeaps() []gpucore.MemoryHeap {
	return append([]gpucore.MemoryHeap(nil), a.heaps...)
}

// Limits returns the configured limits.
func (a *Adapter) Limits() gpucore.Limits { return a.cfg.limits }

// Open creates a device with one queue from family.
func (a *Adapter) Open(family uint32) (gpucore.Device, error) {
	if int(family) >= len(a.cfg.families) {
		return nil, fmt.Errorf("software: queue family %d out of range (%d families)",
			family, len(a.cfg.families))
	}
	d := newDevice(a, a.cfg.families[family])
	logger.Load().Debug("software: device opened",
		"family", family,
		"caps", a.cfg.families[family].Caps.String(),
		"workers", d.pool.Workers())
	return d, nil
}
