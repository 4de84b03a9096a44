package gputask

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputask/backend"
	"github.com/gogpu/gputask/gpucore"
)

// QueueCaps is a bitmask of queue family capabilities.
type QueueCaps = gpucore.QueueCaps

// Queue capability flags.
const (
	QueueGraphics = gpucore.QueueGraphics
	QueueCompute  = gpucore.QueueCompute
	QueueTransfer = gpucore.QueueTransfer
)

// DeviceOption configures AcquireDevice.
type DeviceOption func(*deviceConfig)

type deviceConfig struct {
	backend      string
	driver       gpucore.Driver
	caps         QueueCaps
	adapterIndex int
}

// WithBackend selects a registered backend by name. The default,
// backend.BackendAuto, tries registered backends in priority order.
func WithBackend(name string) DeviceOption {
	return func(c *deviceConfig) { c.backend = name }
}

// WithDriver uses an already opened driver instead of the registry.
// The caller keeps ownership; Device.Close does not close it.
func WithDriver(d gpucore.Driver) DeviceOption {
	return func(c *deviceConfig) { c.driver = d }
}

// WithCapabilities sets the capabilities the queue family must advertise.
// The default is QueueCompute.
func WithCapabilities(caps QueueCaps) DeviceOption {
	return func(c *deviceConfig) { c.caps = caps }
}

// WithAdapterIndex restricts selection to the adapter at index i of the
// driver's enumeration. A negative index means the first suitable adapter.
func WithAdapterIndex(i int) DeviceOption {
	return func(c *deviceConfig) { c.adapterIndex = i }
}

// Device is an open logical device with a single queue.
//
// A Device owns the long-lived allocators shared by every task created on it.
// It is safe for concurrent use.
type Device struct {
	driver     gpucore.Driver
	ownsDriver bool
	adapter    gpucore.Adapter
	info       gpucore.AdapterInfo
	family     gpucore.QueueFamily
	dev        gpucore.Device
	limits     gpucore.Limits

	queue       *Queue
	allocator   *Allocator
	descriptors *DescriptorAllocator

	// trackMu guards in-flight counters of every resource and the pending set.
	trackMu sync.Mutex
	pending map[*Submission]struct{}

	lost   atomic.Bool
	closed atomic.Bool
}

// AcquireDevice selects an adapter exposing a queue family with the
// requested capabilities and opens a logical device with one queue from the
// first such family.
//
// It fails with ErrNoDriver when no device runtime is present and with
// ErrNoSuitableDevice when no adapter qualifies.
func AcquireDevice(opts ...DeviceOption) (*Device, error) {
	cfg := deviceConfig{backend: backend.BackendAuto, caps: QueueCompute, adapterIndex: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.caps == 0 {
		cfg.caps = QueueCompute
	}

	if cfg.driver != nil {
		d, err := openOn(cfg.driver, cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	names := []string{cfg.backend}
	if cfg.backend == backend.BackendAuto || cfg.backend == "" {
		names = backend.Ordered()
	}

	var causes []error
	anyDriver := false
	for _, name := range names {
		drv, err := backend.Open(name)
		if err != nil {
			Logger().Warn("gputask: backend skipped", "backend", name, "err", err)
			causes = append(causes, err)
			continue
		}
		d, err := openOn(drv, cfg)
		if err == nil {
			d.ownsDriver = true
			return d, nil
		}
		drv.Close()
		if !errors.Is(err, ErrNoDriver) {
			anyDriver = true
		}
		Logger().Warn("gputask: backend has no suitable device", "backend", name, "err", err)
		causes = append(causes, err)
	}

	if anyDriver {
		return nil, newError(StageDevice, "acquire", ErrNoSuitableDevice, errors.Join(causes...))
	}
	return nil, newError(StageDevice, "acquire", ErrNoDriver, errors.Join(causes...))
}

// openOn selects an adapter and queue family of drv and opens a device.
func openOn(drv gpucore.Driver, cfg deviceConfig) (*Device, error) {
	adapters, err := drv.Adapters()
	if err != nil {
		if errors.Is(err, gpucore.ErrNotInstalled) {
			return nil, newError(StageDevice, "enumerate adapters", ErrNoDriver, err)
		}
		return nil, newError(StageDevice, "enumerate adapters", ErrNoSuitableDevice, err)
	}
	if cfg.adapterIndex >= 0 {
		if cfg.adapterIndex >= len(adapters) {
			return nil, errorf(StageDevice, "select adapter", ErrNoSuitableDevice,
				"adapter index %d out of range (%d adapters)", cfg.adapterIndex, len(adapters))
		}
		adapters = adapters[cfg.adapterIndex : cfg.adapterIndex+1]
	}

	for _, a := range adapters {
		for _, fam := range a.QueueFamilies() {
			if fam.Count == 0 || !fam.Caps.Contains(cfg.caps) {
				continue
			}
			dev, err := a.Open(fam.Index)
			if err != nil {
				return nil, newError(StageDevice, "open device", ErrNoSuitableDevice, err)
			}
			return newDevice(drv, a, fam, dev), nil
		}
	}
	return nil, errorf(StageDevice, "select adapter", ErrNoSuitableDevice,
		"%s: no queue family supports %s", drv.Name(), cfg.caps)
}

func newDevice(drv gpucore.Driver, a gpucore.Adapter, fam gpucore.QueueFamily, dev gpucore.Device) *Device {
	d := &Device{
		driver:  drv,
		adapter: a,
		info:    a.Info(),
		family:  fam,
		dev:     dev,
		limits:  dev.Limits(),
		pending: make(map[*Submission]struct{}),
	}
	d.queue = &Queue{dev: d, family: fam.Index}
	d.allocator = newAllocator(d, a.MemoryTypes())
	d.descriptors = &DescriptorAllocator{dev: d}
	trackDriver(drv)

	Logger().Info("gputask: device acquired",
		"adapter", d.info.Name,
		"type", d.info.Type.String(),
		"driver", drv.Name(),
		"family", fam.Index,
		"caps", fam.Caps.String())
	return d
}

// Info describes the selected adapter.
func (d *Device) Info() gpucore.AdapterInfo { return d.info }

// QueueFamily returns the queue family the device queue belongs to.
func (d *Device) QueueFamily() gpucore.QueueFamily { return d.family }

// QueueFamilyIndex returns the index of the device queue's family.
func (d *Device) QueueFamilyIndex() uint32 { return d.family.Index }

// Queue returns the device queue.
func (d *Device) Queue() *Queue { return d.queue }

// Limits returns the device limits.
func (d *Device) Limits() gpucore.Limits { return d.limits }

// Allocator returns the device's memory allocator.
func (d *Device) Allocator() *Allocator { return d.allocator }

// DescriptorAllocator returns the device's descriptor set allocator.
func (d *Device) DescriptorAllocator() *DescriptorAllocator { return d.descriptors }

// Driver returns the driver the device was opened on.
func (d *Device) Driver() gpucore.Driver { return d.driver }

// Lost reports whether the device stopped executing work.
func (d *Device) Lost() bool { return d.lost.Load() }

func (d *Device) markLost(err error) {
	if d.lost.CompareAndSwap(false, true) {
		Logger().Error("gputask: device lost", "adapter", d.info.Name, "err", err)
	}
}

// WaitIdle waits for every pending submission. It returns the first wait error.
func (d *Device) WaitIdle(ctx context.Context) error {
	d.trackMu.Lock()
	subs := make([]*Submission, 0, len(d.pending))
	for s := range d.pending {
		subs = append(subs, s)
	}
	d.trackMu.Unlock()

	var first error
	for _, s := range subs {
		if err := s.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close waits for pending submissions and releases the device together with
// every resource still allocated on it. Close is safe to call multiple times.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.WaitIdle(context.Background())
	d.dev.Destroy()
	untrackDriver(d.driver)
	if d.ownsDriver {
		d.driver.Close()
	}
	Logger().Debug("gputask: device closed", "adapter", d.info.Name)
	if err != nil && !errors.Is(err, ErrDeviceLost) {
		return err
	}
	return nil
}

// checkOpen returns an error if the device can no longer accept work.
func (d *Device) checkOpen(stage Stage, op string) error {
	if d.closed.Load() {
		return newError(stage, op, ErrDeviceClosed, nil)
	}
	return nil
}

// resource is the lifetime state shared by every device object.
type resource struct {
	dev      *Device
	label    string
	inFlight int // guarded by dev.trackMu
	released atomic.Bool
}

// Label returns the debug label.
func (r *resource) Label() string { return r.label }

// InFlight reports whether a pending submission references the resource.
func (r *resource) InFlight() bool {
	r.dev.trackMu.Lock()
	defer r.dev.trackMu.Unlock()
	return r.inFlight > 0
}

// checkUsable validates that the resource belongs to dev and is alive.
func (r *resource) checkUsable(dev *Device) error {
	if r.dev != dev {
		return errors.New("resource belongs to another device")
	}
	if r.released.Load() {
		return ErrReleased
	}
	return nil
}

// checkHostLocked validates host access. Caller must hold dev.trackMu.
func (r *resource) checkHostLocked() error {
	if r.dev.closed.Load() {
		return ErrDeviceClosed
	}
	if r.released.Load() {
		return ErrReleased
	}
	if r.inFlight > 0 {
		return ErrResourceInFlight
	}
	return nil
}

// beginRelease marks the resource released and reports whether the driver
// object still has to be destroyed. It fails while the resource is in flight.
func (r *resource) beginRelease() (bool, error) {
	r.dev.trackMu.Lock()
	defer r.dev.trackMu.Unlock()
	if r.released.Load() {
		return false, nil
	}
	if r.inFlight > 0 {
		return false, ErrResourceInFlight
	}
	r.released.Store(true)
	return !r.dev.closed.Load(), nil
}
