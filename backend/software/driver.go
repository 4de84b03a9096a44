package software

import (
	"log/slog"

	"github.com/gogpu/gputask/backend"
	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/internal/logging"
)

// Default device configuration.
const (
	// DefaultDeviceHeapMB is the default budget of the device-local heap.
	DefaultDeviceHeapMB = 512

	// DefaultHostHeapMB is the default budget of the host heap.
	DefaultHostHeapMB = 512

	// AdapterName is the name reported by the software adapter.
	AdapterName = "gputask software device"
)

// init registers the software driver on package import.
func init() {
	backend.Register(backend.BackendSoftware, func() (gpucore.Driver, error) {
		return New(), nil
	})
}

// Option configures a software driver.
type Option func(*config)

type config struct {
	deviceHeapMB int
	hostHeapMB   int
	workers      int
	families     []gpucore.QueueFamily
	limits       gpucore.Limits
}

// WithMemoryBudget sets the device-local and host heap budgets in megabytes.
// Values <= 0 keep the defaults.
func WithMemoryBudget(deviceMB, hostMB int) Option {
	return func(c *config) {
		if deviceMB > 0 {
			c.deviceHeapMB = deviceMB
		}
		if hostMB > 0 {
			c.hostHeapMB = hostMB
		}
	}
}

// WithWorkers sets the number of goroutines executing workgroups.
// If n is 0 or negative, GOMAXPROCS is used.
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithQueueFamilies replaces the advertised queue families.
// Family indices are reassigned in slice order.
func WithQueueFamilies(families ...gpucore.QueueFamily) Option {
	return func(c *config) {
		c.families = make([]gpucore.QueueFamily, len(families))
		for i, f := range families {
			f.Index = uint32(i) //nolint:gosec // G115: family count is tiny
			if f.Count == 0 {
				f.Count = 1
			}
			c.families[i] = f
		}
	}
}

// WithLimits replaces the device limits.
func WithLimits(l gpucore.Limits) Option {
	return func(c *config) { c.limits = l }
}

// Driver is the software device runtime. It exposes a single adapter.
type Driver struct {
	adapter *Adapter
}

// New creates a software driver.
func New(opts ...Option) *Driver {
	cfg := config{
		deviceHeapMB: DefaultDeviceHeapMB,
		hostHeapMB:   DefaultHostHeapMB,
		families: []gpucore.QueueFamily{
			{Index: 0, Caps: gpucore.QueueTransfer, Count: 1},
			{Index: 1, Caps: gpucore.QueueGraphics | gpucore.QueueCompute | gpucore.QueueTransfer, Count: 1},
		},
		limits: gpucore.DefaultLimits(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{adapter: newAdapter(cfg)}
}

// Name returns "software".
func (d *Driver) Name() string { return backend.BackendSoftware }

// Adapters returns the single software adapter.
func (d *Driver) Adapters() ([]gpucore.Adapter, error) {
	return []gpucore.Adapter{d.adapter}, nil
}

// Close releases the driver.
func (d *Driver) Close() {}

// logger is shared by every device the driver opens.
var logger logging.Slot

// SetLogger sets the logger for the software driver.
func (d *Driver) SetLogger(l *slog.Logger) {
	logger.Store(l)
}
