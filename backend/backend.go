package backend

import (
	"errors"

	"github.com/gogpu/gputask/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoBackends is returned when no registered backend could be opened.
	ErrNoBackends = errors.New("backend: no backend could be opened")
)

// Backend name constants.
const (
	// BackendSoftware is the name of the CPU reference device.
	BackendSoftware = "software"

	// BackendWGPU is the name of the Pure Go GPU backend (gogpu/wgpu HAL).
	BackendWGPU = "wgpu"

	// BackendAuto selects the first backend that opens, in priority order.
	BackendAuto = "auto"
)

// Factory opens a driver. It returns an error wrapping
// gpucore.ErrNotInstalled when the driver's runtime is missing.
type Factory func() (gpucore.Driver, error)
