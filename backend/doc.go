// Package backend provides a pluggable device driver registry.
//
// Drivers register a [Factory] from init() functions and are selected at
// runtime by name or by priority. Importing a driver package registers it:
//
//	import _ "github.com/gogpu/gputask/backend/software"
//	import _ "github.com/gogpu/gputask/backend/wgpu"
//
// # Backend Selection
//
// Use OpenDefault() to open the best available driver, or Open() to request
// a specific driver by name:
//
//	// Open the default (best available) driver
//	d, err := backend.OpenDefault()
//
//	// Or request a specific driver
//	d, err := backend.Open(backend.BackendSoftware)
//
// # Available Backends
//
//   - "wgpu": GPU execution through the gogpu/wgpu HAL (Vulkan)
//   - "software": CPU reference device with host kernels
package backend
