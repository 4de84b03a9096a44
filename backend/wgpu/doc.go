// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu runs gputask work on real GPUs through the Pure Go
// gogpu/wgpu HAL.
//
// Importing the package registers the "wgpu" backend:
//
//	import _ "github.com/gogpu/gputask/backend/wgpu"
//
//	dev, err := gputask.AcquireDevice() // wgpu first, software fallback
//
// The driver opens a Vulkan instance. When no Vulkan loader is installed
// the factory fails with gpucore.ErrNotInstalled and selection falls
// through to the next backend.
//
// # Memory model
//
// The HAL hides memory types, so the adapter synthesizes three:
//
//	0  DeviceLocal
//	1  HostVisible|HostCoherent|HostCached   (readback)
//	2  HostVisible|HostCoherent              (upload)
//
// Every buffer lives in device memory. Host writes go through
// Queue.WriteBuffer; host reads copy into a MapRead staging buffer and wait
// for the copy to finish.
//
// # Shared devices
//
// NewProviderDriver reuses the device of a gpucontext.DeviceProvider
// (for example a gogpu window). The shared device is never destroyed by
// this package.
package wgpu
