// Package gputask runs compute and transfer work on a GPU.
//
// # Overview
//
// gputask turns the one-shot task lifecycle of an explicit GPU API into a
// small Go surface: acquire a device, allocate buffers and images with
// placement hints, build a compute pipeline from a WGSL module, bind its
// resources, record a command sequence, submit it and wait for completion
// before reading results back on the host.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gputask"
//	    _ "github.com/gogpu/gputask/backend/software"
//	)
//
//	dev, err := gputask.AcquireDevice()
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	src, _ := gputask.NewBuffer(dev.Allocator(), []int32{1, 2, 3},
//	    gputask.BufferTransferSrc, gputask.PreferHost|gputask.HostSequentialWrite)
//	dst, _ := gputask.NewZeroedBuffer[int32](dev.Allocator(), 3,
//	    gputask.BufferTransferDst, gputask.PreferHost|gputask.HostRandomAccess)
//
//	seq, err := dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst).Finish()
//	if err != nil {
//	    return err
//	}
//	sub, err := dev.Queue().Submit(seq)
//	if err != nil {
//	    return err
//	}
//	if err := sub.Wait(ctx); err != nil {
//	    return err
//	}
//	values, err := gputask.ReadBuffer[int32](dst)
//
// # Lifecycle
//
// Control flows from the Device through the Allocator, the pipeline and
// descriptor builders, the sequence Builder and finally the Queue:
//
//	AcquireDevice ─► Allocator ─► BuildComputePipeline ─► DescriptorAllocator.Bind
//	                                                              │
//	ReadBuffer ◄── Submission.Wait ◄── Queue.Submit ◄── Builder.Finish
//
// Recording never touches the device. Invalid calls are caught while
// recording and reported by Builder.Finish, so no malformed sequence is
// ever submitted.
//
// # Resources In Flight
//
// Submitting a sequence marks every resource it references as in flight
// until a successful Wait. Host reads, host writes and Release of an
// in-flight resource fail with ErrResourceInFlight instead of racing with
// the device.
//
// # Drivers
//
// Devices come from drivers registered in package backend. The wgpu driver
// runs on a real GPU through gogpu/wgpu; the software driver executes the
// same sequences on the CPU with host kernels attached to shader modules.
// AcquireDevice tries the registered drivers in priority order.
//
// # Errors
//
// Every failure is an *Error naming the lifecycle Stage and wrapping one of
// the package sentinels, so callers can use errors.Is and errors.As.
package gputask

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
