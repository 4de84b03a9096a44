// Package gpucore defines the driver contract used by the gputask core.
//
// A driver exposes adapters; an adapter advertises queue families, memory
// types and limits, and opens a logical [Device]. Every device resource is
// referred to by an opaque ID ([BufferID], [ImageID], ...). Each driver keeps
// its own mapping between IDs and backend objects.
//
//	+-----------------------+
//	|        gputask        |  validation, lifetimes, sequencing
//	+-----------+-----------+
//	            | gpucore.Device
//	   +--------+--------+
//	   |                 |
//	+--v-----------+  +--v-----------+
//	| backend/wgpu |  |   software   |
//	|  (hal.Device)|  | (host memory)|
//	+--------------+  +--------------+
//
// # Commands
//
// Recorded work reaches a driver as a flat slice of [Command] values. The
// core resolves all recording state before lowering, so every command is
// self-contained: a [DispatchCmd] carries the pipeline and the bind groups it
// runs with. Drivers execute commands in slice order.
//
// # Kernels
//
// Devices that cannot execute shader bytecode run a host [Kernel] attached
// to the shader module. A kernel is invoked once per shader invocation with
// access to the bound resources through [Resources].
package gpucore
