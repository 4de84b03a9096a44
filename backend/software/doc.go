// Package software implements a CPU reference device for gputask.
//
// The device keeps every resource in host memory and executes submitted
// command streams on a dedicated queue goroutine, so submissions complete
// asynchronously exactly like on a GPU. Compute dispatches run the host
// [gpucore.Kernel] attached to the shader module, one call per invocation,
// with workgroups spread over a worker pool.
//
// The device advertises two queue families: family 0 supports transfers
// only, family 1 supports graphics, compute and transfer work. Memory is
// split into a device heap and a host heap, each with a budget; allocations
// beyond the budget fail with [gpucore.ErrOutOfMemory].
//
// Importing the package registers the driver under the name "software":
//
//	import _ "github.com/gogpu/gputask/backend/software"
package software
