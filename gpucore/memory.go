package gpucore

import "math/bits"

// MemoryFlags describes the properties of a memory type.
type MemoryFlags uint32

// Memory property flags.
const (
	// MemoryDeviceLocal memory is fastest for device access.
	MemoryDeviceLocal MemoryFlags = 1 << 0

	// MemoryHostVisible memory can be mapped and accessed by the host.
	MemoryHostVisible MemoryFlags = 1 << 1

	// MemoryHostCoherent memory needs no explicit flush or invalidate.
	MemoryHostCoherent MemoryFlags = 1 << 2

	// MemoryHostCached memory is cached on the host, which makes host
	// reads and random access fast.
	MemoryHostCached MemoryFlags = 1 << 3
)

func (f MemoryFlags) String() string {
	return flagString(uint32(f), []string{"DeviceLocal", "HostVisible", "HostCoherent", "HostCached"})
}

// MemoryHeap is a pool of memory that memory types allocate from.
type MemoryHeap struct {
	Size        uint64
	DeviceLocal bool
}

// MemoryType is one allocatable kind of memory of an adapter.
type MemoryType struct {
	Index int
	Heap  int
	Flags MemoryFlags
}

// HostVisible reports whether allocations of this type can be mapped.
func (t MemoryType) HostVisible() bool {
	return t.Flags&MemoryHostVisible != 0
}

// MemoryRequest filters memory types. A type qualifies when it has every
// Required flag; among qualifying types the one matching the most Preferred
// and the fewest NotPreferred flags wins, earliest index first.
type MemoryRequest struct {
	Required     MemoryFlags
	Preferred    MemoryFlags
	NotPreferred MemoryFlags
}

// SelectMemoryType picks the best memory type for req.
func SelectMemoryType(types []MemoryType, req MemoryRequest) (MemoryType, bool) {
	best := -1
	bestScore := 0
	for i, mt := range types {
		if mt.Flags&req.Required != req.Required {
			continue
		}
		score := bits.OnesCount32(uint32(mt.Flags&req.Preferred)) -
			bits.OnesCount32(uint32(mt.Flags&req.NotPreferred))
		if best < 0 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return MemoryType{}, false
	}
	return types[best], true
}
