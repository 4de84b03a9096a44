package software

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputask/gpucore"
)

// ErrMemoryBudgetExceeded is returned when an allocation would exceed a heap
// budget. It wraps gpucore.ErrOutOfMemory.
var ErrMemoryBudgetExceeded = fmt.Errorf("software: memory budget exceeded: %w", gpucore.ErrOutOfMemory)

// errUnknownHeap is returned for a heap index the adapter does not have.
var errUnknownHeap = errors.New("software: unknown memory heap")

// Heap indices of the software adapter.
const (
	heapDevice = 0
	heapHost   = 1
)

// MemoryStats contains heap usage statistics.
type MemoryStats struct {
	// TotalBytes is the heap budget in bytes.
	TotalBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// Allocations is the number of live allocations.
	Allocations int

	// Utilization is the fraction of the budget used (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, %d allocations]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.Allocations)
}

type heapState struct {
	budget      uint64
	used        uint64
	allocations int
}

// memoryManager tracks allocations per heap and enforces budgets.
//
// memoryManager is safe for concurrent use.
type memoryManager struct {
	mu    sync.Mutex
	heaps []heapState
}

func newMemoryManager(heaps []gpucore.MemoryHeap) *memoryManager {
	m := &memoryManager{heaps: make([]heapState, len(heaps))}
	for i, h := range heaps {
		m.heaps[i].budget = h.Size
	}
	return m
}

// alloc reserves size bytes on heap.
func (m *memoryManager) alloc(heap int, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if heap < 0 || heap >= len(m.heaps) {
		return fmt.Errorf("%w: %d", errUnknownHeap, heap)
	}
	h := &m.heaps[heap]
	if size > h.budget-h.used {
		return fmt.Errorf("%w: heap %d needs %d bytes, have %d bytes available",
			ErrMemoryBudgetExceeded, heap, size, h.budget-h.used)
	}
	h.used += size
	h.allocations++
	return nil
}

// free returns size bytes to heap.
func (m *memoryManager) free(heap int, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if heap < 0 || heap >= len(m.heaps) {
		return
	}
	h := &m.heaps[heap]
	h.used -= min(size, h.used)
	if h.allocations > 0 {
		h.allocations--
	}
}

// stats returns usage statistics for heap.
func (m *memoryManager) stats(heap int) MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if heap < 0 || heap >= len(m.heaps) {
		return MemoryStats{}
	}
	h := m.heaps[heap]
	var utilization float64
	if h.budget > 0 {
		utilization = float64(h.used) / float64(h.budget)
	}
	return MemoryStats{
		TotalBytes:     h.budget,
		UsedBytes:      h.used,
		AvailableBytes: h.budget - h.used,
		Allocations:    h.allocations,
		Utilization:    utilization,
	}
}
