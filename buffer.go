package gputask

import (
	"encoding/binary"

	"github.com/gogpu/gputask/gpucore"
)

// Buffer is a linear device allocation of a fixed number of elements.
//
// A Buffer stays valid until Release or Device.Close. Host access through
// ReadBuffer, WriteBuffer and Bytes fails with ErrResourceInFlight while a
// pending submission references the buffer.
type Buffer struct {
	resource

	id        gpucore.BufferID
	size      uint64
	elemSize  int
	count     int
	usage     BufferUsage
	placement Placement
	memory    gpucore.MemoryType
}

// Len returns the number of elements.
func (b *Buffer) Len() int { return b.count }

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// ElementSize returns the size of one element in bytes.
func (b *Buffer) ElementSize() int { return b.elemSize }

// Usage returns the usage flags the buffer was created with.
func (b *Buffer) Usage() BufferUsage { return b.usage }

// Placement returns the placement hint the buffer was created with.
func (b *Buffer) Placement() Placement { return b.placement }

// HostVisible reports whether the host can read and write the buffer.
func (b *Buffer) HostVisible() bool { return b.memory.HostVisible() }

// Release destroys the buffer. Releasing twice is a no-op.
func (b *Buffer) Release() error {
	destroy, err := b.beginRelease()
	if err != nil {
		return newError(StageAllocation, "release buffer", err, nil)
	}
	if destroy {
		b.dev.dev.DestroyBuffer(b.id)
		b.dev.allocator.releasedBuffer(b.size)
	}
	return nil
}

// hostRead copies the buffer contents to the host.
func (b *Buffer) hostRead(op string) ([]byte, error) {
	b.dev.trackMu.Lock()
	defer b.dev.trackMu.Unlock()
	if err := b.checkHostLocked(); err != nil {
		return nil, newError(StageReadback, op, err, nil)
	}
	if !b.memory.HostVisible() {
		return nil, errorf(StageReadback, op, ErrNotHostVisible, "buffer %q uses %s memory", b.label, b.memory.Flags)
	}
	raw := make([]byte, b.size)
	if err := b.dev.dev.ReadBuffer(b.id, 0, raw); err != nil {
		return nil, driverError(StageReadback, op, ErrNotHostVisible, err)
	}
	return raw, nil
}

// Bytes returns a copy of the raw buffer contents.
func (b *Buffer) Bytes() ([]byte, error) {
	return b.hostRead("read bytes")
}

// ReadBuffer returns a copy of the buffer contents as elements of type T.
// T must have the element size the buffer was created with.
func ReadBuffer[T Element](b *Buffer) ([]T, error) {
	const op = "read buffer"
	if err := checkElement[T](b); err != nil {
		return nil, newError(StageReadback, op, ErrUsageViolation, err)
	}
	raw, err := b.hostRead(op)
	if err != nil {
		return nil, err
	}
	out := make([]T, b.count)
	if _, err := binary.Decode(raw, binary.LittleEndian, out); err != nil {
		return nil, newError(StageReadback, op, ErrUsageViolation, err)
	}
	return out, nil
}

// WriteBuffer overwrites the buffer contents starting at element offset.
func WriteBuffer[T Element](b *Buffer, offset int, data []T) error {
	const op = "write buffer"
	if err := checkElement[T](b); err != nil {
		return newError(StageReadback, op, ErrUsageViolation, err)
	}
	if offset < 0 || offset+len(data) > b.count {
		return errorf(StageReadback, op, ErrUsageViolation,
			"range [%d, %d) exceeds %d elements", offset, offset+len(data), b.count)
	}
	raw, err := binary.Append(nil, binary.LittleEndian, data)
	if err != nil {
		return newError(StageReadback, op, ErrUsageViolation, err)
	}

	b.dev.trackMu.Lock()
	defer b.dev.trackMu.Unlock()
	if err := b.checkHostLocked(); err != nil {
		return newError(StageReadback, op, err, nil)
	}
	if !b.memory.HostVisible() {
		return errorf(StageReadback, op, ErrNotHostVisible, "buffer %q uses %s memory", b.label, b.memory.Flags)
	}
	byteOffset := uint64(offset) * uint64(b.elemSize) //nolint:gosec // G115: offset checked above
	if err := b.dev.dev.WriteBuffer(b.id, byteOffset, raw); err != nil {
		return driverError(StageReadback, op, ErrNotHostVisible, err)
	}
	return nil
}
