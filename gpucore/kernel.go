package gpucore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Invocation identifies one shader invocation of a dispatch.
type Invocation struct {
	GlobalID      [3]uint32
	LocalID       [3]uint32
	WorkgroupID   [3]uint32
	NumWorkgroups [3]uint32
	WorkgroupSize [3]uint32
}

// LocalIndex returns the flattened local invocation index.
func (inv Invocation) LocalIndex() uint32 {
	s := inv.WorkgroupSize
	return inv.LocalID[2]*s[0]*s[1] + inv.LocalID[1]*s[0] + inv.LocalID[0]
}

// Kernel is the host implementation of a compute entry point. It runs once
// per invocation; invocations of the same dispatch run concurrently and must
// only write disjoint elements.
type Kernel func(inv Invocation, res *Resources)

type slotKey struct {
	set     uint32
	binding uint32
}

// Resources gives a kernel access to the resources bound for a dispatch.
type Resources struct {
	buffers map[slotKey]*StorageBuffer
	images  map[slotKey]*StorageImage
}

// NewResources returns an empty resource table.
func NewResources() *Resources {
	return &Resources{
		buffers: make(map[slotKey]*StorageBuffer),
		images:  make(map[slotKey]*StorageImage),
	}
}

// SetBuffer binds b at (set, binding).
func (r *Resources) SetBuffer(set, binding uint32, b *StorageBuffer) {
	r.buffers[slotKey{set, binding}] = b
}

// SetImage binds img at (set, binding).
func (r *Resources) SetImage(set, binding uint32, img *StorageImage) {
	r.images[slotKey{set, binding}] = img
}

// Buffer returns the buffer bound at (set, binding). It panics if the slot is
// empty, which the executing device reports as a lost device.
func (r *Resources) Buffer(set, binding uint32) *StorageBuffer {
	b, ok := r.buffers[slotKey{set, binding}]
	if !ok {
		panic(fmt.Sprintf("gpucore: no buffer bound at set %d binding %d", set, binding))
	}
	return b
}

// Image returns the image bound at (set, binding). It panics if the slot is
// empty.
func (r *Resources) Image(set, binding uint32) *StorageImage {
	img, ok := r.images[slotKey{set, binding}]
	if !ok {
		panic(fmt.Sprintf("gpucore: no image bound at set %d binding %d", set, binding))
	}
	return img
}

// StorageBuffer is a little-endian view over buffer memory.
type StorageBuffer struct {
	data []byte
}

// NewStorageBuffer wraps data without copying.
func NewStorageBuffer(data []byte) *StorageBuffer {
	return &StorageBuffer{data: data}
}

// Bytes returns the underlying memory.
func (b *StorageBuffer) Bytes() []byte { return b.data }

// Len32 returns the number of 32-bit words in the buffer.
func (b *StorageBuffer) Len32() int { return len(b.data) / 4 }

// Uint32 returns word i. The accessors below read and write little-endian
// words and panic when i is out of range.
func (b *StorageBuffer) Uint32(i int) uint32 {
	return binary.LittleEndian.Uint32(b.data[i*4:])
}

func (b *StorageBuffer) SetUint32(i int, v uint32) {
	binary.LittleEndian.PutUint32(b.data[i*4:], v)
}

// Int32 returns word i as a signed integer.
func (b *StorageBuffer) Int32(i int) int32 {
	return int32(b.Uint32(i)) //nolint:gosec // G115: bit reinterpretation
}

func (b *StorageBuffer) SetInt32(i int, v int32) {
	b.SetUint32(i, uint32(v)) //nolint:gosec // G115: bit reinterpretation
}

// Float32 returns word i as an IEEE 754 float.
func (b *StorageBuffer) Float32(i int) float32 {
	return math.Float32frombits(b.Uint32(i))
}

func (b *StorageBuffer) SetFloat32(i int, v float32) {
	b.SetUint32(i, math.Float32bits(v))
}

// StorageImage is an RGBA8 image with tightly packed rows.
type StorageImage struct {
	Width  int
	Height int
	Pix    []byte
}

// Store writes a normalized color at (x, y). Out-of-bounds stores are
// discarded, matching WGSL textureStore.
func (img *StorageImage) Store(x, y int, c [4]float32) {
	if x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return
	}
	off := (y*img.Width + x) * 4
	for i := range 4 {
		img.Pix[off+i] = UnormToByte(c[i])
	}
}

// Load reads the normalized color at (x, y). Out-of-bounds loads return zero.
func (img *StorageImage) Load(x, y int) [4]float32 {
	var c [4]float32
	if x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return c
	}
	off := (y*img.Width + x) * 4
	for i := range 4 {
		c[i] = float32(img.Pix[off+i]) / 255
	}
	return c
}

// UnormToByte converts a normalized channel value to its 8-bit encoding.
func UnormToByte(v float32) uint8 {
	if v != v || v <= 0 { // NaN or negative
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
