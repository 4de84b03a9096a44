package gputask

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputask/gpucore"
)

// Binding supplies the resource for one slot of a descriptor set.
type Binding struct {
	slot   uint32
	buffer *Buffer
	image  *Image
}

// BufferBinding binds a buffer to a slot.
func BufferBinding(slot uint32, b *Buffer) Binding {
	return Binding{slot: slot, buffer: b}
}

// ImageBinding binds an image to a slot.
func ImageBinding(slot uint32, img *Image) Binding {
	return Binding{slot: slot, image: img}
}

// Slot returns the binding number.
func (b Binding) Slot() uint32 { return b.slot }

func (b Binding) res() *resource {
	if b.buffer != nil {
		return &b.buffer.resource
	}
	if b.image != nil {
		return &b.image.resource
	}
	return nil
}

// DescriptorSet binds resources to every slot of one set of a pipeline
// layout.
type DescriptorSet struct {
	resource

	id       gpucore.BindGroupID
	pipeline *Pipeline
	set      uint32
	bindings []Binding
}

// Pipeline returns the pipeline whose layout the set was checked against.
func (ds *DescriptorSet) Pipeline() *Pipeline { return ds.pipeline }

// Set returns the set index.
func (ds *DescriptorSet) Set() uint32 { return ds.set }

// Release destroys the descriptor set. The bound resources stay alive.
func (ds *DescriptorSet) Release() error {
	destroy, err := ds.beginRelease()
	if err != nil {
		return newError(StageBinding, "release descriptor set", err, nil)
	}
	if destroy {
		ds.dev.dev.DestroyBindGroup(ds.id)
	}
	return nil
}

// resources returns the set itself followed by every bound resource.
func (ds *DescriptorSet) resources() []*resource {
	out := make([]*resource, 0, len(ds.bindings)+1)
	out = append(out, &ds.resource)
	for _, b := range ds.bindings {
		out = append(out, b.res())
	}
	return out
}

// DescriptorAllocator creates descriptor sets on a device.
type DescriptorAllocator struct {
	dev *Device
}

// Bind creates a descriptor set for set index set of p's layout. Every slot
// the set declares must be filled exactly once with a resource of the slot's
// kind and usage.
func (a *DescriptorAllocator) Bind(p *Pipeline, set uint32, bindings ...Binding) (*DescriptorSet, error) {
	const op = "bind descriptor set"
	d := a.dev
	if err := d.checkOpen(StageBinding, op); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errorf(StageBinding, op, ErrLayoutMismatch, "nil pipeline")
	}
	if err := p.checkUsable(d); err != nil {
		return nil, newError(StageBinding, op, ErrLayoutMismatch, fmt.Errorf("pipeline %q: %w", p.label, err))
	}
	if int(set) >= len(p.layout.Sets) {
		return nil, errorf(StageBinding, op, ErrLayoutMismatch,
			"pipeline %q has %d descriptor sets, set %d requested", p.label, len(p.layout.Sets), set)
	}
	layout := p.layout.Sets[set]

	seen := make(map[uint32]bool, len(bindings))
	entries := make([]gpucore.BindGroupEntry, 0, len(bindings))
	for _, b := range bindings {
		if seen[b.slot] {
			return nil, errorf(StageBinding, op, ErrLayoutMismatch, "set %d: binding %d supplied twice", set, b.slot)
		}
		seen[b.slot] = true

		slot, ok := layout.Slot(b.slot)
		if !ok {
			return nil, errorf(StageBinding, op, ErrLayoutMismatch,
				"set %d: binding %d is not declared by %q", set, b.slot, p.label)
		}
		e, err := checkBinding(d, slot, b)
		if err != nil {
			return nil, newError(StageBinding, op, ErrLayoutMismatch, fmt.Errorf("set %d: binding %d: %w", set, b.slot, err))
		}
		entries = append(entries, e)
	}
	for _, slot := range layout.Slots {
		if !seen[slot.Binding] {
			return nil, errorf(StageBinding, op, ErrLayoutMismatch,
				"set %d: binding %d (%s %q) is not filled", set, slot.Binding, slot.Kind, slot.Name)
		}
	}

	id, err := d.dev.CreateBindGroup(&gpucore.BindGroupDesc{
		Label:    p.label,
		Pipeline: p.id,
		Set:      set,
		Entries:  entries,
	})
	if err != nil {
		return nil, driverError(StageBinding, op, ErrLayoutMismatch, err)
	}
	return &DescriptorSet{
		resource: resource{dev: d, label: p.label},
		id:       id,
		pipeline: p,
		set:      set,
		bindings: append([]Binding(nil), bindings...),
	}, nil
}

// checkBinding validates a resource against its slot and lowers it.
func checkBinding(d *Device, slot Slot, b Binding) (gpucore.BindGroupEntry, error) {
	e := gpucore.BindGroupEntry{Binding: b.slot}
	r := b.res()
	if r == nil {
		return e, errors.New("no resource supplied")
	}
	if b.buffer != nil && b.image != nil {
		return e, errors.New("both a buffer and an image supplied")
	}
	if err := r.checkUsable(d); err != nil {
		return e, err
	}

	if slot.Kind.IsBuffer() {
		if b.buffer == nil {
			return e, fmt.Errorf("slot %q is a %s, got an image", slot.Name, slot.Kind)
		}
		need := BufferStorage
		if slot.Kind == gpucore.BindingUniformBuffer {
			need = BufferUniform
		}
		if b.buffer.usage&need == 0 {
			return e, fmt.Errorf("%s slot %q needs buffer usage %s, buffer %q has %s",
				slot.Kind, slot.Name, need, b.buffer.label, b.buffer.usage)
		}
		e.Buffer = b.buffer.id
		return e, nil
	}

	if b.image == nil {
		return e, fmt.Errorf("slot %q is a %s, got a buffer", slot.Name, slot.Kind)
	}
	need := ImageSampled
	if slot.Kind == gpucore.BindingStorageImage {
		need = ImageStorage
		if slot.Format != 0 && slot.Format != b.image.format {
			return e, fmt.Errorf("slot %q needs format %s, image %q is %s",
				slot.Name, slot.Format, b.image.label, b.image.format)
		}
	}
	if b.image.usage&need == 0 {
		return e, fmt.Errorf("%s slot %q needs image usage %s, image %q has %s",
			slot.Kind, slot.Name, need, b.image.label, b.image.usage)
	}
	e.Image = b.image.id
	return e, nil
}
