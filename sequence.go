package gputask

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputask/gpucore"
)

// ClearColor is a normalized RGBA color.
type ClearColor struct {
	R, G, B, A float32
}

type opKind uint8

const (
	opCopyBuffer opKind = iota + 1
	opClearImage
	opCopyImageToBuffer
	opBindPipeline
	opBindDescriptorSet
	opDispatch
)

func (k opKind) String() string {
	switch k {
	case opCopyBuffer:
		return "copy buffer"
	case opClearImage:
		return "clear image"
	case opCopyImageToBuffer:
		return "copy image to buffer"
	case opBindPipeline:
		return "bind pipeline"
	case opBindDescriptorSet:
		return "bind descriptor set"
	case opDispatch:
		return "dispatch"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// op is one recorded operation. Which fields are set depends on kind.
type op struct {
	kind     opKind
	src, dst *Buffer
	image    *Image
	color    ClearColor
	pipeline *Pipeline
	set      uint32
	ds       *DescriptorSet
	groups   [3]uint32

	// dsList holds the sets a dispatch uses, indexed by set number.
	dsList []*DescriptorSet
}

// Builder records a one-time command sequence for one queue family.
//
// Every call is validated against the state recorded so far. The first
// invalid call is remembered and all later calls are ignored; Finish
// reports it as ErrSequenceBuildFailure. A Builder is not safe for
// concurrent use.
type Builder struct {
	dev    *Device
	family uint32
	ops    []op

	err      error
	errIndex int
	errKind  opKind
	finished bool

	// Recording state replayed by Dispatch.
	pipeline *Pipeline
	sets     []*DescriptorSet
}

// BeginSequence starts recording a sequence for the given queue family,
// which must be the family of the device queue.
func (d *Device) BeginSequence(family uint32) *Builder {
	b := &Builder{dev: d, family: family}
	if err := d.checkOpen(StageSequencing, "begin sequence"); err != nil {
		b.fail(0, 0, err)
		return b
	}
	if family != d.family.Index {
		b.fail(0, 0, fmt.Errorf("queue family %d requested, device queue belongs to family %d",
			family, d.family.Index))
	}
	return b
}

// Err returns the first recording error, if any.
func (b *Builder) Err() error { return b.err }

// Len returns the number of recorded operations.
func (b *Builder) Len() int { return len(b.ops) }

func (b *Builder) fail(index int, kind opKind, err error) {
	if b.err == nil {
		b.err = err
		b.errIndex = index
		b.errKind = kind
	}
}

// record validates and appends one op unless an earlier op failed. It
// reports whether the op was appended.
func (b *Builder) record(o *op, check func() error) bool {
	if b.err != nil || b.finished {
		return false
	}
	if err := check(); err != nil {
		b.fail(len(b.ops), o.kind, err)
		return false
	}
	b.ops = append(b.ops, *o)
	return true
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsageViolation, fmt.Sprintf(format, args...))
}

func (b *Builder) checkResource(what string, r *resource) error {
	if err := r.checkUsable(b.dev); err != nil {
		return fmt.Errorf("%s %q: %w", what, r.label, err)
	}
	return nil
}

func (b *Builder) requireCaps(kind opKind, caps QueueCaps) error {
	if b.dev.family.Caps&caps == 0 {
		return fmt.Errorf("%s needs a %s queue, family %d supports %s",
			kind, caps, b.dev.family.Index, b.dev.family.Caps)
	}
	return nil
}

// CopyBuffer copies min(src.Size(), dst.Size()) bytes from the start of src
// to the start of dst.
func (b *Builder) CopyBuffer(src, dst *Buffer) *Builder {
	b.record(&op{kind: opCopyBuffer, src: src, dst: dst}, func() error {
		if src == nil || dst == nil {
			return errors.New("nil buffer")
		}
		if err := b.checkResource("source buffer", &src.resource); err != nil {
			return err
		}
		if err := b.checkResource("destination buffer", &dst.resource); err != nil {
			return err
		}
		if src == dst {
			return usageError("buffer %q is both source and destination", src.label)
		}
		if src.usage&BufferTransferSrc == 0 {
			return usageError("source buffer %q lacks TransferSrc (usage %s)", src.label, src.usage)
		}
		if dst.usage&BufferTransferDst == 0 {
			return usageError("destination buffer %q lacks TransferDst (usage %s)", dst.label, dst.usage)
		}
		return nil
	})
	return b
}

// ClearImage fills every texel of img with color.
func (b *Builder) ClearImage(img *Image, color ClearColor) *Builder {
	b.record(&op{kind: opClearImage, image: img, color: color}, func() error {
		if img == nil {
			return errors.New("nil image")
		}
		if err := b.checkResource("image", &img.resource); err != nil {
			return err
		}
		if err := b.requireCaps(opClearImage, QueueGraphics|QueueCompute); err != nil {
			return err
		}
		if img.usage&ImageTransferDst == 0 {
			return usageError("image %q lacks TransferDst (usage %s)", img.label, img.usage)
		}
		return nil
	})
	return b
}

// CopyImageToBuffer copies the whole image into dst as tightly packed rows.
// dst must hold at least img.ByteSize() bytes.
func (b *Builder) CopyImageToBuffer(img *Image, dst *Buffer) *Builder {
	b.record(&op{kind: opCopyImageToBuffer, image: img, dst: dst}, func() error {
		if img == nil || dst == nil {
			return errors.New("nil image or buffer")
		}
		if err := b.checkResource("image", &img.resource); err != nil {
			return err
		}
		if err := b.checkResource("destination buffer", &dst.resource); err != nil {
			return err
		}
		if img.usage&ImageTransferSrc == 0 {
			return usageError("image %q lacks TransferSrc (usage %s)", img.label, img.usage)
		}
		if dst.usage&BufferTransferDst == 0 {
			return usageError("destination buffer %q lacks TransferDst (usage %s)", dst.label, dst.usage)
		}
		if dst.size < img.ByteSize() {
			return fmt.Errorf("buffer %q holds %d bytes, image %q needs %d",
				dst.label, dst.size, img.label, img.ByteSize())
		}
		return nil
	})
	return b
}

// BindPipeline makes p the pipeline used by later dispatches. Bound
// descriptor sets stay bound.
func (b *Builder) BindPipeline(p *Pipeline) *Builder {
	ok := b.record(&op{kind: opBindPipeline, pipeline: p}, func() error {
		if p == nil {
			return errors.New("nil pipeline")
		}
		if err := b.checkResource("pipeline", &p.resource); err != nil {
			return err
		}
		return b.requireCaps(opBindPipeline, QueueCompute)
	})
	if ok {
		b.pipeline = p
	}
	return b
}

// BindDescriptorSet binds ds at set index set for pipeline p.
func (b *Builder) BindDescriptorSet(p *Pipeline, set uint32, ds *DescriptorSet) *Builder {
	ok := b.record(&op{kind: opBindDescriptorSet, pipeline: p, set: set, ds: ds}, func() error {
		if p == nil || ds == nil {
			return errors.New("nil pipeline or descriptor set")
		}
		if err := b.checkResource("pipeline", &p.resource); err != nil {
			return err
		}
		if err := b.checkResource("descriptor set", &ds.resource); err != nil {
			return err
		}
		if err := b.requireCaps(opBindDescriptorSet, QueueCompute); err != nil {
			return err
		}
		if int(set) >= len(p.layout.Sets) {
			return fmt.Errorf("%w: pipeline %q has %d descriptor sets, set %d bound",
				ErrLayoutMismatch, p.label, len(p.layout.Sets), set)
		}
		if !compatibleSet(p, set, ds) {
			return fmt.Errorf("%w: descriptor set built for set %d of %q does not match set %d of %q",
				ErrLayoutMismatch, ds.set, ds.pipeline.label, set, p.label)
		}
		return nil
	})
	if ok {
		for uint32(len(b.sets)) <= set { //nolint:gosec // G115: bounded by layout size
			b.sets = append(b.sets, nil)
		}
		b.sets[set] = ds
	}
	return b
}

// Dispatch runs the bound pipeline over x*y*z workgroups.
func (b *Builder) Dispatch(x, y, z uint32) *Builder {
	groups := [3]uint32{x, y, z}
	o := &op{kind: opDispatch, groups: groups}
	b.record(o, func() error {
		if err := b.requireCaps(opDispatch, QueueCompute); err != nil {
			return err
		}
		p := b.pipeline
		if p == nil {
			return errors.New("no pipeline bound")
		}
		if err := b.checkResource("pipeline", &p.resource); err != nil {
			return err
		}
		limit := b.dev.limits.MaxWorkgroupCount
		for _, g := range groups {
			if g == 0 || g > limit {
				return fmt.Errorf("workgroup count %v: every dimension must be in [1, %d]", groups, limit)
			}
		}
		sets := make([]*DescriptorSet, len(p.layout.Sets))
		for i, sl := range p.layout.Sets {
			var ds *DescriptorSet
			if i < len(b.sets) {
				ds = b.sets[i]
			}
			if ds == nil {
				if len(sl.Slots) > 0 {
					return fmt.Errorf("%w: set %d of %q is not bound", ErrLayoutMismatch, i, p.label)
				}
				continue
			}
			if !compatibleSet(p, sl.Index, ds) {
				return fmt.Errorf("%w: bound set %d does not match the layout of %q", ErrLayoutMismatch, i, p.label)
			}
			if err := b.checkResource("descriptor set", &ds.resource); err != nil {
				return err
			}
			sets[i] = ds
		}
		o.pipeline = p
		o.dsList = sets
		return nil
	})
	return b
}

// compatibleSet reports whether ds can serve set index set of p.
func compatibleSet(p *Pipeline, set uint32, ds *DescriptorSet) bool {
	if ds.pipeline == p && ds.set == set {
		return true
	}
	if int(ds.set) >= len(ds.pipeline.layout.Sets) || int(set) >= len(p.layout.Sets) {
		return false
	}
	a, b := ds.pipeline.layout.Sets[ds.set].Slots, p.layout.Sets[set].Slots
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Binding != b[i].Binding || a[i].Kind != b[i].Kind || a[i].Format != b[i].Format {
			return false
		}
	}
	return true
}

// Finish validates the recording and returns the immutable sequence.
func (b *Builder) Finish() (*Sequence, error) {
	const opName = "finish sequence"
	if b.finished {
		return nil, errorf(StageSequencing, opName, ErrSequenceBuildFailure, "builder already finished")
	}
	b.finished = true
	if b.err != nil {
		if b.errKind == 0 {
			return nil, newError(StageSequencing, opName, ErrSequenceBuildFailure, b.err)
		}
		return nil, newError(StageSequencing, opName, ErrSequenceBuildFailure,
			fmt.Errorf("op %d (%s): %w", b.errIndex, b.errKind, b.err))
	}
	if len(b.ops) == 0 {
		return nil, errorf(StageSequencing, opName, ErrSequenceBuildFailure, "empty sequence")
	}

	seq := &Sequence{dev: b.dev, family: b.family, ops: len(b.ops)}
	seen := make(map[*resource]bool)
	ref := func(r *resource) {
		if !seen[r] {
			seen[r] = true
			seq.refs = append(seq.refs, r)
		}
	}
	for _, o := range b.ops {
		switch o.kind {
		case opCopyBuffer:
			ref(&o.src.resource)
			ref(&o.dst.resource)
			seq.cmds = append(seq.cmds, gpucore.CopyBufferCmd{
				Src:  o.src.id,
				Dst:  o.dst.id,
				Size: min(o.src.size, o.dst.size),
			})
		case opClearImage:
			ref(&o.image.resource)
			seq.cmds = append(seq.cmds, gpucore.ClearImageCmd{
				Image: o.image.id,
				Color: [4]float32{o.color.R, o.color.G, o.color.B, o.color.A},
			})
		case opCopyImageToBuffer:
			ref(&o.image.resource)
			ref(&o.dst.resource)
			seq.cmds = append(seq.cmds, gpucore.CopyImageToBufferCmd{
				Src:    o.image.id,
				Dst:    o.dst.id,
				Width:  o.image.extent.Width,
				Height: o.image.extent.Height,
				Format: o.image.format,
			})
		case opDispatch:
			ref(&o.pipeline.resource)
			groups := make([]gpucore.BindGroupID, len(o.dsList))
			for i, ds := range o.dsList {
				if ds == nil {
					continue
				}
				groups[i] = ds.id
				for _, r := range ds.resources() {
					ref(r)
				}
			}
			seq.cmds = append(seq.cmds, gpucore.DispatchCmd{
				Pipeline:   o.pipeline.id,
				BindGroups: groups,
				Groups:     o.groups,
			})
		case opBindPipeline, opBindDescriptorSet:
			// Folded into the dispatches that follow.
		}
	}
	return seq, nil
}

// Sequence is a finished, immutable command sequence. It can be submitted
// once.
type Sequence struct {
	dev    *Device
	family uint32
	ops    int
	cmds   []gpucore.Command
	refs   []*resource

	consumed atomic.Bool
}

// Len returns the number of recorded operations.
func (s *Sequence) Len() int { return s.ops }

// QueueFamily returns the family the sequence was recorded for.
func (s *Sequence) QueueFamily() uint32 { return s.family }

// Submitted reports whether the sequence was submitted.
func (s *Sequence) Submitted() bool { return s.consumed.Load() }

// WorkgroupCount returns the number of workgroups of size local needed to
// cover extent in every dimension. Zero extents count as one.
func WorkgroupCount(extent, local [3]uint32) [3]uint32 {
	var n [3]uint32
	for i := range n {
		e, l := max(extent[i], 1), max(local[i], 1)
		n[i] = e / l
		if e%l != 0 {
			n[i]++
		}
	}
	return n
}
