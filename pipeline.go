package gputask

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/shader"
)

// Slot is one binding of a descriptor set layout.
type Slot struct {
	Binding uint32
	Kind    gpucore.BindingKind
	Access  shader.Access
	Stage   shader.Stage

	// Format is the texel format of storage image slots.
	Format Format

	// Name is the variable name of the declaration.
	Name string
}

// SetLayout is the ordered list of slots of one descriptor set.
type SetLayout struct {
	Index uint32
	Slots []Slot
}

// Slot returns the slot with the given binding number.
func (s SetLayout) Slot(binding uint32) (Slot, bool) {
	for _, sl := range s.Slots {
		if sl.Binding == binding {
			return sl, true
		}
	}
	return Slot{}, false
}

// Layout is the resource interface of a pipeline. Sets are indexed by set
// number; a set without declarations has no slots.
type Layout struct {
	Sets []SetLayout
}

// deriveLayout builds the layout from the bindings a module declares.
func deriveLayout(bindings []shader.Binding, stage shader.Stage) (Layout, error) {
	sorted := slices.Clone(bindings)
	slices.SortStableFunc(sorted, func(a, b shader.Binding) int {
		if a.Group != b.Group {
			return int(a.Group) - int(b.Group)
		}
		return int(a.Binding) - int(b.Binding)
	})

	var l Layout
	for i, b := range sorted {
		if i > 0 && sorted[i-1].Group == b.Group && sorted[i-1].Binding == b.Binding {
			return Layout{}, fmt.Errorf("%q and %q share @group(%d) @binding(%d)",
				sorted[i-1].Name, b.Name, b.Group, b.Binding)
		}
		for uint32(len(l.Sets)) <= b.Group { //nolint:gosec // G115: set count bounded by bind group limit
			l.Sets = append(l.Sets, SetLayout{Index: uint32(len(l.Sets))}) //nolint:gosec // G115: see above
		}
		set := &l.Sets[b.Group]
		set.Slots = append(set.Slots, Slot{
			Binding: b.Binding,
			Kind:    b.Kind,
			Access:  b.Access,
			Stage:   stage,
			Format:  b.Format,
			Name:    b.Name,
		})
	}
	return l, nil
}

func (l Layout) entries() [][]gpucore.LayoutEntry {
	sets := make([][]gpucore.LayoutEntry, len(l.Sets))
	for i, s := range l.Sets {
		for _, sl := range s.Slots {
			sets[i] = append(sets[i], gpucore.LayoutEntry{
				Binding: sl.Binding,
				Kind:    sl.Kind,
				Access:  layoutAccess(sl.Access),
				Format:  sl.Format,
			})
		}
	}
	return sets
}

func layoutAccess(a shader.Access) gpucore.Access {
	switch a {
	case shader.AccessWrite:
		return gpucore.AccessWrite
	case shader.AccessReadWrite:
		return gpucore.AccessReadWrite
	default:
		return gpucore.AccessRead
	}
}

// Pipeline is a compute pipeline built from one shader entry point.
type Pipeline struct {
	resource

	id       gpucore.PipelineID
	moduleID gpucore.ShaderModuleID
	entry    shader.EntryPoint
	layout   Layout
}

// EntryPoint returns the entry point the pipeline runs.
func (p *Pipeline) EntryPoint() shader.EntryPoint { return p.entry }

// WorkgroupSize returns the local workgroup size.
func (p *Pipeline) WorkgroupSize() [3]uint32 { return p.entry.WorkgroupSize }

// Layout returns the descriptor set layout derived from the shader.
func (p *Pipeline) Layout() Layout { return p.layout }

// Release destroys the pipeline and its shader module. Descriptor sets
// bound against it cannot be used afterwards.
func (p *Pipeline) Release() error {
	destroy, err := p.beginRelease()
	if err != nil {
		return newError(StagePipeline, "release pipeline", err, nil)
	}
	if destroy {
		p.dev.dev.DestroyComputePipeline(p.id)
		p.dev.dev.DestroyShaderModule(p.moduleID)
	}
	return nil
}

// BuildComputePipeline creates a compute pipeline from the module's
// requested entry point. The layout is derived from the module's binding
// declarations alone.
func (d *Device) BuildComputePipeline(m *shader.Module) (*Pipeline, error) {
	const op = "build compute pipeline"
	if err := d.checkOpen(StagePipeline, op); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errorf(StagePipeline, op, ErrShaderLinkFailure, "nil shader module")
	}
	if err := m.Validate(); err != nil {
		return nil, newError(StagePipeline, op, ErrShaderLinkFailure, err)
	}
	ep, ok := m.Lookup(m.Entry())
	if !ok {
		return nil, errorf(StagePipeline, op, ErrShaderLinkFailure,
			"shader %q has no entry point %q", m.Name, m.Entry())
	}
	if ep.Stage != shader.StageCompute {
		return nil, errorf(StagePipeline, op, ErrShaderLinkFailure,
			"shader %q: entry point %q is a %s entry point", m.Name, ep.Name, ep.Stage)
	}
	if err := d.checkWorkgroupSize(ep.WorkgroupSize); err != nil {
		return nil, newError(StagePipeline, op, ErrShaderLinkFailure, fmt.Errorf("shader %q: %w", m.Name, err))
	}

	layout, err := deriveLayout(m.Bindings, ep.Stage)
	if err != nil {
		return nil, newError(StagePipeline, op, ErrShaderLinkFailure, fmt.Errorf("shader %q: %w", m.Name, err))
	}
	if n := uint32(len(layout.Sets)); n > d.limits.MaxBindGroups { //nolint:gosec // G115: small count
		return nil, errorf(StagePipeline, op, ErrShaderLinkFailure,
			"shader %q uses %d descriptor sets, device allows %d", m.Name, n, d.limits.MaxBindGroups)
	}

	moduleID, err := d.dev.CreateShaderModule(&gpucore.ShaderDesc{
		Label:  m.Name,
		WGSL:   m.Source,
		Kernel: m.Kernel,
	})
	if err != nil {
		return nil, driverError(StagePipeline, op, ErrShaderLinkFailure, err)
	}
	id, err := d.dev.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Label:         m.Name,
		Module:        moduleID,
		EntryPoint:    ep.Name,
		WorkgroupSize: ep.WorkgroupSize,
		Sets:          layout.entries(),
	})
	if err != nil {
		d.dev.DestroyShaderModule(moduleID)
		return nil, driverError(StagePipeline, op, ErrShaderLinkFailure, err)
	}

	Logger().Debug("gputask: compute pipeline built",
		"shader", m.Name, "entry", ep.Name,
		"workgroup_size", ep.WorkgroupSize, "sets", len(layout.Sets))

	return &Pipeline{
		resource: resource{dev: d, label: m.Name},
		id:       id,
		moduleID: moduleID,
		entry:    ep,
		layout:   layout,
	}, nil
}

func (d *Device) checkWorkgroupSize(size [3]uint32) error {
	total := uint64(1)
	for i, s := range size {
		if s == 0 || s > d.limits.MaxWorkgroupSize[i] {
			return fmt.Errorf("invalid workgroup size %v (limit %v)", size, d.limits.MaxWorkgroupSize)
		}
		total *= uint64(s)
	}
	if total > uint64(d.limits.MaxWorkgroupInvocations) {
		return fmt.Errorf("workgroup size %v has %d invocations, limit %d",
			size, total, d.limits.MaxWorkgroupInvocations)
	}
	return nil
}
