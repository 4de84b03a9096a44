package shader

import (
	"errors"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/gputask/gpucore"
)

// ErrInvalidSource is returned when shader source cannot be parsed or
// reflected.
var ErrInvalidSource = errors.New("shader: invalid source")

// ParseWGSL parses WGSL source with naga and reflects its entry points and
// resource bindings from the lowered module.
//
// Compute entry points carry their evaluated workgroup size, so constant
// expressions such as `@workgroup_size(WG)` resolve. Module-scope variables
// with `@group`/`@binding` attributes become Bindings.
func ParseWGSL(name, source string, opts ...Option) (*Module, error) {
	m := &Module{Name: name, Source: source, entry: DefaultEntryPoint}
	for _, opt := range opts {
		opt(m)
	}

	ast, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSource, name, err)
	}
	mod, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSource, name, err)
	}
	m.ir = mod

	for i := range mod.EntryPoints {
		ep, ok, err := reflectEntryPoint(&mod.EntryPoints[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSource, name, err)
		}
		if ok {
			m.EntryPoints = append(m.EntryPoints, ep)
		}
	}

	for i := range mod.GlobalVariables {
		gv := &mod.GlobalVariables[i]
		if gv.Binding == nil {
			if gv.Space == ir.SpaceUniform || gv.Space == ir.SpaceStorage || gv.Space == ir.SpaceHandle {
				return nil, fmt.Errorf("%w: %s: var %q needs @group and @binding", ErrInvalidSource, name, gv.Name)
			}
			continue
		}
		b, err := reflectBinding(mod, gv)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSource, name, err)
		}
		m.Bindings = append(m.Bindings, b)
	}
	return m, nil
}

// MustParseWGSL is like ParseWGSL but panics on error.
// It simplifies initialization of package-level shader modules.
func MustParseWGSL(name, source string, opts ...Option) *Module {
	m, err := ParseWGSL(name, source, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func reflectEntryPoint(e *ir.EntryPoint) (EntryPoint, bool, error) {
	ep := EntryPoint{Name: e.Name}
	switch e.Stage {
	case ir.StageCompute:
		ep.Stage = StageCompute
		for i, s := range e.Workgroup {
			if s == 0 {
				return ep, false, fmt.Errorf("fn %q: workgroup size %v has a zero dimension %d", e.Name, e.Workgroup, i)
			}
		}
		ep.WorkgroupSize = e.Workgroup
	case ir.StageVertex:
		ep.Stage = StageVertex
	case ir.StageFragment:
		ep.Stage = StageFragment
	default:
		// Task and mesh stages have no pipeline here.
		return ep, false, nil
	}
	return ep, true, nil
}

func reflectBinding(mod *ir.Module, gv *ir.GlobalVariable) (Binding, error) {
	b := Binding{Group: gv.Binding.Group, Binding: gv.Binding.Binding, Name: gv.Name}
	switch gv.Space {
	case ir.SpaceUniform:
		b.Kind, b.Access = gpucore.BindingUniformBuffer, AccessRead
	case ir.SpaceStorage:
		if gv.Access == ir.StorageRead {
			b.Kind, b.Access = gpucore.BindingReadOnlyStorageBuffer, AccessRead
		} else {
			b.Kind, b.Access = gpucore.BindingStorageBuffer, AccessReadWrite
		}
	case ir.SpaceHandle:
		if int(gv.Type) >= len(mod.Types) {
			return b, fmt.Errorf("var %q: type handle %d out of range", gv.Name, gv.Type)
		}
		img, ok := mod.Types[gv.Type].Inner.(ir.ImageType)
		if !ok {
			return b, fmt.Errorf("var %q: unsupported binding type %T", gv.Name, mod.Types[gv.Type].Inner)
		}
		if err := reflectImage(&b, img); err != nil {
			return b, err
		}
	default:
		return b, fmt.Errorf("var %q: address space %d cannot be bound", gv.Name, gv.Space)
	}
	return b, nil
}

func reflectImage(b *Binding, img ir.ImageType) error {
	if img.Dim != ir.Dim2D || img.Arrayed || img.Multisampled {
		return fmt.Errorf("var %q: only single-layer 2D textures can be bound", b.Name)
	}
	switch img.Class {
	case ir.ImageClassSampled:
		b.Kind, b.Access = gpucore.BindingSampledImage, AccessRead
		return nil
	case ir.ImageClassStorage:
	default:
		return fmt.Errorf("var %q: unsupported texture class %d", b.Name, img.Class)
	}

	if img.StorageFormat != ir.StorageFormatRgba8Unorm {
		return fmt.Errorf("var %q: unsupported storage format %d", b.Name, img.StorageFormat)
	}
	b.Kind, b.Format = gpucore.BindingStorageImage, gpucore.FormatRGBA8Unorm
	switch img.StorageAccess {
	case ir.StorageAccessRead:
		b.Access = AccessRead
	case ir.StorageAccessWrite:
		b.Access = AccessWrite
	case ir.StorageAccessReadWrite:
		b.Access = AccessReadWrite
	default:
		return fmt.Errorf("var %q: unsupported storage access %d", b.Name, img.StorageAccess)
	}
	return nil
}
