package shader

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/gputask/gpucore"
)

// DefaultEntryPoint is the entry point selected when none is requested.
const DefaultEntryPoint = "main"

// Stage is the pipeline stage of an entry point.
type Stage uint8

// Shader stages.
const (
	StageCompute Stage = iota + 1
	StageVertex
	StageFragment
)

func (s Stage) String() string {
	switch s {
	case StageCompute:
		return "compute"
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Access is how a shader accesses a bound resource.
type Access uint8

// Access modes.
const (
	AccessRead Access = iota + 1
	AccessWrite
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	default:
		return fmt.Sprintf("Access(%d)", uint8(a))
	}
}

// Writes reports whether the shader may write through the binding.
func (a Access) Writes() bool { return a == AccessWrite || a == AccessReadWrite }

// EntryPoint is a function the shader exports to a pipeline stage.
type EntryPoint struct {
	Name  string
	Stage Stage

	// WorkgroupSize is the local size of compute entry points.
	WorkgroupSize [3]uint32
}

// Binding is one module-scope resource declaration.
type Binding struct {
	Group   uint32
	Binding uint32
	Name    string
	Kind    gpucore.BindingKind
	Access  Access

	// Format is the texel format of storage images.
	Format gpucore.Format
}

// Module is a reflected shader module.
//
// Bindings lists every declaration in declaration order, including
// conflicting ones; consumers decide whether a layout can be derived from
// them.
type Module struct {
	Name        string
	Source      string
	EntryPoints []EntryPoint
	Bindings    []Binding

	// Kernel is the host implementation of the requested entry point.
	Kernel gpucore.Kernel

	entry string
	ir    *ir.Module

	spirvOnce sync.Once
	spirv     []uint32
	spirvErr  error
}

// Option configures ParseWGSL.
type Option func(*Module)

// WithEntryPoint selects the entry point a pipeline is built from.
func WithEntryPoint(name string) Option {
	return func(m *Module) { m.entry = name }
}

// WithKernel attaches a host implementation of the entry point.
func WithKernel(k gpucore.Kernel) Option {
	return func(m *Module) { m.Kernel = k }
}

// Entry returns the name of the requested entry point.
func (m *Module) Entry() string { return m.entry }

// Lookup returns the entry point with the given name.
func (m *Module) Lookup(name string) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// Validate runs naga's IR validation over the module. Modules that were
// not built by ParseWGSL are parsed from Source first.
func (m *Module) Validate() error {
	mod := m.ir
	if mod == nil {
		ast, err := naga.Parse(m.Source)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidSource, m.Name, err)
		}
		if mod, err = naga.LowerWithSource(ast, m.Source); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidSource, m.Name, err)
		}
	}
	errs, err := naga.Validate(mod)
	if err != nil {
		return fmt.Errorf("shader %q: validate: %w", m.Name, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shader %q: validate: %w", m.Name, &errs[0])
	}
	return nil
}

// SPIRV compiles the module to SPIR-V on first use and caches the result.
func (m *Module) SPIRV() ([]uint32, error) {
	m.spirvOnce.Do(func() {
		m.spirv, m.spirvErr = CompileSPIRV(m.Source)
		if m.spirvErr != nil {
			m.spirvErr = fmt.Errorf("shader %q: %w", m.Name, m.spirvErr)
		}
	})
	return m.spirv, m.spirvErr
}

// CompileSPIRV compiles WGSL source to SPIR-V words.
func CompileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile shader: SPIR-V length %d is not a multiple of 4", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}
