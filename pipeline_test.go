package gputask

import (
	"testing"

	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/shader"
)

const scaleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < arrayLength(&data)) {
        data[idx] *= 12u;
    }
}
`

func scaleKernel(inv gpucore.Invocation, res *gpucore.Resources) {
	data := res.Buffer(0, 0)
	if i := int(inv.GlobalID[0]); i < data.Len32() {
		data.SetUint32(i, data.Uint32(i)*12)
	}
}

// buildScalePipeline builds the multiply-by-12 pipeline.
func buildScalePipeline(t *testing.T, dev *Device) *Pipeline {
	t.Helper()
	m := shader.MustParseWGSL("scale", scaleWGSL, shader.WithKernel(scaleKernel))
	p, err := dev.BuildComputePipeline(m)
	if err != nil {
		t.Fatalf("BuildComputePipeline() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Release() })
	return p
}

func TestBuildComputePipeline(t *testing.T) {
	dev := newTestDevice(t)
	p := buildScalePipeline(t, dev)

	if p.WorkgroupSize() != [3]uint32{64, 1, 1} {
		t.Errorf("WorkgroupSize() = %v, want [64 1 1]", p.WorkgroupSize())
	}
	if p.EntryPoint().Name != "main" {
		t.Errorf("EntryPoint() = %q, want main", p.EntryPoint().Name)
	}
	l := p.Layout()
	if len(l.Sets) != 1 || len(l.Sets[0].Slots) != 1 {
		t.Fatalf("Layout() = %+v, want one set with one slot", l)
	}
	slot := l.Sets[0].Slots[0]
	if slot.Binding != 0 || slot.Kind != gpucore.BindingStorageBuffer ||
		slot.Access != shader.AccessReadWrite || slot.Stage != shader.StageCompute {
		t.Errorf("slot = %+v", slot)
	}
}

func TestLayoutDerivation(t *testing.T) {
	src := `
@group(2) @binding(1) var<uniform> params: vec4<f32>;
@group(0) @binding(3) var out: texture_storage_2d<rgba8unorm, write>;
@group(0) @binding(1) var<storage, read> input: array<f32>;
@compute @workgroup_size(8, 8) fn main() {}
`
	m := shader.MustParseWGSL("layout", src, shader.WithKernel(func(gpucore.Invocation, *gpucore.Resources) {}))
	l, err := deriveLayout(m.Bindings, shader.StageCompute)
	if err != nil {
		t.Fatalf("deriveLayout() error = %v", err)
	}
	if len(l.Sets) != 3 {
		t.Fatalf("len(Sets) = %d, want 3 (set 1 empty)", len(l.Sets))
	}
	if len(l.Sets[1].Slots) != 0 || l.Sets[1].Index != 1 {
		t.Errorf("set 1 = %+v, want empty set with index 1", l.Sets[1])
	}
	set0 := l.Sets[0].Slots
	if len(set0) != 2 || set0[0].Binding != 1 || set0[1].Binding != 3 {
		t.Fatalf("set 0 = %+v, want bindings 1 and 3 in order", set0)
	}
	if set0[0].Kind != gpucore.BindingReadOnlyStorageBuffer || set0[1].Format != FormatRGBA8Unorm {
		t.Errorf("set 0 kinds = %s/%s", set0[0].Kind, set0[1].Kind)
	}
	if s, ok := l.Sets[2].Slot(1); !ok || s.Kind != gpucore.BindingUniformBuffer {
		t.Errorf("set 2 slot 1 = %+v, %v", s, ok)
	}

	entries := l.entries()
	if e := entries[0][1]; e.Kind != gpucore.BindingStorageImage || e.Access != gpucore.AccessWrite {
		t.Errorf("set 0 image entry = %+v, want a write-only storage image", e)
	}
	if e := entries[0][0]; e.Access != gpucore.AccessRead {
		t.Errorf("set 0 input entry access = %d, want read", e.Access)
	}

	// Derivation is deterministic.
	again, _ := deriveLayout(m.Bindings, shader.StageCompute)
	if len(again.Sets) != len(l.Sets) || again.Sets[0].Slots[1] != l.Sets[0].Slots[1] {
		t.Error("deriveLayout() is not deterministic")
	}
}

func TestBuildComputePipelineFailures(t *testing.T) {
	noop := shader.WithKernel(func(gpucore.Invocation, *gpucore.Resources) {})
	tests := []struct {
		name string
		src  string
		opts []shader.Option

		// unparsed skips ParseWGSL and hands the raw source to the builder.
		unparsed bool
	}{
		{
			name: "duplicate binding",
			src: `
@group(0) @binding(0) var<storage, read_write> a: array<u32>;
@group(0) @binding(0) var<storage, read_write> b: array<u32>;
@compute @workgroup_size(64) fn main() {}`,
			opts: []shader.Option{noop},
		},
		{
			name: "missing entry point",
			src:  `@compute @workgroup_size(64) fn main() {}`,
			opts: []shader.Option{noop, shader.WithEntryPoint("other")},
		},
		{
			name: "vertex entry point",
			src:  `@vertex fn vs() -> @builtin(position) vec4<f32> { return vec4<f32>(0.0); }`,
			opts: []shader.Option{noop, shader.WithEntryPoint("vs")},
		},
		{
			name: "workgroup too large",
			src:  `@compute @workgroup_size(32, 32) fn main() {}`,
			opts: []shader.Option{noop},
		},
		{
			name: "too many sets",
			src: `
@group(4) @binding(0) var<storage, read_write> a: array<u32>;
@compute @workgroup_size(1) fn main() {}`,
			opts: []shader.Option{noop},
		},
		{
			name: "no host kernel",
			src:  scaleWGSL,
		},
		{
			name: "malformed body",
			src: `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    this is not wgsl at all !!!
}`,
			unparsed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t)
			var m *shader.Module
			if tt.unparsed {
				m = &shader.Module{
					Name:   tt.name,
					Source: tt.src,
					EntryPoints: []shader.EntryPoint{
						{Name: shader.DefaultEntryPoint, Stage: shader.StageCompute, WorkgroupSize: [3]uint32{64, 1, 1}},
					},
					Bindings: []shader.Binding{
						{Name: "data", Kind: gpucore.BindingStorageBuffer, Access: shader.AccessReadWrite},
					},
					Kernel: scaleKernel,
				}
			} else {
				var err error
				if m, err = shader.ParseWGSL(tt.name, tt.src, tt.opts...); err != nil {
					t.Fatalf("ParseWGSL() error = %v", err)
				}
			}
			p, err := dev.BuildComputePipeline(m)
			wantStage(t, err, StagePipeline, ErrShaderLinkFailure)
			if p != nil {
				t.Errorf("BuildComputePipeline() returned a pipeline with error %v", err)
			}
		})
	}
}

func TestBuildComputePipelineNilModule(t *testing.T) {
	dev := newTestDevice(t)
	_, err := dev.BuildComputePipeline(nil)
	wantStage(t, err, StagePipeline, ErrShaderLinkFailure)
}
