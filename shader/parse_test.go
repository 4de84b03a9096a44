package shader

import (
	"errors"
	"testing"

	"github.com/gogpu/gputask/gpucore"
)

const scaleWGSL = `
// Multiplies every element by a constant.
const WG: u32 = 64u;

struct Data {
    values: array<u32>,
}

@group(0) @binding(0) var<storage, read_write> buf: Data;

@compute @workgroup_size(WG)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    buf.values[gid.x] *= 12u;
}
`

const imageWGSL = `
/* storage image /* nested */ target */
@group(0) @binding(0) var img: texture_storage_2d<rgba8unorm, write>;
@group(1) @binding(2) var<uniform> params: vec4<f32>;
@group(1) @binding(0) var<storage> lut: array<f32>;

var<workgroup> scratch: array<f32, 64>;

@workgroup_size(8, 8) @compute
fn render(@builtin(global_invocation_id) gid: vec3<u32>) {
    textureStore(img, vec2<i32>(gid.xy), vec4<f32>(1.0));
}

@vertex
fn vs() -> @builtin(position) vec4<f32> { return vec4<f32>(0.0); }

fn helper() {}
`

func TestParseWGSLCompute(t *testing.T) {
	m, err := ParseWGSL("scale", scaleWGSL)
	if err != nil {
		t.Fatalf("ParseWGSL() error = %v", err)
	}
	if m.Entry() != DefaultEntryPoint {
		t.Errorf("Entry() = %q, want %q", m.Entry(), DefaultEntryPoint)
	}

	ep, ok := m.Lookup("main")
	if !ok {
		t.Fatal("entry point main not found")
	}
	if ep.Stage != StageCompute || ep.WorkgroupSize != [3]uint32{64, 1, 1} {
		t.Errorf("main = %+v, want compute with size [64 1 1]", ep)
	}

	if len(m.Bindings) != 1 {
		t.Fatalf("len(Bindings) = %d, want 1", len(m.Bindings))
	}
	b := m.Bindings[0]
	if b.Group != 0 || b.Binding != 0 || b.Kind != gpucore.BindingStorageBuffer || b.Access != AccessReadWrite {
		t.Errorf("binding = %+v", b)
	}
	if b.Name != "buf" {
		t.Errorf("binding name = %q, want buf", b.Name)
	}
}

func TestParseWGSLConstWorkgroupSize(t *testing.T) {
	src := `
const WG = 8u * 8u;
@group(0) @binding(0) var<storage, read_write> data: array<u32>;
@compute @workgroup_size(WG)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    data[gid.x] = gid.x;
}
`
	m, err := ParseWGSL("const-size", src)
	if err != nil {
		t.Fatalf("ParseWGSL() error = %v", err)
	}
	ep, ok := m.Lookup("main")
	if !ok {
		t.Fatal("entry point main not found")
	}
	if ep.WorkgroupSize != [3]uint32{64, 1, 1} {
		t.Errorf("WorkgroupSize = %v, want [64 1 1]", ep.WorkgroupSize)
	}
	if len(m.Bindings) != 1 || m.Bindings[0].Name != "data" || m.Bindings[0].Group != 0 || m.Bindings[0].Binding != 0 {
		t.Errorf("Bindings = %+v, want data at group 0 binding 0", m.Bindings)
	}
}

func TestParseWGSLImageAndStages(t *testing.T) {
	m, err := ParseWGSL("image", imageWGSL, WithEntryPoint("render"))
	if err != nil {
		t.Fatalf("ParseWGSL() error = %v", err)
	}
	if m.Entry() != "render" {
		t.Errorf("Entry() = %q, want render", m.Entry())
	}
	if len(m.EntryPoints) != 2 {
		t.Fatalf("EntryPoints = %+v, want render and vs", m.EntryPoints)
	}
	if ep, _ := m.Lookup("render"); ep.WorkgroupSize != [3]uint32{8, 8, 1} {
		t.Errorf("render size = %v, want [8 8 1]", ep.WorkgroupSize)
	}
	if ep, _ := m.Lookup("vs"); ep.Stage != StageVertex {
		t.Errorf("vs stage = %v, want vertex", ep.Stage)
	}
	if _, ok := m.Lookup("helper"); ok {
		t.Error("helper is not an entry point")
	}

	want := []struct {
		group, binding uint32
		kind           gpucore.BindingKind
		access         Access
	}{
		{0, 0, gpucore.BindingStorageImage, AccessWrite},
		{1, 2, gpucore.BindingUniformBuffer, AccessRead},
		{1, 0, gpucore.BindingReadOnlyStorageBuffer, AccessRead},
	}
	if len(m.Bindings) != len(want) {
		t.Fatalf("Bindings = %+v, want %d entries", m.Bindings, len(want))
	}
	for i, w := range want {
		b := m.Bindings[i]
		if b.Group != w.group || b.Binding != w.binding || b.Kind != w.kind || b.Access != w.access {
			t.Errorf("Bindings[%d] = %+v, want %+v", i, b, w)
		}
	}
	if m.Bindings[0].Format != gpucore.FormatRGBA8Unorm {
		t.Errorf("image format = %v, want rgba8unorm", m.Bindings[0].Format)
	}
}

func TestParseWGSLKeepsDuplicates(t *testing.T) {
	src := `
@group(0) @binding(0) var<storage, read_write> a: array<u32>;
@group(0) @binding(0) var<storage, read_write> b: array<u32>;
@compute @workgroup_size(1) fn main() {}
`
	m, err := ParseWGSL("dup", src)
	if err != nil {
		t.Fatalf("ParseWGSL() error = %v", err)
	}
	if len(m.Bindings) != 2 {
		t.Errorf("len(Bindings) = %d, want 2", len(m.Bindings))
	}
	if err := m.Validate(); err == nil {
		t.Error("Validate() accepted two variables at one binding")
	}
}

func TestValidate(t *testing.T) {
	if err := MustParseWGSL("scale", scaleWGSL).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	raw := &Module{Name: "raw", Source: "fn main( {"}
	if err := raw.Validate(); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("Validate() on unparsed source error = %v, want ErrInvalidSource", err)
	}
}

func TestParseWGSLErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing workgroup size", `@compute fn main() {}`},
		{"zero workgroup size", `@compute @workgroup_size(0) fn main() {}`},
		{"missing binding", `@group(0) var<storage, read_write> a: array<u32>;`},
		{"unsupported format", `@group(0) @binding(0) var img: texture_storage_2d<r32float, write>;`},
		{"sampler", `@group(0) @binding(0) var s: sampler;`},
		{"malformed body", `@compute @workgroup_size(1) fn main() { this is not wgsl at all !!! }`},
		{"unbalanced braces", `@compute @workgroup_size(1) fn main() {`},
		{"arrayed texture", `@group(0) @binding(0) var t: texture_2d_array<f32>;`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWGSL(tt.name, tt.src)
			if !errors.Is(err, ErrInvalidSource) {
				t.Errorf("error = %v, want ErrInvalidSource", err)
			}
		})
	}
}

func TestWithKernel(t *testing.T) {
	called := false
	k := func(gpucore.Invocation, *gpucore.Resources) { called = true }
	m := MustParseWGSL("k", scaleWGSL, WithKernel(k))
	if m.Kernel == nil {
		t.Fatal("Kernel not attached")
	}
	m.Kernel(gpucore.Invocation{}, nil)
	if !called {
		t.Error("attached kernel was not the one provided")
	}
}
