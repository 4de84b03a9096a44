package gpucore

// Command is one lowered device operation. The set of commands is closed.
type Command interface {
	command()
}

// CopyBufferCmd copies Size bytes from the start of Src to the start of Dst.
type CopyBufferCmd struct {
	Src  BufferID
	Dst  BufferID
	Size uint64
}

// ClearImageCmd fills every texel of Image with Color (normalized RGBA).
type ClearImageCmd struct {
	Image ImageID
	Color [4]float32
}

// CopyImageToBufferCmd copies the whole image into Dst as tightly packed
// rows of Width*BytesPerPixel bytes.
type CopyImageToBufferCmd struct {
	Src    ImageID
	Dst    BufferID
	Width  uint32
	Height uint32
	Format Format
}

// DispatchCmd runs Pipeline over a grid of workgroups. BindGroups is indexed
// by set number; InvalidID marks a set without bindings.
type DispatchCmd struct {
	Pipeline   PipelineID
	BindGroups []BindGroupID
	Groups     [3]uint32
}

func (CopyBufferCmd) command()        {}
func (ClearImageCmd) command()        {}
func (CopyImageToBufferCmd) command() {}
func (DispatchCmd) command()          {}
