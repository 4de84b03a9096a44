package gputask

import "github.com/gogpu/gputask/gpucore"

// Image is a 2D device image with a single mip level and layer.
//
// The host never accesses images directly; copy them into a buffer with
// Builder.CopyImageToBuffer.
type Image struct {
	resource

	id        gpucore.ImageID
	format    Format
	extent    Extent
	usage     ImageUsage
	placement Placement
}

// Format returns the texel format.
func (img *Image) Format() Format { return img.format }

// Extent returns the image size in texels.
func (img *Image) Extent() Extent { return img.extent }

// Usage returns the usage flags the image was created with.
func (img *Image) Usage() ImageUsage { return img.usage }

// ByteSize returns the size of the tightly packed texel data.
func (img *Image) ByteSize() uint64 {
	return uint64(img.extent.Width) * uint64(img.extent.Height) * uint64(img.format.BytesPerPixel()) //nolint:gosec // G115: bytes per pixel is small
}

// Release destroys the image. Releasing twice is a no-op.
func (img *Image) Release() error {
	destroy, err := img.beginRelease()
	if err != nil {
		return newError(StageAllocation, "release image", err, nil)
	}
	if destroy {
		img.dev.dev.DestroyImage(img.id)
		img.dev.allocator.releasedImage(img.ByteSize())
	}
	return nil
}
