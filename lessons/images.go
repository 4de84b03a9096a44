package lessons

import (
	"context"
	"fmt"
	"math"

	"github.com/gogpu/gputask"
	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/shader"
)

// imageSize is the edge length of the image lessons.
const imageSize = 1024

// Mandelbrot escape-time parameters: up to 200 steps of 0.005.
const (
	mandelbrotStep   = float32(0.005)
	mandelbrotRadius = float32(4.0)
)

// Verification limits: the per-channel difference to the host reference
// and the share of pixels that may exceed it near the set boundary.
const (
	mandelbrotChannelTolerance = 2
	mandelbrotMaxMismatch      = 0.005
)

// newImageReadback allocates a host buffer large enough for img.
func newImageReadback(a *gputask.Allocator, img *gputask.Image) (*gputask.Buffer, error) {
	size := int(img.ByteSize()) //nolint:gosec // G115: bounded by MaxBufferSize
	return gputask.NewZeroedBuffer[uint8](a, size, gputask.BufferTransferDst,
		gputask.PreferHost|gputask.HostRandomAccess, gputask.WithLabel(img.Label()+"_readback"))
}

func clearImage(ctx context.Context, env *Env) (Result, error) {
	dev := env.Device
	a := dev.Allocator()
	extent := gputask.Extent{Width: imageSize, Height: imageSize}

	img, err := a.NewImage(gputask.FormatRGBA8Unorm, extent,
		gputask.ImageTransferDst|gputask.ImageTransferSrc, gputask.PreferDevice, gputask.WithLabel("clear_image"))
	if err != nil {
		return Result{}, err
	}
	defer release(img)

	buf, err := newImageReadback(a, img)
	if err != nil {
		return Result{}, err
	}
	defer release(buf)

	b := dev.BeginSequence(dev.QueueFamilyIndex()).
		ClearImage(img, gputask.ClearColor{R: 0, G: 0, B: 1, A: 1}).
		CopyImageToBuffer(img, buf)
	if err := submit(ctx, env, b); err != nil {
		return Result{}, err
	}

	pix, err := buf.Bytes()
	if err != nil {
		return Result{}, err
	}
	want := [4]byte{0, 0, 255, 255}
	for i := 0; i < len(pix); i += 4 {
		if [4]byte(pix[i:i+4]) != want {
			return Result{}, fmt.Errorf("%w: pixel %d = %v, want %v", ErrVerification, i/4, pix[i:i+4], want)
		}
	}

	out, err := saveImage(env, "clear_image", extent, pix)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out, Detail: fmt.Sprintf("%dx%d pixels cleared to %v", extent.Width, extent.Height, want)}, nil
}

// escapeTime returns the Mandelbrot gray level of pixel (x, y) of a
// width x height image, in [0, 1].
func escapeTime(x, y, width, height int) float32 {
	nx := (float32(x) + 0.5) / float32(width)
	ny := (float32(y) + 0.5) / float32(height)
	cx := (nx-0.5)*2 - 1
	cy := (ny - 0.5) * 2

	var zx, zy, i float32
	for i < 1 {
		zx, zy = float32(zx*zx)-float32(zy*zy)+cx, float32(zy*zx)+float32(zx*zy)+cy
		if float32(math.Sqrt(float64(zx*zx+zy*zy))) > mandelbrotRadius {
			break
		}
		i += mandelbrotStep
	}
	return i
}

func mandelbrotKernel(inv gpucore.Invocation, res *gpucore.Resources) {
	img := res.Image(0, 0)
	x, y := int(inv.GlobalID[0]), int(inv.GlobalID[1])
	if x >= img.Width || y >= img.Height {
		return
	}
	i := escapeTime(x, y, img.Width, img.Height)
	img.Store(x, y, [4]float32{i, i, i, 1})
}

func mandelbrot(ctx context.Context, env *Env) (Result, error) {
	dev := env.Device
	a := dev.Allocator()
	extent := gputask.Extent{Width: imageSize, Height: imageSize}

	m, err := shader.ParseWGSL("mandelbrot", loadShader("mandelbrot.wgsl"), shader.WithKernel(mandelbrotKernel))
	if err != nil {
		return Result{}, err
	}
	p, err := dev.BuildComputePipeline(m)
	if err != nil {
		return Result{}, err
	}
	defer release(p)

	img, err := a.NewImage(gputask.FormatRGBA8Unorm, extent,
		gputask.ImageStorage|gputask.ImageTransferSrc, gputask.PreferDevice, gputask.WithLabel("mandelbrot"))
	if err != nil {
		return Result{}, err
	}
	defer release(img)

	buf, err := newImageReadback(a, img)
	if err != nil {
		return Result{}, err
	}
	defer release(buf)

	ds, err := dev.DescriptorAllocator().Bind(p, 0, gputask.ImageBinding(0, img))
	if err != nil {
		return Result{}, err
	}
	defer release(ds)

	groups := gputask.WorkgroupCount([3]uint32{extent.Width, extent.Height, 1}, p.WorkgroupSize())
	b := dev.BeginSequence(dev.QueueFamilyIndex()).
		BindPipeline(p).
		BindDescriptorSet(p, 0, ds).
		Dispatch(groups[0], groups[1], groups[2]).
		CopyImageToBuffer(img, buf)
	if err := submit(ctx, env, b); err != nil {
		return Result{}, err
	}

	pix, err := buf.Bytes()
	if err != nil {
		return Result{}, err
	}
	if err := verifyMandelbrot(pix, int(extent.Width), int(extent.Height)); err != nil {
		return Result{}, err
	}

	out, err := saveImage(env, "mandelbrot", extent, pix)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out, Detail: fmt.Sprintf("%dx%d pixels in %dx%d workgroups", extent.Width, extent.Height, groups[0], groups[1])}, nil
}

// verifyMandelbrot compares pix against the host escape times.
func verifyMandelbrot(pix []byte, width, height int) error {
	mismatches := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := (y*width + x) * 4
			want := gpucore.UnormToByte(escapeTime(x, y, width, height))
			px := pix[off : off+4]
			if px[3] != 255 {
				return fmt.Errorf("%w: pixel (%d,%d) alpha = %d, want 255", ErrVerification, x, y, px[3])
			}
			for c := range 3 {
				if d := int(px[c]) - int(want); d > mandelbrotChannelTolerance || d < -mandelbrotChannelTolerance {
					mismatches++
					break
				}
			}
		}
	}
	if share := float64(mismatches) / float64(width*height); share > mandelbrotMaxMismatch {
		return fmt.Errorf("%w: %d of %d pixels differ from the host reference", ErrVerification, mismatches, width*height)
	}
	return nil
}
