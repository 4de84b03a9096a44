package lessons

import (
	"context"
	"fmt"

	"github.com/gogpu/gputask"
	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/shader"
)

const (
	bufferCreationLen  = 64
	computePipelineLen = 65536
	scaleFactor        = 12
)

type releaser interface {
	Release() error
	Label() string
}

// release frees r and logs failures instead of masking the lesson result.
func release(r releaser) {
	if err := r.Release(); err != nil {
		gputask.Logger().Warn("lessons: release failed", "resource", r.Label(), "error", err)
	}
}

func bufferCreation(ctx context.Context, env *Env) (Result, error) {
	a := env.Device.Allocator()

	data := make([]int32, bufferCreationLen)
	for i := range data {
		data[i] = int32(i) //nolint:gosec // G115: i < 64
	}
	src, err := gputask.NewBuffer(a, data, gputask.BufferTransferSrc,
		gputask.PreferHost|gputask.HostSequentialWrite, gputask.WithLabel("source"))
	if err != nil {
		return Result{}, err
	}
	defer release(src)

	dst, err := gputask.NewZeroedBuffer[int32](a, len(data), gputask.BufferTransferDst,
		gputask.PreferHost|gputask.HostRandomAccess, gputask.WithLabel("destination"))
	if err != nil {
		return Result{}, err
	}
	defer release(dst)

	b := env.Device.BeginSequence(env.Device.QueueFamilyIndex()).CopyBuffer(src, dst)
	if err := submit(ctx, env, b); err != nil {
		return Result{}, err
	}

	got, err := gputask.ReadBuffer[int32](dst)
	if err != nil {
		return Result{}, err
	}
	for i, v := range got {
		if v != data[i] {
			return Result{}, fmt.Errorf("%w: destination[%d] = %d, want %d", ErrVerification, i, v, data[i])
		}
	}
	return Result{Detail: fmt.Sprintf("copied %d elements", len(got))}, nil
}

func scaleKernel(inv gpucore.Invocation, res *gpucore.Resources) {
	data := res.Buffer(0, 0)
	if i := int(inv.GlobalID[0]); i < data.Len32() {
		data.SetUint32(i, data.Uint32(i)*scaleFactor)
	}
}

func computePipeline(ctx context.Context, env *Env) (Result, error) {
	dev := env.Device
	m, err := shader.ParseWGSL("scale", loadShader("scale.wgsl"), shader.WithKernel(scaleKernel))
	if err != nil {
		return Result{}, err
	}
	p, err := dev.BuildComputePipeline(m)
	if err != nil {
		return Result{}, err
	}
	defer release(p)

	data := make([]uint32, computePipelineLen)
	for i := range data {
		data[i] = uint32(i) //nolint:gosec // G115: i < 65536
	}
	buf, err := gputask.NewBuffer(dev.Allocator(), data, gputask.BufferStorage,
		gputask.PreferDevice|gputask.HostSequentialWrite, gputask.WithLabel("data"))
	if err != nil {
		return Result{}, err
	}
	defer release(buf)

	ds, err := dev.DescriptorAllocator().Bind(p, 0, gputask.BufferBinding(0, buf))
	if err != nil {
		return Result{}, err
	}
	defer release(ds)

	groups := gputask.WorkgroupCount([3]uint32{computePipelineLen, 1, 1}, p.WorkgroupSize())
	b := dev.BeginSequence(dev.QueueFamilyIndex()).
		BindPipeline(p).
		BindDescriptorSet(p, 0, ds).
		Dispatch(groups[0], groups[1], groups[2])
	if err := submit(ctx, env, b); err != nil {
		return Result{}, err
	}

	got, err := gputask.ReadBuffer[uint32](buf)
	if err != nil {
		return Result{}, err
	}
	for i, v := range got {
		if want := uint32(i) * scaleFactor; v != want { //nolint:gosec // G115: i < 65536
			return Result{}, fmt.Errorf("%w: data[%d] = %d, want %d", ErrVerification, i, v, want)
		}
	}
	return Result{Detail: fmt.Sprintf("%d elements scaled by %d in %d workgroups", len(got), scaleFactor, groups[0])}, nil
}
