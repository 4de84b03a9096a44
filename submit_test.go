package gputask

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/gputask/backend/software"
	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/shader"
)

// copyPair allocates a host-written source holding data and a zeroed,
// host-readable destination of the same length.
func copyPair[T Element](t *testing.T, dev *Device, data []T) (src, dst *Buffer) {
	t.Helper()
	src, err := NewBuffer(dev.Allocator(), data, BufferTransferSrc, PreferHost|HostSequentialWrite, WithLabel("src"))
	if err != nil {
		t.Fatalf("NewBuffer() error = %v", err)
	}
	dst, err = NewZeroedBuffer[T](dev.Allocator(), len(data), BufferTransferDst, PreferHost|HostRandomAccess, WithLabel("dst"))
	if err != nil {
		t.Fatalf("NewZeroedBuffer() error = %v", err)
	}
	return src, dst
}

// run finishes b, submits it and waits for completion.
func run(t *testing.T, dev *Device, b *Builder) {
	t.Helper()
	seq, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	sub, err := dev.Queue().Submit(seq)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := sub.WaitTimeout(10 * time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if sub.State() != SubmissionCompleted {
		t.Errorf("State() = %s, want completed", sub.State())
	}
}

func TestCopyBufferScenario(t *testing.T) {
	dev := newTestDevice(t)
	data := make([]int32, 64)
	for i := range data {
		data[i] = int32(i)
	}
	src, dst := copyPair(t, dev, data)

	run(t, dev, dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst))

	got, err := ReadBuffer[int32](dst)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if !slices.Equal(got, data) {
		t.Errorf("dst = %v, want %v", got, data)
	}
	// Readback does not change contents.
	again, _ := ReadBuffer[int32](dst)
	if !slices.Equal(again, got) {
		t.Error("second readback differs")
	}
}

func TestCopyPreservesContentForAnyLength(t *testing.T) {
	dev := newTestDevice(t)
	for _, n := range []int{1, 2, 3, 63, 64, 65, 1000, 4097} {
		data := make([]float64, n)
		for i := range data {
			data[i] = float64(i)*1.5 - 7
		}
		src, dst := copyPair(t, dev, data)
		run(t, dev, dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst))
		got, err := ReadBuffer[float64](dst)
		if err != nil {
			t.Fatalf("n=%d: ReadBuffer() error = %v", n, err)
		}
		if !slices.Equal(got, data) {
			t.Errorf("n=%d: copy changed contents", n)
		}
	}
}

func TestCopyLengthIsMinimum(t *testing.T) {
	dev := newTestDevice(t)
	src, _ := copyPair(t, dev, []uint8{1, 2, 3, 4, 5, 6})
	dst, _ := NewZeroedBuffer[uint8](dev.Allocator(), 4, BufferTransferDst, PreferHost|HostRandomAccess)

	run(t, dev, dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst))
	got, _ := ReadBuffer[uint8](dst)
	if want := []uint8{1, 2, 3, 4}; !slices.Equal(got, want) {
		t.Errorf("dst = %v, want %v", got, want)
	}
}

func TestComputeMultiplyByTwelve(t *testing.T) {
	dev := newTestDevice(t)
	p := buildScalePipeline(t, dev)

	for _, n := range []int{64, 4096, 65536} {
		values := make([]uint32, n)
		for i := range values {
			values[i] = uint32(i) //nolint:gosec // G115: n fits in uint32
		}
		buf, err := NewBuffer(dev.Allocator(), values, BufferStorage, PreferDevice|HostSequentialWrite)
		if err != nil {
			t.Fatalf("NewBuffer() error = %v", err)
		}
		ds, err := dev.DescriptorAllocator().Bind(p, 0, BufferBinding(0, buf))
		if err != nil {
			t.Fatalf("Bind() error = %v", err)
		}
		groups := WorkgroupCount([3]uint32{uint32(n), 1, 1}, p.WorkgroupSize()) //nolint:gosec // G115: see above

		run(t, dev, dev.BeginSequence(dev.QueueFamilyIndex()).
			BindPipeline(p).
			BindDescriptorSet(p, 0, ds).
			Dispatch(groups[0], groups[1], groups[2]))

		got, err := ReadBuffer[uint32](buf)
		if err != nil {
			t.Fatalf("ReadBuffer() error = %v", err)
		}
		for i, v := range got {
			if want := uint32(i) * 12; v != want { //nolint:gosec // G115: see above
				t.Fatalf("n=%d: result[%d] = %d, want %d", n, i, v, want)
			}
		}
	}
}

func TestClearImageToBuffer(t *testing.T) {
	dev := newTestDevice(t)
	a := dev.Allocator()
	img, err := a.NewImage(FormatRGBA8Unorm, Extent{Width: 64, Height: 32}, ImageTransferDst|ImageTransferSrc, PreferDevice)
	if err != nil {
		t.Fatalf("NewImage() error = %v", err)
	}
	out, err := NewZeroedBuffer[uint8](a, int(img.ByteSize()), BufferTransferDst, PreferHost|HostRandomAccess)
	if err != nil {
		t.Fatalf("NewZeroedBuffer() error = %v", err)
	}

	run(t, dev, dev.BeginSequence(dev.QueueFamilyIndex()).
		ClearImage(img, ClearColor{R: 0, G: 0, B: 1, A: 1}).
		CopyImageToBuffer(img, out))

	raw, err := out.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	for i := 0; i < len(raw); i += 4 {
		if px := [4]byte(raw[i : i+4]); px != [4]byte{0, 0, 255, 255} {
			t.Fatalf("pixel %d = %v, want [0 0 255 255]", i/4, px)
		}
	}
}

func TestMissingSlotNeverSubmits(t *testing.T) {
	dev := newTestDevice(t)
	p := buildScalePipeline(t, dev)

	_, err := dev.DescriptorAllocator().Bind(p, 0)
	wantStage(t, err, StageBinding, ErrLayoutMismatch)

	dev.trackMu.Lock()
	pending := len(dev.pending)
	dev.trackMu.Unlock()
	if pending != 0 {
		t.Errorf("%d submissions pending, want 0", pending)
	}
}

func TestSubmitOnce(t *testing.T) {
	dev := newTestDevice(t)
	src, dst := copyPair(t, dev, []uint16{7, 8})
	seq, err := dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst).Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	sub, err := dev.Queue().Submit(seq)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	_, err = dev.Queue().Submit(seq)
	wantStage(t, err, StageSubmission, ErrSequenceConsumed)

	if err := sub.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	// Waiting again on a completed submission returns immediately.
	if err := sub.Wait(context.Background()); err != nil {
		t.Errorf("second Wait() error = %v", err)
	}
}

func TestSubmitReleasedResource(t *testing.T) {
	dev := newTestDevice(t)
	src, dst := copyPair(t, dev, []int8{1, -1})
	seq, err := dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst).Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := dst.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	_, err = dev.Queue().Submit(seq)
	wantStage(t, err, StageSubmission, ErrReleased)
	if src.InFlight() {
		t.Error("source left in flight after a failed submit")
	}
	if seq.consumed.Load() {
		t.Error("a submit rejected before reaching the driver consumed the sequence")
	}
}

// submitFaultDriver wraps a driver so the next device Submit fails with err.
type submitFaultDriver struct {
	gpucore.Driver
	err error
}

func (d *submitFaultDriver) Adapters() ([]gpucore.Adapter, error) {
	adapters, err := d.Driver.Adapters()
	if err != nil {
		return nil, err
	}
	out := make([]gpucore.Adapter, len(adapters))
	for i, a := range adapters {
		out[i] = &submitFaultAdapter{Adapter: a, drv: d}
	}
	return out, nil
}

type submitFaultAdapter struct {
	gpucore.Adapter
	drv *submitFaultDriver
}

func (a *submitFaultAdapter) Open(family uint32) (gpucore.Device, error) {
	dev, err := a.Adapter.Open(family)
	if err != nil {
		return nil, err
	}
	return &submitFaultDevice{Device: dev, drv: a.drv}, nil
}

type submitFaultDevice struct {
	gpucore.Device
	drv *submitFaultDriver
}

func (d *submitFaultDevice) Submit(cmds []gpucore.Command) (gpucore.Fence, error) {
	if err := d.drv.err; err != nil {
		d.drv.err = nil
		return nil, err
	}
	return d.Device.Submit(cmds)
}

func TestSubmitDriverFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     error
		wantLost bool
	}{
		{"out of memory", fmt.Errorf("staging buffer: %w", gpucore.ErrOutOfMemory), ErrAllocationFailure, false},
		{"unknown", errors.New("encoder rejected"), ErrSubmissionFailure, false},
		{"device lost", fmt.Errorf("queue submit: %w", gpucore.ErrDeviceLost), ErrDeviceLost, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := &submitFaultDriver{Driver: software.New()}
			dev, err := AcquireDevice(WithDriver(drv))
			if err != nil {
				t.Fatalf("AcquireDevice() error = %v", err)
			}
			t.Cleanup(func() { _ = dev.Close() })

			src, dst := copyPair(t, dev, []uint32{4, 5, 6})
			seq, err := dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst).Finish()
			if err != nil {
				t.Fatalf("Finish() error = %v", err)
			}
			drv.err = tt.err
			_, err = dev.Queue().Submit(seq)
			wantStage(t, err, StageSubmission, tt.want)
			if !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want the driver error in the chain", err)
			}
			if src.InFlight() || dst.InFlight() {
				t.Error("resources left in flight after the driver rejected the sequence")
			}
			if dev.Lost() != tt.wantLost {
				t.Fatalf("Lost() = %v, want %v", dev.Lost(), tt.wantLost)
			}
			if tt.wantLost {
				return
			}

			run(t, dev, dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst))
			got, err := ReadBuffer[uint32](dst)
			if err != nil {
				t.Fatalf("ReadBuffer() error = %v", err)
			}
			if !slices.Equal(got, []uint32{4, 5, 6}) {
				t.Errorf("destination after retry = %v, want [4 5 6]", got)
			}
		})
	}
}

// gatedPipeline builds a pipeline whose kernel blocks until gate is closed.
func gatedPipeline(t *testing.T, dev *Device, gate <-chan struct{}) *Pipeline {
	t.Helper()
	k := func(inv gpucore.Invocation, res *gpucore.Resources) {
		<-gate
		scaleKernel(inv, res)
	}
	p, err := dev.BuildComputePipeline(shader.MustParseWGSL("gated", scaleWGSL, shader.WithKernel(k)))
	if err != nil {
		t.Fatalf("BuildComputePipeline() error = %v", err)
	}
	return p
}

func TestWaitTimeoutKeepsResourcesInFlight(t *testing.T) {
	dev := newTestDevice(t)
	gate := make(chan struct{})
	p := gatedPipeline(t, dev, gate)

	buf, _ := NewBuffer(dev.Allocator(), []uint32{1, 2, 3}, BufferStorage, PreferHost|HostRandomAccess)
	ds, _ := dev.DescriptorAllocator().Bind(p, 0, BufferBinding(0, buf))
	seq, err := dev.BeginSequence(dev.QueueFamilyIndex()).
		BindPipeline(p).BindDescriptorSet(p, 0, ds).Dispatch(1, 1, 1).Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	sub, err := dev.Queue().Submit(seq)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	err = sub.WaitTimeout(20 * time.Millisecond)
	wantStage(t, err, StageSubmission, ErrTimeout)
	if sub.State() != SubmissionPending {
		t.Errorf("State() = %s, want pending after timeout", sub.State())
	}

	if !buf.InFlight() {
		t.Error("buffer not in flight while submission is pending")
	}
	_, err = ReadBuffer[uint32](buf)
	wantStage(t, err, StageReadback, ErrResourceInFlight)
	if err := WriteBuffer(buf, 0, []uint32{9}); !errors.Is(err, ErrResourceInFlight) {
		t.Errorf("WriteBuffer() error = %v, want ErrResourceInFlight", err)
	}
	if err := buf.Release(); !errors.Is(err, ErrResourceInFlight) {
		t.Errorf("Release() error = %v, want ErrResourceInFlight", err)
	}
	if err := p.Release(); !errors.Is(err, ErrResourceInFlight) {
		t.Errorf("pipeline Release() error = %v, want ErrResourceInFlight", err)
	}

	close(gate)
	if err := sub.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	got, err := ReadBuffer[uint32](buf)
	if err != nil {
		t.Fatalf("ReadBuffer() after wait error = %v", err)
	}
	if want := []uint32{12, 24, 36}; !slices.Equal(got, want) {
		t.Errorf("buffer = %v, want %v", got, want)
	}
	if err := buf.Release(); err != nil {
		t.Errorf("Release() after wait error = %v", err)
	}
}

func TestWaitContextCanceled(t *testing.T) {
	dev := newTestDevice(t)
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	p := gatedPipeline(t, dev, gate)
	buf, _ := NewZeroedBuffer[uint32](dev.Allocator(), 1, BufferStorage, PreferDevice)
	ds, _ := dev.DescriptorAllocator().Bind(p, 0, BufferBinding(0, buf))
	seq, _ := dev.BeginSequence(dev.QueueFamilyIndex()).
		BindPipeline(p).BindDescriptorSet(p, 0, ds).Dispatch(1, 1, 1).Finish()
	sub, err := dev.Queue().Submit(seq)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sub.Wait(ctx)
	wantStage(t, err, StageSubmission, ErrTimeout)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
}

func TestDeviceLost(t *testing.T) {
	dev := newTestDevice(t)
	faulty := func(gpucore.Invocation, *gpucore.Resources) { panic("out of bounds") }
	p, err := dev.BuildComputePipeline(shader.MustParseWGSL("faulty", scaleWGSL, shader.WithKernel(faulty)))
	if err != nil {
		t.Fatalf("BuildComputePipeline() error = %v", err)
	}
	buf, _ := NewZeroedBuffer[uint32](dev.Allocator(), 64, BufferStorage, PreferDevice)
	ds, _ := dev.DescriptorAllocator().Bind(p, 0, BufferBinding(0, buf))
	seq, _ := dev.BeginSequence(dev.QueueFamilyIndex()).
		BindPipeline(p).BindDescriptorSet(p, 0, ds).Dispatch(1, 1, 1).Finish()

	sub, err := dev.Queue().Submit(seq)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	err = sub.WaitTimeout(10 * time.Second)
	wantStage(t, err, StageSubmission, ErrDeviceLost)
	if sub.State() != SubmissionFailed || !errors.Is(sub.Err(), ErrDeviceLost) {
		t.Errorf("State/Err = %s/%v, want failed/device lost", sub.State(), sub.Err())
	}
	if !dev.Lost() {
		t.Error("device not marked lost")
	}
	if buf.InFlight() {
		t.Error("buffer still in flight after the submission failed")
	}

	src, dst := copyPair(t, dev, []uint32{1})
	next, err := dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst).Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	_, err = dev.Queue().Submit(next)
	wantStage(t, err, StageSubmission, ErrDeviceLost)
}

func TestSubmissionStateString(t *testing.T) {
	for s, want := range map[SubmissionState]string{
		SubmissionPending:   "pending",
		SubmissionCompleted: "completed",
		SubmissionFailed:    "failed",
		SubmissionState(9):  "SubmissionState(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
