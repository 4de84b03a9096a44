package gputask

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputask/backend/software"
)

func TestSequenceValidation(t *testing.T) {
	dev := newTestDevice(t)
	a := dev.Allocator()
	fam := dev.QueueFamilyIndex()

	src, _ := NewZeroedBuffer[uint32](a, 64, BufferTransferSrc, PreferHost|HostSequentialWrite)
	dst, _ := NewZeroedBuffer[uint32](a, 64, BufferTransferDst, PreferHost|HostRandomAccess)
	storage, _ := NewZeroedBuffer[uint32](a, 64, BufferStorage, PreferDevice)
	small, _ := NewZeroedBuffer[uint8](a, 16, BufferTransferDst, PreferHost|HostRandomAccess)
	img, _ := a.NewImage(FormatRGBA8Unorm, Extent{Width: 4, Height: 4}, ImageTransferDst|ImageTransferSrc, PreferDevice)
	storageImg, _ := a.NewImage(FormatRGBA8Unorm, Extent{Width: 4, Height: 4}, ImageStorage, PreferDevice)
	gone, _ := NewZeroedBuffer[uint32](a, 64, BufferTransferSrc, PreferDevice)
	_ = gone.Release()

	p := buildScalePipeline(t, dev)
	ds, err := dev.DescriptorAllocator().Bind(p, 0, BufferBinding(0, storage))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	tests := []struct {
		name   string
		record func(b *Builder)
		want   error
	}{
		{"source lacks TransferSrc", func(b *Builder) { b.CopyBuffer(storage, dst) }, ErrUsageViolation},
		{"destination lacks TransferDst", func(b *Builder) { b.CopyBuffer(src, storage) }, ErrUsageViolation},
		{"copy onto itself", func(b *Builder) { b.CopyBuffer(src, src) }, ErrUsageViolation},
		{"released source", func(b *Builder) { b.CopyBuffer(gone, dst) }, ErrReleased},
		{"clear without TransferDst", func(b *Builder) { b.ClearImage(storageImg, ClearColor{}) }, ErrUsageViolation},
		{"image copy without TransferSrc", func(b *Builder) { b.CopyImageToBuffer(storageImg, dst) }, ErrUsageViolation},
		{"image copy into small buffer", func(b *Builder) { b.CopyImageToBuffer(img, small) }, ErrSequenceBuildFailure},
		{"dispatch without pipeline", func(b *Builder) { b.Dispatch(1, 1, 1) }, ErrSequenceBuildFailure},
		{"dispatch without descriptor set", func(b *Builder) { b.BindPipeline(p).Dispatch(1, 1, 1) }, ErrLayoutMismatch},
		{"zero workgroups", func(b *Builder) { b.BindPipeline(p).BindDescriptorSet(p, 0, ds).Dispatch(0, 1, 1) }, ErrSequenceBuildFailure},
		{"too many workgroups", func(b *Builder) { b.BindPipeline(p).BindDescriptorSet(p, 0, ds).Dispatch(1, 70000, 1) }, ErrSequenceBuildFailure},
		{"set outside layout", func(b *Builder) { b.BindDescriptorSet(p, 1, ds) }, ErrLayoutMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := dev.BeginSequence(fam)
			tt.record(b)
			seq, err := b.Finish()
			if seq != nil {
				t.Fatal("Finish() returned a sequence")
			}
			wantStage(t, err, StageSequencing, ErrSequenceBuildFailure)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v in chain", err, tt.want)
			}
		})
	}
}

func TestSequenceStickyError(t *testing.T) {
	dev := newTestDevice(t)
	a := dev.Allocator()
	src, dst := copyPair(t, dev, []int32{1, 2, 3, 4})
	storage, _ := NewZeroedBuffer[uint32](a, 4, BufferStorage, PreferDevice)

	b := dev.BeginSequence(dev.QueueFamilyIndex()).
		CopyBuffer(src, dst).
		CopyBuffer(storage, dst). // op 1: invalid
		CopyBuffer(src, dst)
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1: calls after the failure are ignored", b.Len())
	}
	if !errors.Is(b.Err(), ErrUsageViolation) {
		t.Errorf("Err() = %v, want ErrUsageViolation", b.Err())
	}
	_, err := b.Finish()
	if err == nil || !strings.Contains(err.Error(), "op 1 (copy buffer)") {
		t.Errorf("Finish() error = %v, want it to name op 1", err)
	}

	_, err = b.Finish()
	wantStage(t, err, StageSequencing, ErrSequenceBuildFailure)
}

func TestSequenceFamilyChecks(t *testing.T) {
	dev := newTestDevice(t)
	src, dst := copyPair(t, dev, []int32{1})

	_, err := dev.BeginSequence(dev.QueueFamilyIndex() + 1).CopyBuffer(src, dst).Finish()
	wantStage(t, err, StageSequencing, ErrSequenceBuildFailure)

	// A transfer-only queue records copies but refuses compute and clears.
	xfer, err := AcquireDevice(WithDriver(software.New()), WithCapabilities(QueueTransfer))
	if err != nil {
		t.Fatalf("AcquireDevice() error = %v", err)
	}
	t.Cleanup(func() { _ = xfer.Close() })
	xsrc, xdst := copyPair(t, xfer, []int32{1, 2})
	if _, err := xfer.BeginSequence(xfer.QueueFamilyIndex()).CopyBuffer(xsrc, xdst).Finish(); err != nil {
		t.Errorf("copy on transfer queue: %v", err)
	}
	img, _ := xfer.Allocator().NewImage(FormatRGBA8Unorm, Extent{Width: 2, Height: 2}, ImageTransferDst, PreferDevice)
	if _, err := xfer.BeginSequence(xfer.QueueFamilyIndex()).ClearImage(img, ClearColor{}).Finish(); err == nil {
		t.Error("clear on transfer queue succeeded")
	}
	if _, err := xfer.BeginSequence(xfer.QueueFamilyIndex()).Dispatch(1, 1, 1).Finish(); err == nil {
		t.Error("dispatch on transfer queue succeeded")
	}
}

func TestSequenceEmpty(t *testing.T) {
	dev := newTestDevice(t)
	_, err := dev.BeginSequence(dev.QueueFamilyIndex()).Finish()
	wantStage(t, err, StageSequencing, ErrSequenceBuildFailure)
}

func TestSequenceForeignResource(t *testing.T) {
	dev := newTestDevice(t)
	other := newTestDevice(t)
	src, _ := copyPair(t, dev, []int32{1})
	_, dst := copyPair(t, other, []int32{1})

	_, err := dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst).Finish()
	wantStage(t, err, StageSequencing, ErrSequenceBuildFailure)
}

func TestSequenceLowering(t *testing.T) {
	dev := newTestDevice(t)
	a := dev.Allocator()
	p := buildScalePipeline(t, dev)
	data, _ := NewBuffer(a, make([]uint32, 128), BufferStorage|BufferTransferSrc, PreferDevice)
	out, _ := NewZeroedBuffer[uint32](a, 64, BufferTransferDst, PreferHost|HostRandomAccess)
	ds, _ := dev.DescriptorAllocator().Bind(p, 0, BufferBinding(0, data))

	seq, err := dev.BeginSequence(dev.QueueFamilyIndex()).
		BindPipeline(p).
		BindDescriptorSet(p, 0, ds).
		Dispatch(2, 1, 1).
		CopyBuffer(data, out).
		Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if seq.Len() != 4 || len(seq.cmds) != 2 {
		t.Fatalf("ops/commands = %d/%d, want 4/2", seq.Len(), len(seq.cmds))
	}
	// pipeline, descriptor set, data and out
	if len(seq.refs) != 4 {
		t.Errorf("len(refs) = %d, want 4", len(seq.refs))
	}
	if seq.Submitted() || seq.QueueFamily() != dev.QueueFamilyIndex() {
		t.Errorf("Submitted/QueueFamily = %v/%d", seq.Submitted(), seq.QueueFamily())
	}
}

func TestWorkgroupCount(t *testing.T) {
	tests := []struct {
		extent, local, want [3]uint32
	}{
		{[3]uint32{65536, 1, 1}, [3]uint32{64, 1, 1}, [3]uint32{1024, 1, 1}},
		{[3]uint32{1024, 1024, 1}, [3]uint32{8, 8, 1}, [3]uint32{128, 128, 1}},
		{[3]uint32{100, 3, 0}, [3]uint32{64, 2, 1}, [3]uint32{2, 2, 1}},
		{[3]uint32{1, 1, 1}, [3]uint32{0, 0, 0}, [3]uint32{1, 1, 1}},
	}
	for _, tt := range tests {
		if got := WorkgroupCount(tt.extent, tt.local); got != tt.want {
			t.Errorf("WorkgroupCount(%v, %v) = %v, want %v", tt.extent, tt.local, got, tt.want)
		}
	}
}
