package gputask

import (
	"context"
	"errors"
	"testing"

	"github.com/gogpu/gputask/backend"
	"github.com/gogpu/gputask/backend/software"
	"github.com/gogpu/gputask/gpucore"
)

// newTestDevice acquires a device on a fresh software driver.
func newTestDevice(t *testing.T, opts ...software.Option) *Device {
	t.Helper()
	dev, err := AcquireDevice(WithDriver(software.New(opts...)))
	if err != nil {
		t.Fatalf("AcquireDevice() error = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

// wantStage asserts that err is an *Error of the given stage wrapping kind.
func wantStage(t *testing.T, err error, stage Stage, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want %v", err, kind)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error %v is not an *Error", err)
	}
	if e.Stage != stage {
		t.Errorf("stage = %s, want %s", e.Stage, stage)
	}
}

type missingRuntime struct{}

func (missingRuntime) Name() string { return "missing-runtime" }

func (missingRuntime) Adapters() ([]gpucore.Adapter, error) {
	return nil, gpucore.ErrNotInstalled
}

func (missingRuntime) Close() {}

func TestAcquireDeviceSelectsComputeFamily(t *testing.T) {
	dev := newTestDevice(t)

	if dev.Info().Name != software.AdapterName {
		t.Errorf("adapter = %q, want %q", dev.Info().Name, software.AdapterName)
	}
	if !dev.QueueFamily().Caps.Contains(QueueCompute) {
		t.Errorf("family caps = %s, want Compute", dev.QueueFamily().Caps)
	}
	// Family 0 of the software adapter is transfer-only.
	if dev.QueueFamilyIndex() != 1 {
		t.Errorf("QueueFamilyIndex() = %d, want 1", dev.QueueFamilyIndex())
	}
	if dev.Queue().Family() != dev.QueueFamilyIndex() {
		t.Errorf("queue family = %d, device family = %d", dev.Queue().Family(), dev.QueueFamilyIndex())
	}
	if dev.Allocator() == nil || dev.DescriptorAllocator() == nil {
		t.Error("device allocators not initialized")
	}
}

func TestAcquireDeviceTransferFamily(t *testing.T) {
	dev, err := AcquireDevice(WithDriver(software.New()), WithCapabilities(QueueTransfer))
	if err != nil {
		t.Fatalf("AcquireDevice() error = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	if dev.QueueFamilyIndex() != 0 {
		t.Errorf("QueueFamilyIndex() = %d, want first transfer family 0", dev.QueueFamilyIndex())
	}
}

func TestAcquireDeviceErrors(t *testing.T) {
	transferOnly := software.New(software.WithQueueFamilies(
		gpucore.QueueFamily{Caps: QueueTransfer},
	))

	tests := []struct {
		name string
		opts []DeviceOption
		want error
	}{
		{"no family with capability", []DeviceOption{WithDriver(transferOnly)}, ErrNoSuitableDevice},
		{"adapter index out of range", []DeviceOption{WithDriver(software.New()), WithAdapterIndex(3)}, ErrNoSuitableDevice},
		{"runtime not installed", []DeviceOption{WithDriver(missingRuntime{})}, ErrNoDriver},
		{"unknown backend", []DeviceOption{WithBackend("no-such-backend")}, ErrNoDriver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := AcquireDevice(tt.opts...)
			if err == nil {
				_ = dev.Close()
				t.Fatal("AcquireDevice() succeeded")
			}
			wantStage(t, err, StageDevice, tt.want)
		})
	}
}

func TestAcquireDeviceFromRegistry(t *testing.T) {
	if !backend.IsRegistered(backend.BackendSoftware) {
		t.Fatal("software backend not registered by import")
	}
	dev, err := AcquireDevice(WithBackend(backend.BackendSoftware))
	if err != nil {
		t.Fatalf("AcquireDevice(software) error = %v", err)
	}
	if dev.Driver().Name() != backend.BackendSoftware {
		t.Errorf("driver = %q, want software", dev.Driver().Name())
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDeviceClose(t *testing.T) {
	dev, err := AcquireDevice(WithDriver(software.New()))
	if err != nil {
		t.Fatalf("AcquireDevice() error = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	_, err = NewZeroedBuffer[uint32](dev.Allocator(), 4, BufferStorage, PreferDevice)
	wantStage(t, err, StageAllocation, ErrDeviceClosed)

	_, err = dev.BeginSequence(dev.QueueFamilyIndex()).Finish()
	wantStage(t, err, StageSequencing, ErrSequenceBuildFailure)
	if !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("error = %v, want ErrDeviceClosed in chain", err)
	}
}

func TestDeviceWaitIdle(t *testing.T) {
	dev := newTestDevice(t)
	src, dst := copyPair(t, dev, []int32{1, 2, 3})

	for range 3 {
		seq, err := dev.BeginSequence(dev.QueueFamilyIndex()).CopyBuffer(src, dst).Finish()
		if err != nil {
			t.Fatalf("Finish() error = %v", err)
		}
		if _, err := dev.Queue().Submit(seq); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if err := dev.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
	if src.InFlight() || dst.InFlight() {
		t.Error("buffers still in flight after WaitIdle")
	}
}

func TestErrorString(t *testing.T) {
	err := newError(StageBinding, "bind descriptor set", ErrLayoutMismatch, errors.New("set 0: binding 0 is not filled"))
	want := "gputask: binding: bind descriptor set: gputask: layout mismatch: set 0: binding 0 is not filled"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	// A cause that already carries the sentinel is not wrapped twice.
	again := newError(StageSubmission, "submit", ErrDeviceLost, err)
	if !errors.Is(again, ErrLayoutMismatch) {
		t.Error("cause lost")
	}
	if errors.Is(newError(StageSubmission, "submit", ErrDeviceLost, nil), ErrTimeout) {
		t.Error("unexpected sentinel in chain")
	}
}

func TestDriverErrorMapping(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{gpucore.ErrDeviceLost, ErrDeviceLost},
		{gpucore.ErrNotHostVisible, ErrNotHostVisible},
		{gpucore.ErrNotInstalled, ErrNoDriver},
		{gpucore.ErrOutOfMemory, ErrAllocationFailure},
	}
	for _, tt := range tests {
		err := driverError(StageAllocation, "op", ErrAllocationFailure, tt.in)
		if !errors.Is(err, tt.want) || !errors.Is(err, tt.in) {
			t.Errorf("driverError(%v) = %v, want %v wrapping the cause", tt.in, err, tt.want)
		}
	}
}
