package gputask

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputask/gpucore"
)

// Errors reported by gputask. Every failure is returned as an *Error whose
// chain contains one of these sentinels; test with errors.Is.
var (
	// ErrNoDriver is returned when no device runtime is installed.
	ErrNoDriver = errors.New("gputask: no driver")

	// ErrNoSuitableDevice is returned when no adapter exposes a queue family
	// with the requested capabilities.
	ErrNoSuitableDevice = errors.New("gputask: no suitable device")

	// ErrAllocationFailure is returned when a resource cannot be created.
	ErrAllocationFailure = errors.New("gputask: allocation failure")

	// ErrShaderLinkFailure is returned when a pipeline cannot be built from a
	// shader module.
	ErrShaderLinkFailure = errors.New("gputask: shader link failure")

	// ErrLayoutMismatch is returned when bindings do not satisfy a
	// pipeline's descriptor set layout.
	ErrLayoutMismatch = errors.New("gputask: layout mismatch")

	// ErrSequenceBuildFailure is returned by Builder.Finish when any recorded
	// operation was invalid.
	ErrSequenceBuildFailure = errors.New("gputask: sequence build failure")

	// ErrUsageViolation is returned when a resource is used in a way its
	// usage flags do not allow. It appears wrapped in ErrSequenceBuildFailure.
	ErrUsageViolation = errors.New("gputask: usage violation")

	// ErrTimeout is returned when a wait expired before completion.
	ErrTimeout = errors.New("gputask: timeout")

	// ErrSubmissionFailure is returned when the driver rejects a sequence
	// for a reason that leaves the device usable.
	ErrSubmissionFailure = errors.New("gputask: submission failure")

	// ErrDeviceLost is returned once the device stopped executing work.
	ErrDeviceLost = errors.New("gputask: device lost")

	// ErrResourceInFlight is returned when the host touches a resource that
	// a pending submission still references.
	ErrResourceInFlight = errors.New("gputask: resource in flight")

	// ErrReleased is returned when a released resource is used.
	ErrReleased = errors.New("gputask: resource released")

	// ErrNotHostVisible is returned for host access to device-only memory.
	ErrNotHostVisible = errors.New("gputask: memory not host visible")

	// ErrSequenceConsumed is returned when a one-time sequence is submitted
	// a second time.
	ErrSequenceConsumed = errors.New("gputask: sequence already submitted")

	// ErrDeviceClosed is returned for operations on a closed device.
	ErrDeviceClosed = errors.New("gputask: device closed")
)

// Stage identifies the part of the task lifecycle an error came from.
type Stage uint8

// Lifecycle stages.
const (
	StageDevice Stage = iota + 1
	StageAllocation
	StagePipeline
	StageBinding
	StageSequencing
	StageSubmission
	StageReadback
)

func (s Stage) String() string {
	switch s {
	case StageDevice:
		return "device"
	case StageAllocation:
		return "allocation"
	case StagePipeline:
		return "pipeline"
	case StageBinding:
		return "binding"
	case StageSequencing:
		return "sequencing"
	case StageSubmission:
		return "submission"
	case StageReadback:
		return "readback"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Error describes a failed operation.
type Error struct {
	Stage Stage
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gputask: %s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error whose chain contains kind and cause.
func newError(stage Stage, op string, kind, cause error) *Error {
	if cause == nil {
		return &Error{Stage: stage, Op: op, Err: kind}
	}
	if errors.Is(cause, kind) {
		return &Error{Stage: stage, Op: op, Err: cause}
	}
	return &Error{Stage: stage, Op: op, Err: fmt.Errorf("%w: %w", kind, cause)}
}

// errorf builds an *Error with a formatted message wrapped around kind.
func errorf(stage Stage, op string, kind error, format string, args ...any) *Error {
	return &Error{Stage: stage, Op: op, Err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))}
}

// driverError maps a driver failure to the matching sentinel. fallback is
// used when the driver error has no more specific meaning.
func driverError(stage Stage, op string, fallback, err error) *Error {
	switch {
	case errors.Is(err, gpucore.ErrDeviceLost):
		return newError(stage, op, ErrDeviceLost, err)
	case errors.Is(err, gpucore.ErrOutOfMemory):
		return newError(stage, op, ErrAllocationFailure, err)
	case errors.Is(err, gpucore.ErrNotHostVisible):
		return newError(stage, op, ErrNotHostVisible, err)
	case errors.Is(err, gpucore.ErrNotInstalled):
		return newError(stage, op, ErrNoDriver, err)
	default:
		return newError(stage, op, fallback, err)
	}
}
