package gputask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputask/gpucore"
)

// waitSlice bounds each blocking fence wait so context cancellation is
// noticed promptly.
const waitSlice = 50 * time.Millisecond

// Queue is the device queue sequences are submitted to.
type Queue struct {
	dev    *Device
	family uint32

	// mu serializes submissions so in-flight marking and driver submission
	// happen in queue order.
	mu sync.Mutex
}

// Family returns the queue family index.
func (q *Queue) Family() uint32 { return q.family }

// SubmissionState is the state of a submitted sequence.
type SubmissionState uint8

// Submission states.
const (
	SubmissionPending SubmissionState = iota + 1
	SubmissionCompleted
	SubmissionFailed
)

func (s SubmissionState) String() string {
	switch s {
	case SubmissionPending:
		return "pending"
	case SubmissionCompleted:
		return "completed"
	case SubmissionFailed:
		return "failed"
	default:
		return fmt.Sprintf("SubmissionState(%d)", uint8(s))
	}
}

// Submit hands seq to the device for asynchronous execution and returns a
// pending token. Every resource seq references stays in flight until a
// successful Wait.
//
// A sequence can be submitted once. Validation failures leave it
// unconsumed; once it reaches the driver it is consumed even if the driver
// rejects it. Only a driver error wrapping gpucore.ErrDeviceLost marks the
// device lost.
func (q *Queue) Submit(seq *Sequence) (*Submission, error) {
	const op = "submit"
	d := q.dev
	if seq == nil {
		return nil, errorf(StageSubmission, op, ErrSequenceBuildFailure, "nil sequence")
	}
	if err := d.checkOpen(StageSubmission, op); err != nil {
		return nil, err
	}
	if seq.dev != d {
		return nil, errorf(StageSubmission, op, ErrSequenceBuildFailure, "sequence was recorded on another device")
	}
	if seq.family != q.family {
		return nil, errorf(StageSubmission, op, ErrSequenceBuildFailure,
			"sequence recorded for family %d, queue belongs to family %d", seq.family, q.family)
	}
	if d.lost.Load() {
		return nil, errorf(StageSubmission, op, ErrDeviceLost, "device %q", d.info.Name)
	}
	if seq.consumed.Load() {
		return nil, newError(StageSubmission, op, ErrSequenceConsumed, nil)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	d.trackMu.Lock()
	for _, r := range seq.refs {
		if r.released.Load() {
			d.trackMu.Unlock()
			return nil, newError(StageSubmission, op, ErrReleased, fmt.Errorf("resource %q", r.label))
		}
	}
	if !seq.consumed.CompareAndSwap(false, true) {
		d.trackMu.Unlock()
		return nil, newError(StageSubmission, op, ErrSequenceConsumed, nil)
	}
	for _, r := range seq.refs {
		r.inFlight++
	}
	d.trackMu.Unlock()

	fence, err := d.dev.Submit(seq.cmds)
	if err != nil {
		d.releaseRefs(seq.refs)
		if errors.Is(err, gpucore.ErrDeviceLost) {
			d.markLost(err)
		}
		return nil, driverError(StageSubmission, op, ErrSubmissionFailure, err)
	}

	s := &Submission{dev: d, seq: seq, fence: fence, state: SubmissionPending}
	d.trackMu.Lock()
	d.pending[s] = struct{}{}
	d.trackMu.Unlock()

	Logger().Debug("gputask: sequence submitted", "ops", seq.ops, "commands", len(seq.cmds), "resources", len(seq.refs))
	return s, nil
}

func (d *Device) releaseRefs(refs []*resource) {
	d.trackMu.Lock()
	for _, r := range refs {
		r.inFlight--
	}
	d.trackMu.Unlock()
}

// Submission is the token of a submitted sequence.
type Submission struct {
	dev   *Device
	seq   *Sequence
	fence gpucore.Fence

	// waitMu serializes waiters; mu guards state and err.
	waitMu sync.Mutex
	mu     sync.Mutex
	state  SubmissionState
	err    error
}

// State returns the current state.
func (s *Submission) State() SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure of a failed submission.
func (s *Submission) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the submission completed. The context deadline is the
// optional timeout: when it expires Wait returns ErrTimeout and the
// submission stays pending. Without a deadline Wait blocks indefinitely.
//
// After a successful Wait the host can read every resource the sequence
// wrote.
func (s *Submission) Wait(ctx context.Context) error {
	const op = "wait"
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	switch s.State() {
	case SubmissionCompleted:
		return nil
	case SubmissionFailed:
		return s.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return newError(StageSubmission, op, ErrTimeout, err)
		}
		slice := waitSlice
		if deadline, ok := ctx.Deadline(); ok {
			slice = min(slice, max(time.Until(deadline), 0))
		}
		done, err := s.fence.Wait(slice)
		if err != nil {
			e := driverError(StageSubmission, op, ErrDeviceLost, err)
			if errors.Is(e, ErrDeviceLost) {
				s.dev.markLost(err)
			}
			s.finish(SubmissionFailed, e)
			return e
		}
		if done {
			s.finish(SubmissionCompleted, nil)
			return nil
		}
	}
}

// WaitTimeout is Wait with a timeout. A non-positive timeout waits
// indefinitely.
func (s *Submission) WaitTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return s.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Wait(ctx)
}

// finish records the final state and releases the referenced resources.
func (s *Submission) finish(state SubmissionState, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()

	s.fence.Destroy()
	d := s.dev
	d.trackMu.Lock()
	for _, r := range s.seq.refs {
		r.inFlight--
	}
	delete(d.pending, s)
	d.trackMu.Unlock()
}
