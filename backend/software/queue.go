package software

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputask/gpucore"
	"github.com/gogpu/gputask/internal/parallel"
)

// fence is signaled by the queue goroutine once its submission ran.
type fence struct {
	done chan struct{}
	err  error // set before done is closed
}

func newFence() *fence {
	return &fence{done: make(chan struct{})}
}

func (f *fence) signal(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the submission finished or timeout elapsed.
// A negative timeout waits indefinitely.
func (f *fence) Wait(timeout time.Duration) (bool, error) {
	if timeout < 0 {
		<-f.done
		return true, f.err
	}
	select {
	case <-f.done:
		return true, f.err
	default:
	}
	if timeout == 0 {
		return false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return true, f.err
	case <-timer.C:
		return false, nil
	}
}

// Destroy is a no-op; fences hold no device memory.
func (f *fence) Destroy() {}

type job struct {
	cmds  []gpucore.Command
	fence *fence
}

// queue executes submissions in order on a single goroutine.
type queue struct {
	dev *Device

	mu     sync.Mutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

func newQueue(d *Device) *queue {
	q := &queue{dev: d, jobs: make(chan job, 16)}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *queue) submit(cmds []gpucore.Command) *fence {
	f := newFence()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		f.signal(fmt.Errorf("software: queue closed: %w", gpucore.ErrDeviceLost))
		return f
	}
	q.jobs <- job{cmds: cmds, fence: f}
	return f
}

func (q *queue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *queue) run() {
	defer q.wg.Done()
	for j := range q.jobs {
		j.fence.signal(q.execute(j.cmds))
	}
}

// execute runs one submission. Once the device is lost every later
// submission fails without running.
func (q *queue) execute(cmds []gpucore.Command) error {
	d := q.dev
	if d.lost.Load() {
		return fmt.Errorf("software: %w", gpucore.ErrDeviceLost)
	}
	for i, c := range cmds {
		if err := d.executeCommand(c); err != nil {
			d.lost.Store(true)
			logger.Load().Warn("software: device lost", "command", i, "err", err)
			return fmt.Errorf("software: command %d: %w: %w", i, gpucore.ErrDeviceLost, err)
		}
	}
	return nil
}

func (d *Device) executeCommand(c gpucore.Command) error {
	switch c := c.(type) {
	case gpucore.CopyBufferCmd:
		return d.copyBuffer(c)
	case gpucore.ClearImageCmd:
		return d.clearImage(c)
	case gpucore.CopyImageToBufferCmd:
		return d.copyImageToBuffer(c)
	case gpucore.DispatchCmd:
		return d.dispatch(c)
	default:
		return fmt.Errorf("unknown command %T: %w", c, gpucore.ErrUnsupported)
	}
}

func (d *Device) copyBuffer(c gpucore.CopyBufferCmd) error {
	src, err := d.lookupBuffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := d.lookupBuffer(c.Dst)
	if err != nil {
		return err
	}
	if c.Size > uint64(len(src.data)) || c.Size > uint64(len(dst.data)) {
		return fmt.Errorf("copy of %d bytes exceeds buffer sizes %d/%d", c.Size, len(src.data), len(dst.data))
	}
	copy(dst.data[:c.Size], src.data[:c.Size])
	return nil
}

func (d *Device) lookupImage(id gpucore.ImageID) (*image, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	img, ok := d.images[id]
	if !ok {
		return nil, fmt.Errorf("software: image %d: %w", id, gpucore.ErrInvalidID)
	}
	return img, nil
}

func (d *Device) clearImage(c gpucore.ClearImageCmd) error {
	img, err := d.lookupImage(c.Image)
	if err != nil {
		return err
	}
	var texel [4]byte
	for i, v := range c.Color {
		texel[i] = gpucore.UnormToByte(v)
	}
	for off := 0; off < len(img.data); off += 4 {
		copy(img.data[off:off+4], texel[:])
	}
	return nil
}

func (d *Device) copyImageToBuffer(c gpucore.CopyImageToBufferCmd) error {
	img, err := d.lookupImage(c.Src)
	if err != nil {
		return err
	}
	dst, err := d.lookupBuffer(c.Dst)
	if err != nil {
		return err
	}
	if len(dst.data) < len(img.data) {
		return fmt.Errorf("buffer of %d bytes too small for %dx%d image", len(dst.data), img.width, img.height)
	}
	copy(dst.data, img.data)
	return nil
}

func (d *Device) dispatch(c gpucore.DispatchCmd) error {
	d.mu.RLock()
	p, ok := d.pipelines[c.Pipeline]
	if !ok {
		d.mu.RUnlock()
		return fmt.Errorf("pipeline %d: %w", c.Pipeline, gpucore.ErrInvalidID)
	}
	res := gpucore.NewResources()
	for i, id := range c.BindGroups {
		if id == gpucore.InvalidID {
			continue
		}
		bg, ok := d.bindGroups[id]
		if !ok {
			d.mu.RUnlock()
			return fmt.Errorf("bind group %d: %w", id, gpucore.ErrInvalidID)
		}
		set := uint32(i) //nolint:gosec // G115: set count is bounded by MaxBindGroups
		for _, e := range bg.entries {
			if b, ok := d.buffers[e.Buffer]; ok {
				res.SetBuffer(set, e.Binding, gpucore.NewStorageBuffer(b.data))
				continue
			}
			if img, ok := d.images[e.Image]; ok {
				res.SetImage(set, e.Binding, &gpucore.StorageImage{
					Width:  int(img.width),
					Height: int(img.height),
					Pix:    img.data,
				})
				continue
			}
			d.mu.RUnlock()
			return fmt.Errorf("bind group %d binding %d: resource destroyed: %w", id, e.Binding, gpucore.ErrInvalidID)
		}
	}
	d.mu.RUnlock()

	groups := c.Groups
	nx, ny := int(groups[0]), int(groups[1])
	total := nx * ny * int(groups[2])
	err := d.pool.ForEach(total, func(g int) {
		//nolint:gosec // G115: every component is bounded by groups
		wg := [3]uint32{uint32(g % nx), uint32(g / nx % ny), uint32(g / (nx * ny))}
		runWorkgroup(p.kernel, res, wg, groups, p.size)
	})
	if err != nil {
		var pe *parallel.PanicError
		if errors.As(err, &pe) {
			return fmt.Errorf("pipeline %q: kernel fault: %v", p.label, pe.Value)
		}
		return fmt.Errorf("pipeline %q: %w", p.label, err)
	}
	return nil
}

func runWorkgroup(k gpucore.Kernel, res *gpucore.Resources, wg, groups, size [3]uint32) {
	inv := gpucore.Invocation{
		WorkgroupID:   wg,
		NumWorkgroups: groups,
		WorkgroupSize: size,
	}
	for z := range size[2] {
		for y := range size[1] {
			for x := range size[0] {
				inv.LocalID = [3]uint32{x, y, z}
				inv.GlobalID = [3]uint32{
					wg[0]*size[0] + x,
					wg[1]*size[1] + y,
					wg[2]*size[2] + z,
				}
				k(inv, res)
			}
		}
	}
}
