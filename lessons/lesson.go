// Package lessons holds the runnable walkthroughs of the gputask core:
// buffer copies, a compute pipeline, image clears and a Mandelbrot render.
//
// Each lesson builds its resources on the device it is given, submits the
// work, waits, and verifies the result on the host. Lessons that produce
// images write them to Env.OutputDir.
//
// Every shader ships with a host kernel so lessons run on the software
// device as well as on GPUs.
package lessons

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gogpu/gputask"
	"github.com/gogpu/gputask/imagecodec"
)

// DefaultTimeout bounds each wait when Env.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrVerification is returned when a lesson's result does not match the
// host reference.
var ErrVerification = errors.New("lessons: verification failed")

//go:embed shaders/*.wgsl
var shaderFS embed.FS

// Env is what a lesson runs against.
type Env struct {
	Device *gputask.Device

	// OutputDir receives image outputs. Empty disables saving.
	OutputDir string

	// ImageFormat selects the encoder for saved images. Zero means PNG.
	ImageFormat imagecodec.Format

	// Timeout bounds each submission wait. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Result reports a completed lesson.
type Result struct {
	Name    string
	Elapsed time.Duration

	// Output is the path of the saved image, if any.
	Output string

	// Detail is a one-line summary of what was verified.
	Detail string
}

// Lesson is one runnable walkthrough.
type Lesson struct {
	Name        string
	Description string
	run         func(ctx context.Context, env *Env) (Result, error)
}

// Run executes the lesson. The returned Result carries the lesson name and
// elapsed time even on failure.
func (l Lesson) Run(ctx context.Context, env *Env) (Result, error) {
	start := time.Now()
	res, err := l.run(ctx, env)
	res.Name = l.Name
	res.Elapsed = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("lesson %s: %w", l.Name, err)
	}
	gputask.Logger().Debug("lessons: passed", "lesson", l.Name, "elapsed", res.Elapsed)
	return res, nil
}

// registry lists the lessons in the order they build on each other.
var registry = []Lesson{
	{
		Name:        "buffer-creation",
		Description: "copy 64 integers between two host-visible buffers",
		run:         bufferCreation,
	},
	{
		Name:        "compute-pipeline",
		Description: "multiply 65536 integers by 12 in a compute shader",
		run:         computePipeline,
	},
	{
		Name:        "clear-image",
		Description: "clear a 1024x1024 image to blue and read it back",
		run:         clearImage,
	},
	{
		Name:        "mandelbrot",
		Description: "render the Mandelbrot set into a storage image",
		run:         mandelbrot,
	},
}

// All returns every lesson in run order.
func All() []Lesson {
	return append([]Lesson(nil), registry...)
}

// Names returns the lesson names in run order.
func Names() []string {
	names := make([]string, len(registry))
	for i, l := range registry {
		names[i] = l.Name
	}
	return names
}

// Lookup finds a lesson by name.
func Lookup(name string) (Lesson, bool) {
	for _, l := range registry {
		if l.Name == name {
			return l, true
		}
	}
	return Lesson{}, false
}

// submit finishes b, submits it and waits for completion.
func submit(ctx context.Context, env *Env, b *gputask.Builder) error {
	seq, err := b.Finish()
	if err != nil {
		return err
	}
	sub, err := env.Device.Queue().Submit(seq)
	if err != nil {
		return err
	}
	timeout := env.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sub.Wait(ctx)
}

// saveImage writes rgba under env.OutputDir and returns the path, or ""
// when saving is disabled.
func saveImage(env *Env, base string, extent gputask.Extent, rgba []byte) (string, error) {
	if env.OutputDir == "" {
		return "", nil
	}
	format := env.ImageFormat
	if format == 0 {
		format = imagecodec.PNG
	}
	path := filepath.Join(env.OutputDir, base+format.Ext())
	if err := imagecodec.Save(path, int(extent.Width), int(extent.Height), rgba); err != nil {
		return "", err
	}
	return path, nil
}

func loadShader(name string) string {
	src, err := shaderFS.ReadFile("shaders/" + name)
	if err != nil {
		panic(fmt.Sprintf("lessons: missing embedded shader %s: %v", name, err))
	}
	return string(src)
}
