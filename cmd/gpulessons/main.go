// Command gpulessons runs the gputask lessons on the best available device.
//
// Usage:
//
//	gpulessons [flags]
//
// Flags override the values of the optional TOML file given with -config:
//
//	backend          = "auto"          # auto, wgpu or software
//	lessons          = ["buffer-creation", "mandelbrot"]
//	output_dir       = "out"
//	image_format     = "png"           # png, bmp or tiff
//	timeout          = "30s"
//	verbose          = false
//	memory_budget_mb = 256             # software device heaps
//
// gpulessons exits with status 1 when any lesson fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gogpu/gputask"
	"github.com/gogpu/gputask/backend"
	"github.com/gogpu/gputask/backend/software"
	_ "github.com/gogpu/gputask/backend/wgpu" // register the GPU backend
	"github.com/gogpu/gputask/lessons"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, runs the selected lessons and returns the exit status.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gpulessons", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "TOML configuration file")
		backendArg = fs.String("backend", backend.BackendAuto, "device backend: auto, wgpu or software")
		lessonsArg = fs.String("lessons", strings.Join(lessons.Names(), ","), "comma-separated lessons to run")
		outputDir  = fs.String("output", ".", "directory for image outputs")
		formatArg  = fs.String("format", "png", "image format: png, bmp or tiff")
		timeoutArg = fs.Duration("timeout", lessons.DefaultTimeout, "wait timeout per submission")
		verbose    = fs.Bool("v", false, "enable debug logging")
		budgetMB   = fs.Int("memory-budget", 0, "software device heap budget in MB (0 keeps the default)")
		list       = fs.Bool("list", false, "list lessons and exit")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *list {
		for _, l := range lessons.All() {
			fmt.Fprintf(stdout, "%-18s %s\n", l.Name, l.Description)
		}
		return 0
	}

	cfg := defaultConfig()
	if *configPath != "" {
		if err := loadConfigFile(*configPath, &cfg); err != nil {
			fmt.Fprintf(stderr, "gpulessons: config: %v\n", err)
			return 1
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = *backendArg
		case "lessons":
			cfg.Lessons = splitList(*lessonsArg)
		case "output":
			cfg.OutputDir = *outputDir
		case "format":
			cfg.ImageFormat = *formatArg
		case "timeout":
			cfg.Timeout = duration(*timeoutArg)
		case "v":
			cfg.Verbose = *verbose
		case "memory-budget":
			cfg.MemoryBudgetMB = *budgetMB
		}
	})

	selected, format, err := cfg.validate()
	if err != nil {
		fmt.Fprintf(stderr, "gpulessons: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	gputask.SetLogger(logger)
	defer gputask.SetLogger(nil)

	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			fmt.Fprintf(stderr, "gpulessons: cannot create output directory: %v\n", err)
			return 1
		}
	}

	dev, err := gputask.AcquireDevice(deviceOptions(cfg)...)
	if err != nil {
		fmt.Fprintf(stderr, "gpulessons: %v\n", err)
		return 1
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("device close failed", "error", err)
		}
	}()
	logger.Info("device acquired",
		"adapter", dev.Info().Name, "driver", dev.Driver().Name(), "queue_family", dev.QueueFamilyIndex())

	env := &lessons.Env{
		Device:      dev,
		OutputDir:   cfg.OutputDir,
		ImageFormat: format,
		Timeout:     time.Duration(cfg.Timeout),
	}

	failed := 0
	for _, l := range selected {
		res, err := l.Run(context.Background(), env)
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "FAIL %-18s %v\n", l.Name, err)
			logger.Error("lesson failed", "lesson", l.Name, "error", err)
			if dev.Lost() {
				fmt.Fprintln(stderr, "gpulessons: device lost, stopping")
				break
			}
			continue
		}
		line := fmt.Sprintf("PASS %-18s %8s  %s", l.Name, res.Elapsed.Round(time.Millisecond), res.Detail)
		if res.Output != "" {
			line += " -> " + res.Output
		}
		fmt.Fprintln(stdout, line)
		logger.Info("lesson passed", "lesson", l.Name, "elapsed", res.Elapsed)
	}

	if failed > 0 {
		fmt.Fprintf(stderr, "gpulessons: %d of %d lessons failed\n", failed, len(selected))
		return 1
	}
	return 0
}

// deviceOptions maps the configured backend to acquisition options.
// The memory budget only applies to an explicitly selected software device.
func deviceOptions(cfg config) []gputask.DeviceOption {
	switch cfg.Backend {
	case "", backend.BackendAuto:
		return nil
	case backend.BackendSoftware:
		return []gputask.DeviceOption{gputask.WithDriver(
			software.New(software.WithMemoryBudget(cfg.MemoryBudgetMB, cfg.MemoryBudgetMB)),
		)}
	default:
		return []gputask.DeviceOption{gputask.WithBackend(cfg.Backend)}
	}
}
