package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/gputask/backend"
	"github.com/gogpu/gputask/imagecodec"
	"github.com/gogpu/gputask/lessons"
)

// config is the run configuration. It is read from an optional TOML file
// and then overridden by explicitly set flags.
type config struct {
	Backend        string   `toml:"backend"`
	Lessons        []string `toml:"lessons"`
	OutputDir      string   `toml:"output_dir"`
	ImageFormat    string   `toml:"image_format"`
	Timeout        duration `toml:"timeout"`
	Verbose        bool     `toml:"verbose"`
	MemoryBudgetMB int      `toml:"memory_budget_mb"`
}

// duration decodes TOML strings such as "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func defaultConfig() config {
	return config{
		Backend:     backend.BackendAuto,
		Lessons:     lessons.Names(),
		OutputDir:   ".",
		ImageFormat: imagecodec.PNG.String(),
		Timeout:     duration(lessons.DefaultTimeout),
	}
}

// loadConfigFile decodes path over cfg. Unknown keys are rejected.
func loadConfigFile(path string, cfg *config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("%s:%d:%d: %w", path, row, col, err)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// validate checks cfg and resolves the lesson list and image format.
func (c *config) validate() ([]lessons.Lesson, imagecodec.Format, error) {
	format, err := imagecodec.ParseFormat(c.ImageFormat)
	if err != nil {
		return nil, 0, err
	}
	if c.Timeout < 0 {
		return nil, 0, fmt.Errorf("timeout must not be negative, got %s", time.Duration(c.Timeout))
	}
	if c.MemoryBudgetMB < 0 {
		return nil, 0, fmt.Errorf("memory_budget_mb must not be negative, got %d", c.MemoryBudgetMB)
	}
	if len(c.Lessons) == 0 {
		return nil, 0, errors.New("no lessons selected")
	}
	selected := make([]lessons.Lesson, 0, len(c.Lessons))
	for _, name := range c.Lessons {
		l, ok := lessons.Lookup(strings.TrimSpace(name))
		if !ok {
			return nil, 0, fmt.Errorf("unknown lesson %q (available: %s)", name, strings.Join(lessons.Names(), ", "))
		}
		selected = append(selected, l)
	}
	return selected, format, nil
}

// splitList parses a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
