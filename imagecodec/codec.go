// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package imagecodec saves and loads tightly packed RGBA8 pixel data.
//
// The encoder is chosen from the file extension:
//
//	.png         image/png
//	.bmp         golang.org/x/image/bmp
//	.tif, .tiff  golang.org/x/image/tiff
//
// Pixels are straight (non-premultiplied) alpha, row-major, four bytes per
// pixel, which is what an RGBA8Unorm image copied into a buffer yields.
package imagecodec

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

var (
	// ErrUnknownFormat is returned for extensions or names without an encoder.
	ErrUnknownFormat = errors.New("imagecodec: unknown image format")

	// ErrSize is returned when the pixel data does not match the dimensions.
	ErrSize = errors.New("imagecodec: pixel data does not match dimensions")
)

// Format is an image file format.
type Format uint8

// Supported formats.
const (
	PNG Format = iota + 1
	BMP
	TIFF
)

// String returns the canonical lower-case name.
func (f Format) String() string {
	switch f {
	case PNG:
		return "png"
	case BMP:
		return "bmp"
	case TIFF:
		return "tiff"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	if f == TIFF {
		return ".tif"
	}
	return "." + f.String()
}

// ParseFormat parses a format name such as "png" or ".tiff".
func ParseFormat(name string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(name), ".") {
	case "png":
		return PNG, nil
	case "bmp":
		return BMP, nil
	case "tif", "tiff":
		return TIFF, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// FormatOf returns the format implied by the extension of path.
func FormatOf(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Encode writes width x height RGBA pixels to w in format f.
func Encode(w io.Writer, f Format, width, height int, rgba []byte) error {
	img, err := wrap(width, height, rgba)
	if err != nil {
		return err
	}
	switch f {
	case PNG:
		return png.Encode(w, img)
	case BMP:
		return bmp.Encode(w, img)
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
}

// Save writes the pixels to path, choosing the encoder by extension.
func Save(path string, width, height int, rgba []byte) error {
	f, err := FormatOf(path)
	if err != nil {
		return err
	}
	out, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	if err := Encode(out, f, width, height, rgba); err != nil {
		_ = out.Close()
		return fmt.Errorf("imagecodec: encode %s: %w", path, err)
	}
	return out.Close()
}

// Decode reads an image in any supported format and returns its pixels
// converted to straight-alpha RGBA.
func Decode(r io.Reader) (width, height int, rgba []byte, err error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("imagecodec: decode: %w", err)
	}
	b := src.Bounds()
	dst, ok := src.(*image.NRGBA)
	if !ok || b.Min != (image.Point{}) || dst.Stride != 4*b.Dx() {
		dst = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)
	}
	return b.Dx(), b.Dy(), dst.Pix, nil
}

// Load reads the image file at path.
func Load(path string) (width, height int, rgba []byte, err error) {
	f, err := os.Open(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return 0, 0, nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Decode(f)
}

func wrap(width, height int, rgba []byte) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 || len(rgba) != width*height*4 {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrSize, width, height, len(rgba))
	}
	return &image.NRGBA{
		Pix:    rgba,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}
