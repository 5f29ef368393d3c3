package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxBytes is the largest payload Rekognition accepts as raw image bytes.
	DefaultMaxBytes     = 5 * 1024 * 1024
	DefaultMaxDimension = 4096

	initialQuality = 90
	minQuality     = 60
	maxAttempts    = 6
)

var (
	ErrEmptyImage = errors.New("image payload is empty")
	ErrTooLarge   = errors.New("image cannot be reduced below the size limit")
)

type Options struct {
	MaxBytes          int
	MaxDimension      int
	SVGFallbackWidth  int
	SVGFallbackHeight int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Preparer turns uploaded payloads into JPEG or PNG bytes within the size limit.
type Preparer struct {
	options Options
}

func NewPreparer(options Options) *Preparer {
	if options.MaxBytes <= 0 {
		options.MaxBytes = DefaultMaxBytes
	}
	if options.MaxDimension <= 0 {
		options.MaxDimension = DefaultMaxDimension
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Preparer{options: options}
}

// Prepare returns data unchanged when it is already an acceptable JPEG or PNG.
// Everything else is decoded, scaled to fit and re-encoded as JPEG.
func (p *Preparer) Prepare(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if (hasPNGSignature(data) || hasJPEGSignature(data)) && len(data) <= p.options.MaxBytes {
		return data, nil
	}

	img, format, err := p.decode(data)
	if err != nil {
		return nil, err
	}
	p.options.Logger.Debug("imageprep: converting image",
		"format", format,
		"input_size_bytes", len(data),
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	maxDimension := p.options.MaxDimension
	quality := initialQuality
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := encodeJPEG(fit(img, maxDimension), quality)
		if err != nil {
			return nil, err
		}
		if len(out) <= p.options.MaxBytes {
			p.options.Logger.Debug("imageprep: conversion complete",
				"output_size_bytes", len(out),
				"quality", quality,
				"max_dimension", maxDimension)
			return out, nil
		}
		maxDimension = maxDimension * 3 / 4
		if quality > minQuality {
			quality -= 10
		}
		if maxDimension < 1 {
			break
		}
	}
	return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, p.options.MaxBytes)
}

func (p *Preparer) decode(data []byte) (image.Image, string, error) {
	if isSVGData(data) {
		img, err := p.rasterizeSVG(data)
		if err != nil {
			return nil, "", err
		}
		return img, "svg", nil
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// fit scales img down so neither side exceeds maxDimension, preserving aspect ratio.
func fit(img image.Image, maxDimension int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxDimension && height <= maxDimension {
		return img
	}
	scaledWidth, scaledHeight := computeScaledDimensions(width, height, maxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, scaledWidth, scaledHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

func computeScaledDimensions(width, height, maxDimension int) (int, int) {
	if width >= height {
		scaledHeight := int(float64(height) * float64(maxDimension) / float64(width))
		return maxDimension, max(scaledHeight, 1)
	}
	scaledWidth := int(float64(width) * float64(maxDimension) / float64(height))
	return max(scaledWidth, 1), maxDimension
}

// encodeJPEG flattens transparency onto white since JPEG carries no alpha.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	bounds := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image to JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

func hasPNGSignature(data []byte) bool {
	// PNG signature: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	return bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
}

func hasJPEGSignature(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF})
}
