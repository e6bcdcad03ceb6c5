// Package transform turns the shared base render into one device-exact
// bitmap per preset.
package transform

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"mapwall/internal/apperr"
	"mapwall/internal/catalog"
)

// Transform resizes and crops base to the device resolution, then applies
// the theme color steps: grayscale, modulation, tint, contrast. An empty
// anchor falls back to the device default.
func Transform(base image.Image, device catalog.Device, theme catalog.Theme, anchor catalog.Anchor) (*image.NRGBA, error) {
	if device.Width <= 0 || device.Height <= 0 {
		return nil, &apperr.TransformError{Device: device.ID, Err: fmt.Errorf("invalid target %dx%d", device.Width, device.Height)}
	}
	if base == nil || base.Bounds().Empty() {
		return nil, &apperr.TransformError{Device: device.ID, Err: fmt.Errorf("empty base image")}
	}
	if anchor == "" {
		anchor = device.Anchor()
	}

	dst := image.NewNRGBA(image.Rect(0, 0, device.Width, device.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), base, CoverRect(base.Bounds(), device.Width, device.Height, anchor), draw.Src, nil)

	if theme.Grayscale {
		grayscale(dst)
	}
	if theme.HasModulation() {
		modulate(dst, theme.Brightness, theme.Saturation, theme.Hue)
	}
	if theme.Tint != nil {
		tint(dst, *theme.Tint)
	}
	if c := theme.ContrastFactor(); c != 1 {
		contrast(dst, c)
	}

	if b := dst.Bounds(); b.Dx() != device.Width || b.Dy() != device.Height {
		return nil, &apperr.TransformError{Device: device.ID, Err: fmt.Errorf("produced %dx%d, want %dx%d", b.Dx(), b.Dy(), device.Width, device.Height)}
	}
	return dst, nil
}

var encoder = png.Encoder{CompressionLevel: png.DefaultCompression}

// Encode writes img as PNG. Equal images always encode to equal bytes.
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Dimensions reads the size of an encoded image without decoding pixels.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
