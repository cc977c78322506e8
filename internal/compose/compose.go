// Package compose overlays a sticker onto a fixed template image.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Format is the encoding of the composited output.
type Format string

const (
	FormatWebP Format = "webp"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ParseFormat accepts the format names and their common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "webp":
		return FormatWebP, nil
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("unsupported output format %q", s)
}

// Ext returns the file extension, dot included.
func (f Format) Ext() string {
	switch f {
	case FormatPNG:
		return ".png"
	case FormatJPEG:
		return ".jpg"
	default:
		return ".webp"
	}
}

// ErrDecode is returned when the sticker bytes are not a supported image.
var ErrDecode = errors.New("compose: cannot decode image")

// Options configure a Compositor.
type Options struct {
	Scale   float64 // overlay scale factor, 1.0 keeps the original size
	Format  Format
	Quality int // JPEG quality, 1-100
}

// Compositor holds the decoded template.
type Compositor struct {
	base image.Image
	opts Options
}

// Load decodes the template at path.
func Load(path string, opts Options) (*Compositor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return New(data, opts)
}

// New decodes the template bytes.
func New(template []byte, opts Options) (*Compositor, error) {
	base, _, err := image.Decode(bytes.NewReader(template))
	if err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if opts.Scale <= 0 {
		opts.Scale = 1.0
	}
	if opts.Format == "" {
		opts.Format = FormatWebP
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 90
	}
	return &Compositor{base: base, opts: opts}, nil
}

// Format returns the output format.
func (c *Compositor) Format() Format { return c.opts.Format }

// Composite decodes src, scales it, centers it over the template and encodes the result.
func (c *Compositor) Composite(src []byte) ([]byte, error) {
	overlay, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	out := Overlay(c.base, Scale(overlay, c.opts.Scale))

	var buf bytes.Buffer
	switch c.opts.Format {
	case FormatPNG:
		err = png.Encode(&buf, out)
	case FormatJPEG:
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: c.opts.Quality})
	default:
		err = nativewebp.Encode(&buf, out, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.opts.Format, err)
	}
	return buf.Bytes(), nil
}

// Scale resizes img by factor. Each side is at least one pixel.
func Scale(img image.Image, factor float64) image.Image {
	if factor == 1 || factor <= 0 {
		return img
	}
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Overlay alpha-composites top over a copy of base, centered on both axes.
func Overlay(base, top image.Image) *image.RGBA {
	bb := base.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bb.Dx(), bb.Dy()))
	draw.Draw(out, out.Bounds(), base, bb.Min, draw.Src)

	tb := top.Bounds()
	at := CenterOffset(out.Bounds().Size(), tb.Size())
	draw.Draw(out, image.Rectangle{Min: at, Max: at.Add(tb.Size())}, top, tb.Min, draw.Over)
	return out
}

// CenterOffset returns where an inner rectangle starts when centered in outer.
// Odd remainders round toward negative infinity.
func CenterOffset(outer, inner image.Point) image.Point {
	return image.Pt(floorDiv(outer.X-inner.X, 2), floorDiv(outer.Y-inner.Y, 2))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
