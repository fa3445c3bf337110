package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
)

const (
	DefaultMaxSide     = 1600
	DefaultJPEGQuality = 82
)

var (
	ErrInvalidImage      = errors.New("invalid image")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrWriteFailed       = errors.New("cannot write processed image")
)

type Status string

const (
	// StatusProcessed means the image was decoded, resized if needed and re-encoded.
	StatusProcessed Status = "processed"
	// StatusCopied means the bytes were copied unchanged (passthrough mode).
	StatusCopied Status = "copied"
)

// Result describes the normalized file.
type Result struct {
	Path   string
	Width  int
	Height int
	Format string
	Status Status
}

// Normalizer produces the working copies kept for an intake session.
type Normalizer struct {
	MaxSide     int
	JPEGQuality int
	// ForceJPEG re-encodes every input as JPEG, flattening transparency onto white.
	ForceJPEG bool
	// Passthrough copies files byte for byte without decoding.
	Passthrough bool
}

// Normalize writes a normalized copy of src next to dst. The extension of dst
// is replaced to match the encoded format; the final path is in Result.Path.
func (n Normalizer) Normalize(src, dst string) (Result, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if n.Passthrough {
		return n.copyThrough(data, src, dst)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	var outExt string
	switch format {
	case "jpeg":
		outExt = "jpg"
	case "png":
		outExt = "png"
	case "webp":
		outExt = "webp"
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if n.ForceJPEG {
		outExt = "jpg"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Result{}, ErrInvalidImage
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	img = n.fit(img)
	b := img.Bounds()

	out := WithExtension(dst, outExt)
	if err := n.write(out, img, outExt); err != nil {
		_ = os.Remove(out)
		return Result{}, err
	}
	return Result{Path: out, Width: b.Dx(), Height: b.Dy(), Format: outExt, Status: StatusProcessed}, nil
}

func (n Normalizer) fit(img image.Image) image.Image {
	maxSide := orInt(n.MaxSide, DefaultMaxSide)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longer := max(w, h)
	if longer <= maxSide {
		return img
	}
	scale := float64(maxSide) / float64(longer)
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	return imaging.Resize(img, nw, nh, imaging.Lanczos)
}

func (n Normalizer) write(path string, img image.Image, ext string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	switch ext {
	case "png":
		err = imaging.Encode(f, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
	case "webp":
		// lossless VP8L, alpha kept
		err = nativewebp.Encode(f, img, nil)
	default:
		quality := orInt(n.JPEGQuality, DefaultJPEGQuality)
		err = imaging.Encode(f, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (n Normalizer) copyThrough(data []byte, src, dst string) (Result, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(src), "."))
	if ext == "" {
		ext = "jpg"
	}
	out := WithExtension(dst, ext)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	res := Result{Path: out, Format: ext, Status: StatusCopied}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		res.Width, res.Height = cfg.Width, cfg.Height
	}
	return res, nil
}

// flatten composites img over an opaque white background.
func flatten(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// WithExtension replaces the trailing extension of path with ext.
func WithExtension(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + strings.ToLower(ext)
}
