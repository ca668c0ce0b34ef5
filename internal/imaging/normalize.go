package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxWidth = 1600
	DefaultQuality  = 75
)

var ErrEncodingFailed = errors.New("image encoding failed")

// Encoded is a transmit-ready JPEG.
type Encoded struct {
	Bytes  []byte
	Width  int
	Height int
}

func (e Encoded) DataURI() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(e.Bytes)
}

// Normalizer downscales images wider than MaxWidth, keeping the aspect ratio,
// and re-encodes them as JPEG. Narrower images keep their dimensions.
type Normalizer struct {
	MaxWidth int
	Quality  int
}

func NewNormalizer(maxWidth, quality int) *Normalizer {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Normalizer{MaxWidth: maxWidth, Quality: quality}
}

func (n *Normalizer) NormalizeFile(path string) (Encoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return Encoded{}, err
	}
	defer f.Close()
	return n.NormalizeReader(f)
}

func (n *Normalizer) NormalizeReader(r io.Reader) (Encoded, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Encoded{}, fmt.Errorf("decode image: %w", err)
	}
	return n.Normalize(img)
}

func (n *Normalizer) Normalize(img image.Image) (Encoded, error) {
	if img == nil {
		return Encoded{}, ErrEncodingFailed
	}
	src := img.Bounds()
	if src.Dx() <= 0 || src.Dy() <= 0 {
		return Encoded{}, fmt.Errorf("%w: empty image %dx%d", ErrEncodingFailed, src.Dx(), src.Dy())
	}

	width, height := TargetSize(src.Dx(), src.Dy(), n.MaxWidth)
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	// JPEG has no alpha channel; transparent regions become white.
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if width == src.Dx() && height == src.Dy() {
		draw.Draw(canvas, canvas.Bounds(), img, src.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), img, src, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: n.Quality}); err != nil {
		return Encoded{}, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return Encoded{Bytes: buf.Bytes(), Width: width, Height: height}, nil
}

// TargetSize applies the downscale-only rule: scale = min(1, maxWidth/width).
func TargetSize(width, height, maxWidth int) (int, int) {
	if maxWidth <= 0 || width <= maxWidth {
		return width, height
	}
	scale := float64(maxWidth) / float64(width)
	h := int(math.Round(float64(height) * scale))
	if h < 1 {
		h = 1
	}
	return maxWidth, h
}
